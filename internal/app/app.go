package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/medlink/internal/apiclient"
	"github.com/hitoshi/medlink/internal/auth"
	"github.com/hitoshi/medlink/internal/config"
	"github.com/hitoshi/medlink/internal/database"
	"github.com/hitoshi/medlink/internal/handler"
	"github.com/hitoshi/medlink/internal/logger"
	"github.com/hitoshi/medlink/internal/metrics"
	"github.com/hitoshi/medlink/internal/middleware"
	"github.com/hitoshi/medlink/internal/model"
	"github.com/hitoshi/medlink/internal/reconcile"
	"github.com/hitoshi/medlink/internal/repository"
	"github.com/hitoshi/medlink/internal/security"
	"github.com/hitoshi/medlink/internal/session"
	"github.com/hitoshi/medlink/internal/worker/revalidate"
)

// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
const dbPingTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("api_base_url", cfg.APIBaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// core はセッションとビューが共有するクライアント側の中核コンポーネント。
type core struct {
	collector *metrics.Collector
	sessions  *session.Manager
	rec       *reconcile.Reconciler
	api       *apiclient.Client // 資格情報を付与するビュー
}

// newCore はAPIクライアント、セッションマネージャー、Reconcilerを組み立てる。
// セッションが未認証に遷移すると、応募済みの記憶はクリアされる。
func newCore(cfg *config.Config, store repository.CredentialRepository, reg prometheus.Registerer) (*core, error) {
	collector := metrics.NewCollector(reg)
	log := slog.Default()

	opts := []apiclient.Option{
		apiclient.WithTimeout(cfg.RequestTimeout),
		apiclient.WithRateLimit(cfg.APIRateLimit, cfg.APIRateBurst),
		apiclient.WithMetrics(collector),
		apiclient.WithSanitizer(security.NewContentSanitizer()),
		apiclient.WithLogger(log),
	}
	if cfg.APIStrictEgress {
		guard := security.NewSSRFGuard()
		if err := guard.ValidateURL(cfg.APIBaseURL); err != nil {
			return nil, fmt.Errorf("API_BASE_URL rejected by egress policy: %w", err)
		}
		opts = append(opts, apiclient.WithHTTPClient(guard.NewSafeClient(cfg.RequestTimeout, security.PortOf(cfg.APIBaseURL))))
	}
	base := apiclient.New(cfg.APIBaseURL, opts...)

	sessions := session.NewManager(base, store,
		session.WithLogger(log),
		session.WithMetrics(collector),
		session.WithTimeout(cfg.RequestTimeout),
	)
	rec := reconcile.New(
		reconcile.WithTimeout(cfg.RequestTimeout),
		reconcile.WithLogger(log),
		reconcile.WithMetrics(collector),
	)

	return &core{
		collector: collector,
		sessions:  sessions,
		rec:       rec,
		api:       base.WithAuthorizer(sessions),
	}, nil
}

// newProviders は設定済みのIdPだけを登録したRegistryを生成する。
// トークンエンドポイントへの通信はSSRFガード付きクライアントで行う。
func newProviders(cfg *config.Config) (*auth.Registry, error) {
	httpClient := security.NewSSRFGuard().NewSafeClient(cfg.RequestTimeout)

	var providers []auth.Provider
	for _, p := range []struct {
		name    model.Provider
		enabled bool
		id      string
		secret  string
	}{
		{model.ProviderGoogle, cfg.GoogleEnabled(), cfg.GoogleClientID, cfg.GoogleClientSecret},
		{model.ProviderApple, cfg.AppleEnabled(), cfg.AppleClientID, cfg.AppleClientSecret},
	} {
		if !p.enabled {
			continue
		}
		provider, err := auth.NewOAuthProvider(auth.ProviderConfig{
			Name:         p.name,
			ClientID:     p.id,
			ClientSecret: p.secret,
			RedirectURL:  cfg.CallbackURL(string(p.name)),
		}, httpClient)
		if err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}
	return auth.NewRegistry(providers...), nil
}

// newServer はブリッジサーバーのハンドラーを組み立てる。
// 戻り値のstopはレートリミッターのクリーンアップを停止する。
func newServer(cfg *config.Config, c *core, gatherer prometheus.Gatherer, checker handler.HealthChecker) (http.Handler, func(), error) {
	providers, err := newProviders(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure providers: %w", err)
	}

	log := slog.Default()
	networkHandler := handler.NewNetworkHandler(c.api, c.rec, log)
	jobsHandler := handler.NewJobsHandler(c.api, c.rec, log)

	// サインアウト・失効時、または別ユーザーへの切り替え時はマウント中のビューを破棄し、
	// 応募済みの記憶をクリアする。購読者の呼び出しは直列化されている。
	var lastUser string
	unsubscribe := c.sessions.Subscribe(func(s model.Session) {
		if s.Authenticated() && s.UserID() == lastUser {
			return
		}
		if s.Authenticated() {
			lastUser = s.UserID()
		} else {
			lastUser = ""
		}
		networkHandler.Unmount()
		jobsHandler.Unmount()
		c.rec.Reset()
	})

	secure := strings.HasPrefix(cfg.BaseURL, "https://")
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSignIn),
	)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: secure,
			ExemptPaths:  []string{"/auth/apple/callback"},
		},
		Sessions:  c.sessions,
		Providers: providers,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:      cfg.CORSAllowedOrigin,
			CookieSecure: secure,
		},
		Verifier:       c.api,
		Network:        networkHandler,
		Jobs:           jobsHandler,
		HealthChecker:  checker,
		MetricsHandler: metrics.Handler(gatherer),
	})

	stop := func() {
		unsubscribe()
		rateLimiter.Stop()
	}
	return router, stop, nil
}

// newRegistry はGoランタイムとプロセスのメトリクスを含むレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe はブリッジサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーとセッション再検証を起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	// 2. 中核コンポーネント
	reg := newRegistry()
	c, err := newCore(cfg, repository.NewPostgresCredentialRepo(db), reg)
	if err != nil {
		return err
	}

	// 3. ルーターの構築
	router, stopServer, err := newServer(cfg, c, reg, db)
	if err != nil {
		return err
	}
	defer stopServer()

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	revalidator := revalidate.NewRevalidator(c.sessions, slog.Default(), cfg.RevalidateInterval)
	revalidated := make(chan struct{})
	go func() {
		defer close(revalidated)
		revalidator.Start(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("bridge server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			cancel()
			<-revalidated
			return fmt.Errorf("server listen error: %w", err)
		}
	}
	slog.Info("shutting down bridge server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	cancel()
	<-revalidated

	slog.Info("bridge server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 共有の資格情報ストアに保存されたトークンを定期的に再検証し、
// サーバーが拒否したトークンを破棄する。
func runWorker(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established (worker)")

	c, err := newCore(cfg, repository.NewPostgresCredentialRepo(db), prometheus.NewRegistry())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	revalidate.NewRevalidator(c.sessions, slog.Default(), cfg.RevalidateInterval).Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// パースできないURLは全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
