package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/medlink/internal/middleware"
)

// HealthChecker は依存先の疎通確認を行う。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig

	// セッション
	Sessions SessionServiceInterface

	// フェデレーテッドサインイン
	Providers  ProviderLookup
	AuthConfig AuthHandlerConfig

	// メール認証
	Verifier EmailVerifier

	// ビュー
	Network *NetworkHandler
	Jobs    *JobsHandler

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → CORS → SecurityHeaders → Logging → RateLimit(General) → CSRF → RequireSession
//
// CORSはルーティング前に適用し、未定義メソッドへのプリフライトにも応答する。
// /health と /metrics はログとレート制限の対象外。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	sessionHandler := NewSessionHandler(deps.Sessions)
	authHandler := NewAuthHandler(deps.Providers, deps.Sessions, deps.AuthConfig)
	verifyHandler := NewVerifyHandler(deps.Verifier)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewLoggingMiddleware(logger, deps.Sessions))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		// --- 認証不要のルート ---
		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

		r.Route("/auth/{provider}", func(r chi.Router) {
			r.Get("/login", authHandler.Login)
			r.With(deps.RateLimiter.SignInMiddleware()).Get("/callback", authHandler.Callback)
			r.With(deps.RateLimiter.SignInMiddleware()).Post("/callback", authHandler.Callback)
		})

		r.Route("/api/session", func(r chi.Router) {
			r.Get("/", sessionHandler.Restore)
			r.With(deps.RateLimiter.SignInMiddleware()).Post("/login", sessionHandler.Login)
			r.With(deps.RateLimiter.SignInMiddleware()).Post("/federated", sessionHandler.Federated)
			r.Post("/logout", sessionHandler.Logout)
		})

		r.Get("/api/verify-email", verifyHandler.Verify)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRequireSessionMiddleware(deps.Sessions))

			r.Route("/api/network", func(r chi.Router) {
				r.Get("/", deps.Network.Mount)
				r.Get("/search", deps.Network.Search)
				r.Post("/{id}/connect", deps.Network.Connect)
				r.Post("/{id}/unconnect", deps.Network.Unconnect)
			})

			r.Route("/api/jobs", func(r chi.Router) {
				r.Get("/", deps.Jobs.Mount)
				r.Post("/", deps.Jobs.Create)
				r.Get("/search", deps.Jobs.Search)
				r.Get("/mine", deps.Jobs.Mine)
				r.Put("/{id}", deps.Jobs.Update)
				r.Delete("/{id}", deps.Jobs.Delete)
				r.Post("/{id}/save", deps.Jobs.ToggleSave)
				r.Post("/{id}/apply", deps.Jobs.Apply)
			})
		})
	})

	return r
}

// healthHandler はプロセスと依存先の稼働状態を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
