// Package apiclient はMedLink REST APIの型付きクライアントを提供する。
// 応答はAPI境界で検証され、不正なペイロードはNetworkFailureとして扱われる。
package apiclient

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/medlink/internal/metrics"
	"github.com/hitoshi/medlink/internal/security"
)

const (
	// DefaultTimeout はHTTPクライアントのデフォルトタイムアウト。
	DefaultTimeout = 20 * time.Second
	// defaultRateLimit は外向きリクエストの毎秒上限。
	defaultRateLimit = 10
	// defaultRateBurst はトークンバケットのバースト数。
	defaultRateBurst = 20
	// defaultMaxAttempts はGETリクエストの最大試行回数。
	defaultMaxAttempts = 3
	// defaultRetryBase はリトライ間隔の初期値。
	defaultRetryBase = 200 * time.Millisecond
)

// Authorizer は保護されたリクエストへの資格情報付与と、認証拒否時の無効化を行う。
// セッションマネージャーが実装する。
type Authorizer interface {
	AttachCredential(req *http.Request)
	Invalidate(ctx context.Context, reason string)
}

// Client はMedLink APIのクライアント。
// 認証不要のエンドポイントはそのまま、保護されたエンドポイントはWithAuthorizerで得たビューから呼び出す。
type Client struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	metrics     metrics.MetricsCollector
	sanitizer   security.ContentSanitizerService
	logger      *slog.Logger
	authorizer  Authorizer
	maxAttempts int
	retryBase   time.Duration
}

// Option はClientを設定する。
type Option func(*Client)

// WithHTTPClient はHTTPクライアントを差し替える。
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout はHTTPクライアントのタイムアウトを設定する。
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if c.httpClient == nil {
			c.httpClient = &http.Client{}
		}
		c.httpClient.Timeout = timeout
	}
}

// WithRateLimit は外向きリクエストのトークンバケットを設定する。
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithSanitizer はサーバー由来テキストのサニタイザーを設定する。
func WithSanitizer(s security.ContentSanitizerService) Option {
	return func(c *Client) {
		c.sanitizer = s
	}
}

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRetry はGETリクエストの最大試行回数と初回待機時間を設定する。
func WithRetry(maxAttempts int, base time.Duration) Option {
	return func(c *Client) {
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		c.maxAttempts = maxAttempts
		c.retryBase = base
	}
}

// New は新しいClientを生成する。baseURLは末尾のスラッシュを含まないこと。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter:     rate.NewLimiter(defaultRateLimit, defaultRateBurst),
		metrics:     metrics.Nop{},
		maxAttempts: defaultMaxAttempts,
		retryBase:   defaultRetryBase,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.sanitizer == nil {
		c.sanitizer = security.NewContentSanitizer()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	return c
}

// WithAuthorizer は保護されたリクエストにaの資格情報を付与するクライアントのビューを返す。
// 元のClientとHTTPクライアント・レートリミッターを共有する。
func (c *Client) WithAuthorizer(a Authorizer) *Client {
	clone := *c
	clone.authorizer = a
	return &clone
}

// BaseURL は現在のベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}
