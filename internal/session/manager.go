// Package session は認証トークンのライフサイクルを管理するセッションマネージャーを提供する。
// 永続化された資格情報の唯一の書き込み元であり、他のコンポーネントは
// ストアを直接読まずにこのマネージャーのメモリ上の状態を参照する。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/medlink/internal/metrics"
	"github.com/hitoshi/medlink/internal/model"
	"github.com/hitoshi/medlink/internal/repository"
)

// DefaultTimeout は1回のサインイン・セッション復元にかける時間の上限。
const DefaultTimeout = 20 * time.Second

// ErrSuperseded はサインインの完了前にサインアウトが行われ、結果を破棄したことを表す。
var ErrSuperseded = model.ErrSignInSuperseded

// IdentityAPI はセッションマネージャーが使う認証系API。
type IdentityAPI interface {
	Login(ctx context.Context, email, password string) (string, error)
	FederatedLogin(ctx context.Context, providerToken string, provider model.Provider) (string, error)
	Me(ctx context.Context, token string) (*model.Identity, error)
}

// Manager はセッション状態の単一の情報源。
type Manager struct {
	api     IdentityAPI
	store   repository.CredentialRepository
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	timeout time.Duration

	// storeMu はストアへの書き込みと、それに伴う状態更新を直列化する。
	storeMu sync.Mutex

	mu       sync.Mutex
	status   model.Status
	identity *model.Identity
	token    string
	// generation はトークンが変わるたびに増える。復元結果の鮮度判定に使う。
	generation uint64
	// logouts はサインアウト・無効化のたびに増える。サインイン結果の鮮度判定に使う。
	logouts    uint64
	federating bool

	notifyMu    sync.Mutex
	subscribers map[int]func(model.Session)
	nextSubID   int
}

// Option はManagerを設定する。
type Option func(*Manager)

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(c metrics.MetricsCollector) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// WithTimeout はネットワーク呼び出しを含む操作の上限時間を設定する。
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewManager は未認証状態のManagerを生成する。
func NewManager(api IdentityAPI, store repository.CredentialRepository, opts ...Option) *Manager {
	m := &Manager{
		api:         api,
		store:       store,
		logger:      slog.Default(),
		metrics:     metrics.Nop{},
		timeout:     DefaultTimeout,
		status:      model.StatusUnauthenticated,
		subscribers: make(map[int]func(model.Session)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
// 返されたトークンは /auth/me で検証できた場合にのみ永続化され、Authenticatedになる。
// 失敗しても既存の有効なセッションは維持される。
func (m *Manager) SignInWithPassword(ctx context.Context, email, password string) (model.Session, error) {
	return m.signIn(ctx, "password", func(ctx context.Context) (string, error) {
		return m.api.Login(ctx, email, password)
	})
}

// ExchangeFederatedCredential はIdPのトークンをバックエンドのセッションに交換する。
// 交換がすでに進行中の場合は、ネットワーク呼び出しを行わずにBusyErrorを返す。
func (m *Manager) ExchangeFederatedCredential(ctx context.Context, providerToken string, provider model.Provider) (model.Session, error) {
	if !provider.Valid() {
		return m.Snapshot(), model.NewUnknownProviderError(string(provider))
	}

	m.mu.Lock()
	if m.federating {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, &model.BusyError{EntityID: string(provider), Action: "federated_exchange"}
	}
	m.federating = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.federating = false
		m.mu.Unlock()
	}()

	return m.signIn(ctx, string(provider), func(ctx context.Context) (string, error) {
		return m.api.FederatedLogin(ctx, providerToken, provider)
	})
}

// Federating はフェデレーテッド交換が進行中かどうかを返す。UIのボタン無効化に使う。
func (m *Manager) Federating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.federating
}

func (m *Manager) signIn(ctx context.Context, method string, obtain func(context.Context) (string, error)) (model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.mu.Lock()
	startLogouts := m.logouts
	// 既存のセッションがある場合はPendingに落とさない
	markedPending := false
	if m.status != model.StatusAuthenticated && m.status != model.StatusPending {
		m.setStatusLocked(model.StatusPending, nil)
		markedPending = true
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	if markedPending {
		m.notify(snap)
	}

	token, err := obtain(ctx)
	if err != nil {
		return m.failSignIn(method, startLogouts, markedPending, err)
	}

	identity, err := m.api.Me(ctx, token)
	if err != nil {
		// 発行直後のトークンが拒否された場合はサインイン失敗として扱う
		var rejected *model.ServerRejected
		if errors.As(err, &rejected) {
			err = model.NewAuthError(rejected.StatusCode, rejected.Message)
		}
		return m.failSignIn(method, startLogouts, markedPending, fmt.Errorf("identity verification failed: %w", err))
	}

	m.storeMu.Lock()
	m.mu.Lock()
	superseded := m.logouts != startLogouts
	m.mu.Unlock()
	if superseded {
		m.storeMu.Unlock()
		m.logger.Info("サインアウト後に完了したサインインを破棄しました", slog.String("method", method))
		return m.Snapshot(), ErrSuperseded
	}

	if err := m.store.Save(ctx, token); err != nil {
		m.storeMu.Unlock()
		return m.failSignIn(method, startLogouts, markedPending, fmt.Errorf("failed to persist credential: %w", err))
	}

	m.mu.Lock()
	m.generation++
	m.token = token
	m.setStatusLocked(model.StatusAuthenticated, identity)
	snap = m.snapshotLocked()
	m.mu.Unlock()
	m.storeMu.Unlock()

	m.logger.Info("サインインしました",
		slog.String("method", method),
		slog.String("user_id", identity.ID),
	)
	m.notify(snap)
	return snap, nil
}

// failSignIn はサインイン失敗時の状態を整える。
// このサインインがPendingにした場合のみUnauthenticatedに戻す。
func (m *Manager) failSignIn(method string, startLogouts uint64, markedPending bool, cause error) (model.Session, error) {
	m.mu.Lock()
	changed := false
	if markedPending && m.logouts == startLogouts && m.status == model.StatusPending {
		changed = m.setStatusLocked(model.StatusUnauthenticated, nil)
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Warn("サインインに失敗しました",
		slog.String("method", method),
		slog.String("error", cause.Error()),
	)
	if changed {
		m.notify(snap)
	}
	return snap, cause
}

// RestoreSession は永続化されたトークンを /auth/me で再検証し、結果の状態を返す。
// トークンが無ければネットワーク呼び出しは行わない。
// 2xx以外の応答ではトークンを削除する。応答が無い場合はUnauthenticatedにするがトークンは残す。
func (m *Manager) RestoreSession(ctx context.Context) model.Session {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()

	token, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Error("保存済みトークンの読み込みに失敗しました", slog.String("error", err.Error()))
		return m.settle(gen, "", model.StatusUnauthenticated, nil)
	}
	if token == "" {
		return m.settle(gen, "", model.StatusUnauthenticated, nil)
	}

	m.mu.Lock()
	if gen != m.generation {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap
	}
	changed := false
	if m.status != model.StatusAuthenticated {
		changed = m.setStatusLocked(model.StatusPending, nil)
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	if changed {
		m.notify(snap)
	}

	identity, err := m.api.Me(ctx, token)
	if err == nil {
		return m.settle(gen, token, model.StatusAuthenticated, identity)
	}

	var rejected *model.ServerRejected
	if errors.As(err, &rejected) {
		m.logger.Info("保存済みトークンがサーバーに拒否されました",
			slog.Int("http_status", rejected.StatusCode),
		)
		return m.discard(ctx, gen, "restore rejected")
	}

	// 応答なし・不正な応答は認証済みのまま残さない
	m.logger.Warn("セッションを検証できませんでした",
		slog.String("error", err.Error()),
	)
	return m.settle(gen, "", model.StatusUnauthenticated, nil)
}

// settle は復元結果を反映する。開始後にトークンが変わっていれば結果を捨てる。
func (m *Manager) settle(gen uint64, token string, status model.Status, identity *model.Identity) model.Session {
	m.mu.Lock()
	if gen != m.generation {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.logger.Debug("古い復元結果を破棄しました", slog.String("status", string(status)))
		return snap
	}
	m.token = token
	changed := m.setStatusLocked(status, identity)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if changed {
		m.notify(snap)
	}
	return snap
}

// discard はサーバーが拒否したトークンを削除してUnauthenticatedにする。
func (m *Manager) discard(ctx context.Context, gen uint64, reason string) model.Session {
	m.storeMu.Lock()
	m.mu.Lock()
	if gen != m.generation {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.storeMu.Unlock()
		return snap
	}
	m.mu.Unlock()

	snap, changed := m.clear(ctx, reason, model.StatusInvalid)
	m.storeMu.Unlock()

	if changed {
		m.notify(snap)
	}
	return snap
}

// clear は永続化されたトークンとidentityを削除する。storeMuを保持して呼ぶこと。
// 通知は呼び出し側がstoreMuを解放してから行う。
func (m *Manager) clear(ctx context.Context, reason string, via model.Status) (model.Session, bool) {
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Error("保存済みトークンの削除に失敗しました",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}

	m.mu.Lock()
	m.generation++
	m.logouts++
	m.token = ""
	if via == model.StatusInvalid && m.status != model.StatusUnauthenticated {
		m.metrics.RecordSessionTransition(string(model.StatusInvalid))
	}
	changed := m.setStatusLocked(model.StatusUnauthenticated, nil)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	return snap, changed
}

// AttachCredential はAuthenticatedのときに限りAuthorizationヘッダーを付与する。
// それ以外では何もしない（リクエストは未認証で送られ、サーバーに拒否される）。
func (m *Manager) AttachCredential(req *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == model.StatusAuthenticated && m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
}

// SignOut は永続化されたトークンとidentityを削除し、Unauthenticatedにする。
// セッションが無い場合に呼んでも安全。
func (m *Manager) SignOut(ctx context.Context) model.Session {
	m.storeMu.Lock()
	m.logger.Info("サインアウトします", slog.String("user_id", m.UserID()))
	snap, changed := m.clear(context.WithoutCancel(ctx), "sign out", model.StatusUnauthenticated)
	m.storeMu.Unlock()

	if changed {
		m.notify(snap)
	}
	return snap
}

// Invalidate は保護されたAPI呼び出しが認証拒否されたときに呼ばれる。
// Authenticatedの場合のみセッションを破棄する。
func (m *Manager) Invalidate(ctx context.Context, reason string) {
	m.storeMu.Lock()
	if m.Status() != model.StatusAuthenticated {
		m.storeMu.Unlock()
		return
	}
	m.logger.Warn("セッションが無効化されました",
		slog.String("user_id", m.UserID()),
		slog.String("reason", reason),
	)
	snap, changed := m.clear(ctx, reason, model.StatusInvalid)
	m.storeMu.Unlock()

	if changed {
		m.notify(snap)
	}
}

// Snapshot は現在のセッションのコピーを返す。
func (m *Manager) Snapshot() model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Status は現在のステータスを返す。
func (m *Manager) Status() model.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// UserID は認証済みユーザーのIDを返す。未認証の場合は空文字列。
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked().UserID()
}

// Subscribe は状態遷移の通知先を登録し、登録解除関数を返す。
// 通知は1つずつ直列に行われる。通知先からSubscribeを呼ばないこと。
func (m *Manager) Subscribe(fn func(model.Session)) func() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	return func() {
		m.notifyMu.Lock()
		defer m.notifyMu.Unlock()
		delete(m.subscribers, id)
	}
}

func (m *Manager) notify(s model.Session) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	for _, fn := range m.subscribers {
		fn(s)
	}
}

// setStatusLocked は状態を更新し、変化があったかを返す。muを保持して呼ぶこと。
// Authenticated以外ではidentityを必ずnilにする。
func (m *Manager) setStatusLocked(status model.Status, identity *model.Identity) bool {
	if status != model.StatusAuthenticated {
		identity = nil
	}
	changed := m.status != status || (identity != nil && (m.identity == nil || *m.identity != *identity))
	m.status = status
	m.identity = identity
	if changed {
		m.metrics.RecordSessionTransition(string(status))
	}
	return changed
}

func (m *Manager) snapshotLocked() model.Session {
	s := model.Session{Status: m.status}
	if m.status == model.StatusAuthenticated && m.identity != nil {
		id := *m.identity
		s.Identity = &id
	}
	return s
}
