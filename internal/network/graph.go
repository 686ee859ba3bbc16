// Package network は接続候補ユーザーと接続状態を保持するネットワークビューを提供する。
package network

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/medlink/internal/model"
	"github.com/hitoshi/medlink/internal/reconcile"
)

// NetworkAPI はネットワークビューが使うAPI。
type NetworkAPI interface {
	ListUsers(ctx context.Context) ([]model.Profile, error)
	ListConnections(ctx context.Context) ([]string, error)
	Connect(ctx context.Context, userID string) (string, error)
	Unconnect(ctx context.Context, userID string) (string, error)
}

// Result は接続・接続解除の結果。
type Result struct {
	Message string          `json:"message,omitempty"`
	Edge    model.EdgeState `json:"edge"`
}

// ackResult はサーバー応答と、応答後に再取得した接続一覧。
type ackResult struct {
	message     string
	connections []string
	reloaded    bool
}

// Graph は1回のマウントに対応するネットワークビュー。
// (自分, 他ユーザー) の組ごとに常にちょうど1つのEdgeStateを持つ。
type Graph struct {
	api    NetworkAPI
	rec    *reconcile.Reconciler
	selfID string
	logger *slog.Logger
	view   *reconcile.View

	mu     sync.RWMutex
	users  []model.Profile
	index  map[string]int
	edges  map[string]model.EdgeState
	loaded bool
}

// NewGraph はネットワークビューを生成する。selfIDのユーザーは一覧から除外される。
func NewGraph(api NetworkAPI, rec *reconcile.Reconciler, selfID string, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		api:    api,
		rec:    rec,
		selfID: selfID,
		logger: logger,
		view:   reconcile.NewView(),
		index:  make(map[string]int),
		edges:  make(map[string]model.EdgeState),
	}
}

// ViewID はこのビューの識別子を返す。
func (g *Graph) ViewID() string {
	return g.view.ID()
}

// Load はユーザー一覧と接続一覧を並行して取得し、ビューを構築する。
// どちらかが失敗した場合は状態を変更せずにエラーを返す。
func (g *Graph) Load(ctx context.Context) error {
	var (
		users       []model.Profile
		connections []string
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		users, err = g.api.ListUsers(egCtx)
		return err
	})
	eg.Go(func() error {
		var err error
		connections, err = g.api.ListConnections(egCtx)
		return err
	})
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("failed to load network: %w", err)
	}

	if !g.view.Alive() {
		g.logger.Debug("破棄済みのネットワークビューへの読み込み結果を捨てました", slog.String("view_id", g.view.ID()))
		return nil
	}

	connected := toSet(connections)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.users = make([]model.Profile, 0, len(users))
	g.index = make(map[string]int, len(users))
	edges := make(map[string]model.EdgeState, len(users))
	for _, u := range users {
		if u.ID == g.selfID {
			continue
		}
		if _, dup := g.index[u.ID]; dup {
			continue
		}
		g.index[u.ID] = len(g.users)
		g.users = append(g.users, u)

		// 送信中の組は楽観的な状態を維持する
		if prev := g.edges[u.ID]; prev.Pending() && g.rec.IsBusy(u.ID, reconcile.ActionConnect) {
			edges[u.ID] = prev
			continue
		}
		edges[u.ID] = edgeFor(connected, u.ID)
	}
	g.edges = edges
	g.loaded = true

	g.logger.Info("ネットワークを読み込みました",
		slog.String("view_id", g.view.ID()),
		slog.Int("users", len(g.users)),
		slog.Int("connections", len(connected)),
	)
	return nil
}

// Connect はユーザーに接続する。送信中はPendingConnectを表示し、
// 成功後はサーバーの接続一覧で状態を確定する。
func (g *Graph) Connect(ctx context.Context, userID string) (Result, error) {
	return g.mutate(ctx, userID, reconcile.ActionConnect)
}

// Unconnect はユーザーとの接続を解除する。
func (g *Graph) Unconnect(ctx context.Context, userID string) (Result, error) {
	return g.mutate(ctx, userID, reconcile.ActionUnconnect)
}

func (g *Graph) mutate(ctx context.Context, userID string, kind reconcile.ActionKind) (Result, error) {
	if !g.has(userID) {
		return Result{}, model.NewUserNotFoundError(userID)
	}

	pending, acked := model.EdgePendingConnect, model.EdgeConnected
	call := g.api.Connect
	if kind == reconcile.ActionUnconnect {
		pending, acked = model.EdgePendingDisconnect, model.EdgeNotConnected
		call = g.api.Unconnect
	}

	var prev model.EdgeState
	ack, err := reconcile.Submit(ctx, g.rec, reconcile.Mutation[ackResult]{
		EntityID: userID,
		Kind:     kind,
		View:     g.view,
		Optimistic: func() {
			g.mu.Lock()
			prev = g.edges[userID]
			g.edges[userID] = pending
			g.mu.Unlock()
		},
		Rollback: func() {
			g.mu.Lock()
			g.edges[userID] = prev
			g.mu.Unlock()
		},
		Do: func(ctx context.Context) (ackResult, error) {
			msg, err := call(ctx, userID)
			if err != nil {
				return ackResult{}, err
			}
			conns, err := g.api.ListConnections(ctx)
			if err != nil {
				g.logger.Warn("接続一覧の再取得に失敗しました",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				return ackResult{message: msg}, nil
			}
			return ackResult{message: msg, connections: conns, reloaded: true}, nil
		},
		Apply: func(a ackResult) {
			g.mu.Lock()
			defer g.mu.Unlock()
			if !a.reloaded {
				g.edges[userID] = acked
				return
			}
			connected := toSet(a.connections)
			for id, state := range g.edges {
				if id != userID && state.Pending() {
					continue
				}
				g.edges[id] = edgeFor(connected, id)
			}
		},
	})
	if err != nil {
		return Result{}, err
	}

	g.logger.Info("接続状態を更新しました",
		slog.String("user_id", userID),
		slog.String("action", string(kind)),
	)
	return Result{Message: ack.message, Edge: g.State(userID)}, nil
}

// State は指定ユーザーとの接続状態を返す。一覧に無いユーザーはNotConnected。
func (g *Graph) State(userID string) model.EdgeState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if s, ok := g.edges[userID]; ok {
		return s
	}
	return model.EdgeNotConnected
}

// IsBusy は指定ユーザーへの接続・接続解除が送信中かどうかを返す。
func (g *Graph) IsBusy(userID string) bool {
	return g.rec.IsBusy(userID, reconcile.ActionConnect)
}

// Loaded は読み込みが完了しているかを返す。
func (g *Graph) Loaded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.loaded
}

// Users は接続状態付きのユーザー一覧を返す。
func (g *Graph) Users() []model.ProfileWithEdge {
	return g.Search("")
}

// Search は名前・ロール・専門分野のいずれかにqを含むユーザーを返す。大文字小文字は区別しない。
func (g *Graph) Search(q string) []model.ProfileWithEdge {
	q = strings.ToLower(strings.TrimSpace(q))

	g.mu.RLock()
	defer g.mu.RUnlock()
	result := make([]model.ProfileWithEdge, 0, len(g.users))
	for _, u := range g.users {
		if q != "" && !matches(u, q) {
			continue
		}
		result = append(result, model.ProfileWithEdge{Profile: u, Edge: g.edges[u.ID]})
	}
	return result
}

// Close はビューを破棄する。以降に届いた応答は反映されない。
func (g *Graph) Close() {
	g.view.Close()
}

func (g *Graph) has(userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.index[userID]
	return ok
}

func matches(u model.Profile, q string) bool {
	return strings.Contains(strings.ToLower(u.Name), q) ||
		strings.Contains(strings.ToLower(string(u.Role)), q) ||
		strings.Contains(strings.ToLower(u.Specialization), q)
}

func edgeFor(connected map[string]struct{}, id string) model.EdgeState {
	if _, ok := connected[id]; ok {
		return model.EdgeConnected
	}
	return model.EdgeNotConnected
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
