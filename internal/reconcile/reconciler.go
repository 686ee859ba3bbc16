// Package reconcile はユーザー操作による変更リクエストの重複送信を防ぎ、
// サーバーの応答でローカル状態を確定またはロールバックするリコンサイラーを提供する。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/medlink/internal/metrics"
	"github.com/hitoshi/medlink/internal/model"
)

// DefaultTimeout は1回の変更リクエストの上限時間。
const DefaultTimeout = 20 * time.Second

// ActionKind は変更操作の種別を表す。
type ActionKind string

const (
	ActionConnect   ActionKind = "connect"
	ActionUnconnect ActionKind = "unconnect"
	ActionSave      ActionKind = "save"
	ActionUnsave    ActionKind = "unsave"
	ActionApply     ActionKind = "apply"
	ActionCreate    ActionKind = "create"
	ActionUpdate    ActionKind = "update"
	ActionDelete    ActionKind = "delete"
)

// Class は同時実行を排他する操作のグループを表す。
// 同じエンティティに対する connect と unconnect、update と delete は同時に送信できない。
type Class string

const (
	ClassConnection Class = "connection"
	ClassSave       Class = "save"
	ClassApply      Class = "apply"
	ClassPost       Class = "post"
	ClassManage     Class = "manage"
)

// Class は操作種別が属するグループを返す。
func (k ActionKind) Class() Class {
	switch k {
	case ActionConnect, ActionUnconnect:
		return ClassConnection
	case ActionSave, ActionUnsave:
		return ClassSave
	case ActionApply:
		return ClassApply
	case ActionCreate:
		return ClassPost
	case ActionUpdate, ActionDelete:
		return ClassManage
	default:
		return Class(k)
	}
}

// Mutation は1回の変更操作を表す。
//
// Doは認証付きの変更リクエストを送る。Optimisticは送信前、Rollbackは失敗時、
// Applyは成功時にサーバーの応答で状態を確定するために呼ばれる。
// Optimistic・Rollback・ApplyはViewが生存している場合にのみ呼ばれる。
type Mutation[T any] struct {
	EntityID   string
	Kind       ActionKind
	Do         func(ctx context.Context) (T, error)
	Optimistic func()
	Rollback   func()
	Apply      func(T)
	View       *View
}

type pairKey struct {
	entityID string
	class    Class
}

// Reconciler は (エンティティ, 操作グループ) ごとの送信中マーカーと、
// セッション中に受理された応募を管理する。
type Reconciler struct {
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	timeout time.Duration

	mu       sync.Mutex
	inflight map[pairKey]struct{}
	applied  map[string]struct{}
}

// Option はReconcilerを設定する。
type Option func(*Reconciler)

// WithTimeout は変更リクエストの上限時間を設定する。
func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(c metrics.MetricsCollector) Option {
	return func(r *Reconciler) {
		r.metrics = c
	}
}

// New はReconcilerを生成する。
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		logger:   slog.Default(),
		metrics:  metrics.Nop{},
		timeout:  DefaultTimeout,
		inflight: make(map[pairKey]struct{}),
		applied:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit は変更操作を実行する。
//
// 同じ (EntityID, Kindのグループ) がすでに送信中の場合は BusyError を、
// 受理済みの求人への応募は AlreadyAppliedError を返し、どちらもDoを呼ばない。
// 失敗時はRollbackでローカル状態を送信前に戻してからエラーを返す。
func Submit[T any](ctx context.Context, r *Reconciler, m Mutation[T]) (T, error) {
	var zero T
	if m.EntityID == "" || m.Do == nil || m.Apply == nil {
		return zero, errors.New("reconcile: mutation requires EntityID, Do and Apply")
	}
	class := m.Kind.Class()

	if err := r.acquire(m.EntityID, m.Kind); err != nil {
		outcome := metrics.OutcomeBusy
		if errors.Is(err, model.ErrAlreadyApplied) {
			outcome = metrics.OutcomeAlreadyApplied
		}
		r.metrics.RecordReconcileOutcome(string(class), outcome)
		return zero, err
	}
	// マーカーはApplyの後、かつDoが実際に戻った後に外す。
	// 上限時間で先に戻った場合は、Doの終了を待ってから外す。
	settled := make(chan struct{})
	started := false
	defer func() {
		if !started {
			r.release(m.EntityID, class)
			return
		}
		select {
		case <-settled:
			r.release(m.EntityID, class)
		default:
			go func() {
				<-settled
				r.release(m.EntityID, class)
			}()
		}
	}()

	if m.Optimistic != nil && m.View.Alive() {
		m.Optimistic()
	}

	started = true
	result, err := runBounded(ctx, r.timeout, m, settled)
	if err != nil {
		if !m.View.Alive() {
			r.discarded(m.EntityID, m.Kind, m.View, "rollback")
			return zero, err
		}
		if m.Rollback != nil {
			m.Rollback()
		}
		r.metrics.RecordReconcileOutcome(string(class), metrics.OutcomeRolledBack)
		r.logger.Warn("変更操作に失敗しました",
			slog.String("entity_id", m.EntityID),
			slog.String("action", string(m.Kind)),
			slog.String("error", err.Error()),
		)
		return zero, err
	}

	if m.Kind == ActionApply {
		r.MarkApplied(m.EntityID)
	}

	if !m.View.Alive() {
		r.discarded(m.EntityID, m.Kind, m.View, "apply")
		return result, nil
	}
	m.Apply(result)
	r.metrics.RecordReconcileOutcome(string(class), metrics.OutcomeOK)
	return result, nil
}

// runBounded はDoを上限時間付きで実行する。Doがcontextを無視しても上限時間で戻る。
// settledはDoが戻った時点で閉じられる。
func runBounded[T any](ctx context.Context, timeout time.Duration, m Mutation[T], settled chan<- struct{}) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := m.Do(ctx)
		// doneより先に閉じ、正常終了時はSubmitが同期的にマーカーを外せるようにする
		close(settled)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		var zero T
		return zero, &model.NetworkFailure{
			Op:  fmt.Sprintf("%s %s", m.Kind, m.EntityID),
			Err: ctx.Err(),
		}
	}
}

// discarded は破棄済みビューへの反映を行わなかったことを記録する。
func (r *Reconciler) discarded(entityID string, kind ActionKind, view *View, phase string) {
	r.metrics.RecordReconcileOutcome(string(kind.Class()), metrics.OutcomeStale)
	r.logger.Debug("破棄済みビューへの応答を捨てました",
		slog.String("entity_id", entityID),
		slog.String("action", string(kind)),
		slog.String("view_id", view.ID()),
		slog.String("phase", phase),
	)
}

func (r *Reconciler) acquire(entityID string, kind ActionKind) error {
	key := pairKey{entityID: entityID, class: kind.Class()}

	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == ActionApply {
		if _, ok := r.applied[entityID]; ok {
			return &model.AlreadyAppliedError{JobID: entityID}
		}
	}
	if _, ok := r.inflight[key]; ok {
		return &model.BusyError{EntityID: entityID, Action: string(kind)}
	}
	r.inflight[key] = struct{}{}
	return nil
}

func (r *Reconciler) release(entityID string, class Class) {
	r.mu.Lock()
	delete(r.inflight, pairKey{entityID: entityID, class: class})
	r.mu.Unlock()
}

// IsBusy は (entityID, kindのグループ) が送信中かどうかを返す。
func (r *Reconciler) IsBusy(entityID string, kind ActionKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[pairKey{entityID: entityID, class: kind.Class()}]
	return ok
}

// MarkApplied は求人への応募が受理済みであることを記録する。
// 一覧取得時にサーバーが応募済みと報告した求人にも使う。
func (r *Reconciler) MarkApplied(jobID string) {
	r.mu.Lock()
	r.applied[jobID] = struct{}{}
	r.mu.Unlock()
}

// Applied は求人への応募がこのセッション中に受理済みかどうかを返す。
func (r *Reconciler) Applied(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.applied[jobID]
	return ok
}

// Reset はセッション終了時に応募済みの記録を消す。送信中のマーカーは各操作が自分で外す。
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.applied = make(map[string]struct{})
	r.mu.Unlock()
}
