package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hitoshi/medlink/internal/metrics"
	"github.com/hitoshi/medlink/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingMetrics は記録された結果を保持するメトリクスのモック。
type recordingMetrics struct {
	metrics.Nop
	mu       sync.Mutex
	outcomes []string
}

func (m *recordingMetrics) RecordReconcileOutcome(class, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, class+"/"+outcome)
}

func (m *recordingMetrics) count(s string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.outcomes {
		if o == s {
			n++
		}
	}
	return n
}

func newTestReconciler(opts ...Option) (*Reconciler, *recordingMetrics) {
	rec := &recordingMetrics{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	opts = append([]Option{WithLogger(logger), WithMetrics(rec)}, opts...)
	return New(opts...), rec
}

func TestActionKind_Class(t *testing.T) {
	tests := []struct {
		kind ActionKind
		want Class
	}{
		{ActionConnect, ClassConnection},
		{ActionUnconnect, ClassConnection},
		{ActionSave, ClassSave},
		{ActionUnsave, ClassSave},
		{ActionApply, ClassApply},
		{ActionCreate, ClassPost},
		{ActionUpdate, ClassManage},
		{ActionDelete, ClassManage},
	}
	for _, tt := range tests {
		if got := tt.kind.Class(); got != tt.want {
			t.Errorf("%s.Class() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

// Scenario C: 保存リクエストの送信中に同じ求人を保存しようとするとBusyになり、
// 最終状態は1回目のサーバー応答だけを反映する。
func TestSubmit_DuplicateSaveIsBusy(t *testing.T) {
	r, rec := newTestReconciler()

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	saved := false

	save := Mutation[bool]{
		EntityID: "job42",
		Kind:     ActionSave,
		Do: func(ctx context.Context) (bool, error) {
			if calls.Add(1) == 1 {
				close(entered)
				<-release
			}
			return true, nil
		},
		Apply: func(v bool) { saved = v },
	}

	done := make(chan error, 1)
	go func() {
		_, err := Submit(context.Background(), r, save)
		done <- err
	}()
	<-entered

	if !r.IsBusy("job42", ActionSave) {
		t.Error("IsBusy should be true while in flight")
	}
	if !r.IsBusy("job42", ActionUnsave) {
		t.Error("save and unsave share the same class")
	}

	_, err := Submit(context.Background(), r, Mutation[bool]{
		EntityID: "job42",
		Kind:     ActionSave,
		Do: func(context.Context) (bool, error) {
			calls.Add(1)
			return false, nil
		},
		Apply: func(v bool) { saved = v },
	})
	var busy *model.BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("second Submit error = %v, want *model.BusyError", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Submit returned error: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("Do calls = %d, want 1", calls.Load())
	}
	if !saved {
		t.Error("saved should reflect the first server response")
	}
	if r.IsBusy("job42", ActionSave) {
		t.Error("marker should be cleared after completion")
	}
	if rec.count("save/busy") != 1 || rec.count("save/ok") != 1 {
		t.Errorf("outcomes = %v", rec.outcomes)
	}
}

// Scenario D: 接続が409で失敗すると状態は送信前に戻り、エラーが返る。
func TestSubmit_FailureRollsBack(t *testing.T) {
	r, rec := newTestReconciler()

	edge := model.EdgeNotConnected
	_, err := Submit(context.Background(), r, Mutation[string]{
		EntityID:   "user9",
		Kind:       ActionConnect,
		Optimistic: func() { edge = model.EdgePendingConnect },
		Rollback:   func() { edge = model.EdgeNotConnected },
		Do: func(context.Context) (string, error) {
			if edge != model.EdgePendingConnect {
				t.Errorf("optimistic state not applied before request: %q", edge)
			}
			return "", &model.ServerRejected{StatusCode: http.StatusConflict, Message: "Already connected"}
		},
		Apply: func(string) { edge = model.EdgeConnected },
	})

	var rejected *model.ServerRejected
	if !errors.As(err, &rejected) || rejected.StatusCode != http.StatusConflict {
		t.Fatalf("error = %v, want ServerRejected(409)", err)
	}
	if edge != model.EdgeNotConnected {
		t.Errorf("edge = %q, want not_connected", edge)
	}
	if r.IsBusy("user9", ActionConnect) {
		t.Error("marker should be cleared after failure")
	}
	if rec.count("connection/rolled_back") != 1 {
		t.Errorf("outcomes = %v", rec.outcomes)
	}
}

func TestSubmit_ServerStateOverridesGuess(t *testing.T) {
	r, _ := newTestReconciler()

	saved := false
	got, err := Submit(context.Background(), r, Mutation[bool]{
		EntityID:   "job1",
		Kind:       ActionSave,
		Optimistic: func() { saved = true },
		Rollback:   func() { saved = false },
		// サーバーは保存されていないと報告する
		Do:    func(context.Context) (bool, error) { return false, nil },
		Apply: func(v bool) { saved = v },
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if got || saved {
		t.Errorf("saved = %v (result %v), want false from server", saved, got)
	}
}

func TestSubmit_ApplyIsOneShot(t *testing.T) {
	r, rec := newTestReconciler()

	var calls atomic.Int32
	apply := Mutation[struct{}]{
		EntityID: "job7",
		Kind:     ActionApply,
		Do: func(context.Context) (struct{}, error) {
			calls.Add(1)
			return struct{}{}, nil
		},
		Apply: func(struct{}) {},
	}

	if _, err := Submit(context.Background(), r, apply); err != nil {
		t.Fatalf("first apply returned error: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, err := Submit(context.Background(), r, apply)
		if !errors.Is(err, model.ErrAlreadyApplied) {
			t.Errorf("apply #%d error = %v, want ErrAlreadyApplied", i+2, err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("Do calls = %d, want 1", calls.Load())
	}
	if !r.Applied("job7") {
		t.Error("Applied(job7) should be true")
	}
	if rec.count("apply/already_applied") != 3 {
		t.Errorf("outcomes = %v", rec.outcomes)
	}

	// セッション終了後は再び応募できる
	r.Reset()
	if _, err := Submit(context.Background(), r, apply); err != nil {
		t.Errorf("apply after Reset returned error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Do calls = %d, want 2", calls.Load())
	}
}

func TestSubmit_FailedApplyIsNotRemembered(t *testing.T) {
	r, _ := newTestReconciler()

	fail := true
	apply := Mutation[struct{}]{
		EntityID: "job7",
		Kind:     ActionApply,
		Do: func(context.Context) (struct{}, error) {
			if fail {
				return struct{}{}, &model.NetworkFailure{Op: "apply", Err: errors.New("reset")}
			}
			return struct{}{}, nil
		},
		Apply: func(struct{}) {},
	}

	if _, err := Submit(context.Background(), r, apply); !errors.Is(err, model.ErrNetworkFailure) {
		t.Fatalf("error = %v, want ErrNetworkFailure", err)
	}
	fail = false
	if _, err := Submit(context.Background(), r, apply); err != nil {
		t.Errorf("retry after failure returned error: %v", err)
	}
}

func TestMarkApplied_RejectsWithoutCall(t *testing.T) {
	r, _ := newTestReconciler()
	r.MarkApplied("job3")

	_, err := Submit(context.Background(), r, Mutation[struct{}]{
		EntityID: "job3",
		Kind:     ActionApply,
		Do: func(context.Context) (struct{}, error) {
			t.Error("Do should not be called")
			return struct{}{}, nil
		},
		Apply: func(struct{}) {},
	})
	if !errors.Is(err, model.ErrAlreadyApplied) {
		t.Errorf("error = %v, want ErrAlreadyApplied", err)
	}
}

// TestSubmit_DifferentPairsAreIndependent は異なる組の操作が並行して進めることを検証する。
func TestSubmit_DifferentPairsAreIndependent(t *testing.T) {
	r, _ := newTestReconciler()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	blocking := func(id string, kind ActionKind) Mutation[bool] {
		return Mutation[bool]{
			EntityID: id,
			Kind:     kind,
			Do: func(context.Context) (bool, error) {
				started <- struct{}{}
				<-release
				return true, nil
			},
			Apply: func(bool) {},
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	muts := []Mutation[bool]{blocking("job1", ActionSave), blocking("job1", ActionApply)}
	for i, m := range muts {
		wg.Add(1)
		go func(i int, m Mutation[bool]) {
			defer wg.Done()
			_, errs[i] = Submit(context.Background(), r, m)
		}(i, m)
	}

	<-started
	<-started
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Submit #%d returned error: %v", i, err)
		}
	}
}

func TestSubmit_ConnectAndUnconnectShareMarker(t *testing.T) {
	r, _ := newTestReconciler()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Submit(context.Background(), r, Mutation[string]{
			EntityID: "user1",
			Kind:     ActionConnect,
			Do: func(context.Context) (string, error) {
				close(entered)
				<-release
				return "ok", nil
			},
			Apply: func(string) {},
		})
		done <- err
	}()
	<-entered

	_, err := Submit(context.Background(), r, Mutation[string]{
		EntityID: "user1",
		Kind:     ActionUnconnect,
		Do: func(context.Context) (string, error) {
			t.Error("Do should not be called")
			return "", nil
		},
		Apply: func(string) {},
	})
	if !errors.Is(err, model.ErrBusy) {
		t.Errorf("error = %v, want ErrBusy", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("connect returned error: %v", err)
	}
}

// TestSubmit_TimeoutRollsBack は応答が返らないリクエストが上限時間で失敗扱いになり、
// ロールバックされることを検証する。マーカーはDoが実際に戻るまで保持される。
func TestSubmit_TimeoutRollsBack(t *testing.T) {
	r, _ := newTestReconciler(WithTimeout(50 * time.Millisecond))

	release := make(chan struct{})
	var once sync.Once
	releaseDo := func() { once.Do(func() { close(release) }) }
	defer releaseDo()

	saved := false
	_, err := Submit(context.Background(), r, Mutation[bool]{
		EntityID:   "job5",
		Kind:       ActionSave,
		Optimistic: func() { saved = true },
		Rollback:   func() { saved = false },
		Do: func(context.Context) (bool, error) {
			// contextを無視して応答しないリクエスト
			<-release
			return true, nil
		},
		Apply: func(v bool) { saved = v },
	})

	if !errors.Is(err, model.ErrNetworkFailure) {
		t.Fatalf("error = %v, want ErrNetworkFailure", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want to wrap DeadlineExceeded", err)
	}
	if saved {
		t.Error("saved should be rolled back")
	}

	// Doがまだ動いている間は同じ求人への保存を受け付けない
	if !r.IsBusy("job5", ActionSave) {
		t.Fatal("marker should be held while Do is still running")
	}
	_, err = Submit(context.Background(), r, Mutation[bool]{
		EntityID: "job5",
		Kind:     ActionSave,
		Do:       func(context.Context) (bool, error) { return true, nil },
		Apply:    func(bool) {},
	})
	if !errors.Is(err, model.ErrBusy) {
		t.Errorf("second save error = %v, want ErrBusy", err)
	}

	releaseDo()
	waitNotBusy(t, r, "job5", ActionSave)
}

// TestSubmit_TimeoutWithContextAwareDo はcontextに従うDoなら上限時間後にマーカーが外れることを検証する。
func TestSubmit_TimeoutWithContextAwareDo(t *testing.T) {
	r, _ := newTestReconciler(WithTimeout(30 * time.Millisecond))

	_, err := Submit(context.Background(), r, Mutation[bool]{
		EntityID: "job6",
		Kind:     ActionSave,
		Do: func(ctx context.Context) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		},
		Apply: func(bool) {},
	})
	if !errors.Is(err, model.ErrNetworkFailure) {
		t.Fatalf("error = %v, want ErrNetworkFailure", err)
	}
	waitNotBusy(t, r, "job6", ActionSave)
}

func waitNotBusy(t *testing.T, r *Reconciler, entityID string, kind ActionKind) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.IsBusy(entityID, kind) {
		if time.Now().After(deadline) {
			t.Fatalf("marker for %s/%s was not released", entityID, kind)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmit_ClosedViewDiscardsUpdates(t *testing.T) {
	r, rec := newTestReconciler()
	view := NewView()

	entered := make(chan struct{})
	release := make(chan struct{})
	applied := false

	done := make(chan error, 1)
	go func() {
		_, err := Submit(context.Background(), r, Mutation[bool]{
			EntityID: "job9",
			Kind:     ActionSave,
			View:     view,
			Do: func(context.Context) (bool, error) {
				close(entered)
				<-release
				return true, nil
			},
			Apply: func(bool) { applied = true },
		})
		done <- err
	}()

	<-entered
	view.Close()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if applied {
		t.Error("Apply must not run for a closed view")
	}
	if rec.count("save/stale") != 1 {
		t.Errorf("outcomes = %v", rec.outcomes)
	}
	if r.IsBusy("job9", ActionSave) {
		t.Error("marker should be cleared")
	}
}

func TestSubmit_ClosedViewSkipsRollback(t *testing.T) {
	r, rec := newTestReconciler()
	view := NewView()
	view.Close()

	rolledBack := false
	_, err := Submit(context.Background(), r, Mutation[bool]{
		EntityID: "job9",
		Kind:     ActionSave,
		View:     view,
		Do: func(context.Context) (bool, error) {
			return false, &model.ServerRejected{StatusCode: http.StatusInternalServerError}
		},
		Rollback: func() { rolledBack = true },
		Apply:    func(bool) {},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if rolledBack {
		t.Error("Rollback must not run for a closed view")
	}
	if rec.count("save/stale") != 1 {
		t.Errorf("outcomes = %v", rec.outcomes)
	}
}

func TestSubmit_InvalidMutation(t *testing.T) {
	r, _ := newTestReconciler()
	if _, err := Submit(context.Background(), r, Mutation[bool]{Kind: ActionSave}); err == nil {
		t.Error("expected error for empty mutation")
	}
}

func TestView(t *testing.T) {
	v := NewView()
	if !v.Alive() {
		t.Error("new view should be alive")
	}
	if v.ID() == "" {
		t.Error("ID should not be empty")
	}
	if NewView().ID() == v.ID() {
		t.Error("IDs should be unique")
	}
	v.Close()
	v.Close()
	if v.Alive() {
		t.Error("closed view should not be alive")
	}

	var nilView *View
	if !nilView.Alive() {
		t.Error("nil view should be treated as alive")
	}
}
