// Package jobs は求人一覧と保存・応募の状態を保持する求人ビューを提供する。
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hitoshi/medlink/internal/model"
	"github.com/hitoshi/medlink/internal/reconcile"
)

// JobsAPI は求人ビューが使うAPI。
type JobsAPI interface {
	ListJobs(ctx context.Context, selfID string) ([]model.Job, error)
	ToggleSave(ctx context.Context, jobID string) (bool, error)
	Apply(ctx context.Context, jobID, coverLetter string) error
	CreateJob(ctx context.Context, draft model.JobDraft) (model.Job, error)
	MyJobs(ctx context.Context) ([]model.Job, error)
	UpdateJob(ctx context.Context, jobID string, draft model.JobDraft) (model.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// Board は1回のマウントに対応する求人ビュー。
// 求人の掲載・編集・削除はroleが医師の場合のみ行える。
type Board struct {
	api    JobsAPI
	rec    *reconcile.Reconciler
	selfID string
	role   model.Role
	logger *slog.Logger
	view   *reconcile.View

	mu     sync.RWMutex
	jobs   []model.Job
	index  map[string]int
	loaded bool
}

// NewBoard は求人ビューを生成する。
func NewBoard(api JobsAPI, rec *reconcile.Reconciler, selfID string, role model.Role, logger *slog.Logger) *Board {
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{
		api:    api,
		rec:    rec,
		selfID: selfID,
		role:   role,
		logger: logger,
		view:   reconcile.NewView(),
		index:  make(map[string]int),
	}
}

// ViewID はこのビューの識別子を返す。
func (b *Board) ViewID() string {
	return b.view.ID()
}

// Load は求人一覧を取得する。
// サーバーが応募済みと報告した求人と、このセッション中に応募が受理された求人はAppliedになる。
func (b *Board) Load(ctx context.Context) error {
	jobs, err := b.api.ListJobs(ctx, b.selfID)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	if !b.view.Alive() {
		b.logger.Debug("破棄済みの求人ビューへの読み込み結果を捨てました", slog.String("view_id", b.view.ID()))
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = make([]model.Job, 0, len(jobs))
	b.index = make(map[string]int, len(jobs))
	for _, j := range jobs {
		if _, dup := b.index[j.ID]; dup {
			continue
		}
		if j.Applied {
			b.rec.MarkApplied(j.ID)
		} else if b.rec.Applied(j.ID) {
			j.Applied = true
		}
		b.index[j.ID] = len(b.jobs)
		b.jobs = append(b.jobs, j)
	}
	b.loaded = true

	b.logger.Info("求人一覧を読み込みました",
		slog.String("view_id", b.view.ID()),
		slog.Int("jobs", len(b.jobs)),
	)
	return nil
}

// ToggleSave は求人の保存状態を反転する。ローカル状態は推測で更新せず、
// サーバーが返した保存状態で上書きする。失敗時は変更しない。
func (b *Board) ToggleSave(ctx context.Context, jobID string) (bool, error) {
	job, ok := b.Job(jobID)
	if !ok {
		return false, model.NewJobNotFoundError(jobID)
	}

	kind := reconcile.ActionSave
	if job.Saved {
		kind = reconcile.ActionUnsave
	}

	saved, err := reconcile.Submit(ctx, b.rec, reconcile.Mutation[bool]{
		EntityID: jobID,
		Kind:     kind,
		View:     b.view,
		Do: func(ctx context.Context) (bool, error) {
			return b.api.ToggleSave(ctx, jobID)
		},
		Apply: func(saved bool) {
			b.update(jobID, func(j *model.Job) { j.Saved = saved })
		},
	})
	if err != nil {
		return job.Saved, err
	}

	b.logger.Info("求人の保存状態を更新しました",
		slog.String("job_id", jobID),
		slog.Bool("saved", saved),
	)
	return saved, nil
}

// Apply は求人に応募する。受理された求人はセッション中は再応募できない。
func (b *Board) Apply(ctx context.Context, jobID, coverLetter string) (model.Job, error) {
	if _, ok := b.Job(jobID); !ok {
		return model.Job{}, model.NewJobNotFoundError(jobID)
	}

	_, err := reconcile.Submit(ctx, b.rec, reconcile.Mutation[struct{}]{
		EntityID: jobID,
		Kind:     reconcile.ActionApply,
		View:     b.view,
		Do: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, b.api.Apply(ctx, jobID, strings.TrimSpace(coverLetter))
		},
		Apply: func(struct{}) {
			b.update(jobID, func(j *model.Job) {
				if !j.Applied {
					j.Applied = true
					j.Applicants++
				}
			})
		},
	})
	if err != nil {
		job, _ := b.Job(jobID)
		return job, err
	}

	b.logger.Info("求人に応募しました", slog.String("job_id", jobID))
	job, _ := b.Job(jobID)
	return job, nil
}

// CreateJob は求人を掲載する。同じユーザーの掲載は同時に1件まで送信する。
// 応答に求人IDが含まれる場合は一覧の先頭に追加する。
func (b *Board) CreateJob(ctx context.Context, draft model.JobDraft) (model.Job, error) {
	if err := b.requireDoctor("求人の掲載"); err != nil {
		return model.Job{}, err
	}
	draft = draft.Normalize()
	if err := draft.Validate(); err != nil {
		return model.Job{}, err
	}

	job, err := reconcile.Submit(ctx, b.rec, reconcile.Mutation[model.Job]{
		EntityID: "post:" + b.selfID,
		Kind:     reconcile.ActionCreate,
		View:     b.view,
		Do: func(ctx context.Context) (model.Job, error) {
			return b.api.CreateJob(ctx, draft)
		},
		Apply: func(job model.Job) {
			if job.ID == "" {
				return
			}
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, dup := b.index[job.ID]; dup {
				return
			}
			b.jobs = append([]model.Job{job}, b.jobs...)
			b.reindexLocked()
		},
	})
	if err != nil {
		return model.Job{}, err
	}

	b.logger.Info("求人を掲載しました", slog.String("job_id", job.ID))
	return job, nil
}

// MyJobs は自分が掲載した求人を返す。ビューの一覧は変更しない。
func (b *Board) MyJobs(ctx context.Context) ([]model.Job, error) {
	if err := b.requireDoctor("掲載求人の取得"); err != nil {
		return nil, err
	}
	jobs, err := b.api.MyJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load my jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJob は掲載済みの求人を更新する。一覧に含まれる場合は
// サーバーの応答で内容を置き換え、保存・応募の状態は保持する。
func (b *Board) UpdateJob(ctx context.Context, jobID string, draft model.JobDraft) (model.Job, error) {
	if err := b.requireDoctor("求人の編集"); err != nil {
		return model.Job{}, err
	}
	draft = draft.Normalize()
	if err := draft.Validate(); err != nil {
		return model.Job{}, err
	}

	job, err := reconcile.Submit(ctx, b.rec, reconcile.Mutation[model.Job]{
		EntityID: jobID,
		Kind:     reconcile.ActionUpdate,
		View:     b.view,
		Do: func(ctx context.Context) (model.Job, error) {
			return b.api.UpdateJob(ctx, jobID, draft)
		},
		Apply: func(updated model.Job) {
			b.update(jobID, func(j *model.Job) {
				j.Title = updated.Title
				j.Hospital = updated.Hospital
				j.Location = updated.Location
				j.Type = updated.Type
				j.Description = updated.Description
			})
		},
	})
	if err != nil {
		return model.Job{}, err
	}

	b.logger.Info("求人を更新しました", slog.String("job_id", jobID))
	if current, ok := b.Job(jobID); ok {
		return current, nil
	}
	return job, nil
}

// DeleteJob は掲載済みの求人を削除する。一覧からは送信前に取り除き、
// 失敗した場合は元の位置に戻す。
func (b *Board) DeleteJob(ctx context.Context, jobID string) error {
	if err := b.requireDoctor("求人の削除"); err != nil {
		return err
	}

	var (
		removed model.Job
		pos     = -1
	)
	_, err := reconcile.Submit(ctx, b.rec, reconcile.Mutation[struct{}]{
		EntityID: jobID,
		Kind:     reconcile.ActionDelete,
		View:     b.view,
		Do: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, b.api.DeleteJob(ctx, jobID)
		},
		Optimistic: func() {
			removed, pos = b.remove(jobID)
		},
		Rollback: func() {
			if pos >= 0 {
				b.restore(removed, pos)
			}
		},
		Apply: func(struct{}) {},
	})
	if err != nil {
		return err
	}

	b.logger.Info("求人を削除しました", slog.String("job_id", jobID))
	return nil
}

// Job は指定IDの求人を返す。
func (b *Board) Job(jobID string) (model.Job, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i, ok := b.index[jobID]
	if !ok {
		return model.Job{}, false
	}
	return b.jobs[i], true
}

// Jobs は求人一覧のコピーを返す。
func (b *Board) Jobs() []model.Job {
	return b.Search("")
}

// Search は職種名または病院名にqを含む求人を返す。大文字小文字は区別しない。
func (b *Board) Search(q string) []model.Job {
	q = strings.ToLower(strings.TrimSpace(q))

	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make([]model.Job, 0, len(b.jobs))
	for _, j := range b.jobs {
		if q != "" &&
			!strings.Contains(strings.ToLower(j.Title), q) &&
			!strings.Contains(strings.ToLower(j.Hospital), q) {
			continue
		}
		result = append(result, j)
	}
	return result
}

// IsBusy は指定求人の操作が送信中かどうかを返す。
func (b *Board) IsBusy(jobID string, kind reconcile.ActionKind) bool {
	return b.rec.IsBusy(jobID, kind)
}

// Loaded は読み込みが完了しているかを返す。
func (b *Board) Loaded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loaded
}

// Close はビューを破棄する。以降に届いた応答は反映されない。
func (b *Board) Close() {
	b.view.Close()
}

func (b *Board) requireDoctor(action string) error {
	if b.role != model.RoleDoctor {
		return model.NewForbiddenRoleError(action, b.role)
	}
	return nil
}

// remove は求人を一覧から取り除き、元の位置を返す。無い場合は-1。
func (b *Board) remove(jobID string) (model.Job, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[jobID]
	if !ok {
		return model.Job{}, -1
	}
	job := b.jobs[i]
	b.jobs = append(b.jobs[:i:i], b.jobs[i+1:]...)
	b.reindexLocked()
	return job, i
}

// restore は取り除いた求人を元の位置に戻す。
func (b *Board) restore(job model.Job, pos int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.index[job.ID]; dup {
		return
	}
	pos = min(pos, len(b.jobs))
	b.jobs = append(b.jobs[:pos:pos], append([]model.Job{job}, b.jobs[pos:]...)...)
	b.reindexLocked()
}

func (b *Board) reindexLocked() {
	b.index = make(map[string]int, len(b.jobs))
	for i, j := range b.jobs {
		b.index[j.ID] = i
	}
}

func (b *Board) update(jobID string, fn func(*model.Job)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i, ok := b.index[jobID]; ok {
		fn(&b.jobs[i])
	}
}
