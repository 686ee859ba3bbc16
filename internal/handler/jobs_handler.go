package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/medlink/internal/jobs"
	"github.com/hitoshi/medlink/internal/middleware"
	"github.com/hitoshi/medlink/internal/model"
	"github.com/hitoshi/medlink/internal/reconcile"
)

// JobsHandler は求人ビューのHTTPハンドラー。
type JobsHandler struct {
	api    jobs.JobsAPI
	rec    *reconcile.Reconciler
	logger *slog.Logger
	slot   mountSlot[*jobs.Board]
}

// NewJobsHandler はJobsHandlerを生成する。
func NewJobsHandler(api jobs.JobsAPI, rec *reconcile.Reconciler, logger *slog.Logger) *JobsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobsHandler{api: api, rec: rec, logger: logger}
}

type jobsResponse struct {
	ViewID string      `json:"view_id"`
	Jobs   []model.Job `json:"jobs"`
}

type saveResponse struct {
	Saved bool `json:"saved"`
}

type applyRequest struct {
	CoverLetter string `json:"cover_letter"`
}

// Mount は新しい求人ビューをマウントして読み込む。前のビューは破棄される。
// GET /api/jobs?q=xxx
func (h *JobsHandler) Mount(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	b := jobs.NewBoard(h.api, h.rec, userID, middleware.RoleFromContext(r.Context()), h.logger)
	h.slot.mount(userID, b)

	if err := b.Load(r.Context()); err != nil {
		h.logger.Warn("failed to load jobs view", slog.String("error", err.Error()))
		middleware.WriteDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, jobsResponse{
		ViewID: b.ViewID(),
		Jobs:   b.Search(r.URL.Query().Get("q")),
	})
}

// Search はマウント済みビューを再取得せずに絞り込む。
// GET /api/jobs/search?q=xxx
func (h *JobsHandler) Search(w http.ResponseWriter, r *http.Request) {
	b, ok := h.mounted(w, r)
	if !ok {
		return
	}
	middleware.WriteJSON(w, http.StatusOK, jobsResponse{
		ViewID: b.ViewID(),
		Jobs:   b.Search(r.URL.Query().Get("q")),
	})
}

// ToggleSave は求人の保存状態を反転する。
// POST /api/jobs/{id}/save
func (h *JobsHandler) ToggleSave(w http.ResponseWriter, r *http.Request) {
	b, ok := h.mounted(w, r)
	if !ok {
		return
	}
	saved, err := b.ToggleSave(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, saveResponse{Saved: saved})
}

// Apply は求人に応募する。ボディは省略可能。
// POST /api/jobs/{id}/apply
func (h *JobsHandler) Apply(w http.ResponseWriter, r *http.Request) {
	b, ok := h.mounted(w, r)
	if !ok {
		return
	}
	var req applyRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	job, err := b.Apply(r.Context(), chi.URLParam(r, "id"), req.CoverLetter)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

// Create は求人を掲載する。医師のみ。
// POST /api/jobs
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	b, ok := h.mounted(w, r)
	if !ok {
		return
	}
	var draft model.JobDraft
	if !decodeBody(w, r, &draft) {
		return
	}

	job, err := b.CreateJob(r.Context(), draft)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, job)
}

// Mine は自分が掲載した求人を返す。医師のみ。
// GET /api/jobs/mine
func (h *JobsHandler) Mine(w http.ResponseWriter, r *http.Request) {
	b, ok := h.mounted(w, r)
	if !ok {
		return
	}
	mine, err := b.MyJobs(r.Context())
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, jobsResponse{ViewID: b.ViewID(), Jobs: mine})
}

// Update は掲載済みの求人を更新する。医師のみ。
// PUT /api/jobs/{id}
func (h *JobsHandler) Update(w http.ResponseWriter, r *http.Request) {
	b, ok := h.mounted(w, r)
	if !ok {
		return
	}
	var draft model.JobDraft
	if !decodeBody(w, r, &draft) {
		return
	}

	job, err := b.UpdateJob(r.Context(), chi.URLParam(r, "id"), draft)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

// Delete は掲載済みの求人を削除する。医師のみ。
// DELETE /api/jobs/{id}
func (h *JobsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	b, ok := h.mounted(w, r)
	if !ok {
		return
	}
	if err := b.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		middleware.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unmount はマウント中のビューを破棄する。サインアウト時に呼ばれる。
func (h *JobsHandler) Unmount() {
	h.slot.unmount()
}

func (h *JobsHandler) mounted(w http.ResponseWriter, r *http.Request) (*jobs.Board, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return nil, false
	}
	b, ok := h.slot.current(userID)
	if !ok || !b.Loaded() {
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewViewNotMountedError("jobs"))
		return nil, false
	}
	return b, true
}
