package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/medlink/internal/middleware"
	"github.com/hitoshi/medlink/internal/model"
	"github.com/hitoshi/medlink/internal/network"
	"github.com/hitoshi/medlink/internal/reconcile"
)

// NetworkHandler はネットワークビューのHTTPハンドラー。
type NetworkHandler struct {
	api    network.NetworkAPI
	rec    *reconcile.Reconciler
	logger *slog.Logger
	slot   mountSlot[*network.Graph]
}

// NewNetworkHandler はNetworkHandlerを生成する。
func NewNetworkHandler(api network.NetworkAPI, rec *reconcile.Reconciler, logger *slog.Logger) *NetworkHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkHandler{api: api, rec: rec, logger: logger}
}

type networkResponse struct {
	ViewID string                  `json:"view_id"`
	Users  []model.ProfileWithEdge `json:"users"`
}

// Mount は新しいネットワークビューをマウントして読み込む。前のビューは破棄される。
// GET /api/network?q=xxx
func (h *NetworkHandler) Mount(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	g := network.NewGraph(h.api, h.rec, userID, h.logger)
	h.slot.mount(userID, g)

	if err := g.Load(r.Context()); err != nil {
		h.logger.Warn("failed to load network view", slog.String("error", err.Error()))
		middleware.WriteDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, networkResponse{
		ViewID: g.ViewID(),
		Users:  g.Search(r.URL.Query().Get("q")),
	})
}

// Search はマウント済みビューを再取得せずに絞り込む。
// GET /api/network/search?q=xxx
func (h *NetworkHandler) Search(w http.ResponseWriter, r *http.Request) {
	g, ok := h.mounted(w, r)
	if !ok {
		return
	}
	middleware.WriteJSON(w, http.StatusOK, networkResponse{
		ViewID: g.ViewID(),
		Users:  g.Search(r.URL.Query().Get("q")),
	})
}

// Connect はユーザーに接続する。
// POST /api/network/{id}/connect
func (h *NetworkHandler) Connect(w http.ResponseWriter, r *http.Request) {
	g, ok := h.mounted(w, r)
	if !ok {
		return
	}
	result, err := g.Connect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, result)
}

// Unconnect はユーザーとの接続を解除する。
// POST /api/network/{id}/unconnect
func (h *NetworkHandler) Unconnect(w http.ResponseWriter, r *http.Request) {
	g, ok := h.mounted(w, r)
	if !ok {
		return
	}
	result, err := g.Unconnect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, result)
}

// Unmount はマウント中のビューを破棄する。サインアウト時に呼ばれる。
func (h *NetworkHandler) Unmount() {
	h.slot.unmount()
}

func (h *NetworkHandler) mounted(w http.ResponseWriter, r *http.Request) (*network.Graph, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return nil, false
	}
	g, ok := h.slot.current(userID)
	if !ok || !g.Loaded() {
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewViewNotMountedError("network"))
		return nil, false
	}
	return g, true
}
