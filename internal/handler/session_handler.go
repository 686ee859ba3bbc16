// Package handler はブリッジサーバーのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/medlink/internal/middleware"
	"github.com/hitoshi/medlink/internal/model"
)

// maxRequestBody はJSONリクエストボディの上限（バイト）。
const maxRequestBody = 64 << 10

// SessionServiceInterface はセッションハンドラーが必要とするサービスインターフェース。
type SessionServiceInterface interface {
	RestoreSession(ctx context.Context) model.Session
	SignInWithPassword(ctx context.Context, email, password string) (model.Session, error)
	ExchangeFederatedCredential(ctx context.Context, providerToken string, provider model.Provider) (model.Session, error)
	SignOut(ctx context.Context) model.Session
	Snapshot() model.Session
}

// SessionHandler はセッション関連のHTTPハンドラー。
type SessionHandler struct {
	service SessionServiceInterface
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionServiceInterface) *SessionHandler {
	return &SessionHandler{service: service}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type federatedRequest struct {
	Provider string `json:"provider"`
	Token    string `json:"token"`
}

// Restore は保存済みの資格情報でセッションを再検証し、スナップショットを返す。
// 保護されたビューのマウント時に呼ばれる。
// GET /api/session
func (h *SessionHandler) Restore(w http.ResponseWriter, r *http.Request) {
	session := h.service.RestoreSession(r.Context())
	middleware.WriteJSON(w, http.StatusOK, session)
}

// Login はメールアドレスとパスワードでサインインする。
// POST /api/session/login
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("email and password are required"))
		return
	}

	session, err := h.service.SignInWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, session)
}

// Federated はSPAのポップアップで取得したプロバイダートークンをセッションに交換する。
// POST /api/session/federated
func (h *SessionHandler) Federated(w http.ResponseWriter, r *http.Request) {
	var req federatedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	provider := model.Provider(strings.ToLower(strings.TrimSpace(req.Provider)))
	if !provider.Valid() {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewUnknownProviderError(req.Provider))
		return
	}
	if req.Token == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("token is required"))
		return
	}

	session, err := h.service.ExchangeFederatedCredential(r.Context(), req.Token, provider)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, session)
}

// Logout はサインアウトする。未サインインでも成功として扱う。
// POST /api/session/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.service.SignOut(r.Context()))
}

// decodeBody はJSONボディをvにデコードする。失敗時は400を書き込みfalseを返す。
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	return decode(w, r, v, false)
}

// decodeOptionalBody はdecodeBodyと同じだが、空のボディ（chunkedを含む）は成功として扱う。
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	return decode(w, r, v, true)
}

func decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	if r.Body == nil {
		r.Body = http.NoBody
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	err := json.NewDecoder(r.Body).Decode(v)
	if optional && errors.Is(err, io.EOF) {
		return true
	}
	if err != nil {
		slog.Debug("invalid request body", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("malformed JSON body"))
		return false
	}
	return true
}
