package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/hitoshi/medlink/internal/middleware"
	"github.com/hitoshi/medlink/internal/model"
)

// EmailVerifier はメール認証トークンを検証する。
type EmailVerifier interface {
	VerifyEmail(ctx context.Context, token string) error
}

// VerifyHandler はメール認証リンクのHTTPハンドラー。
type VerifyHandler struct {
	verifier EmailVerifier
}

// NewVerifyHandler はVerifyHandlerを生成する。
func NewVerifyHandler(verifier EmailVerifier) *VerifyHandler {
	return &VerifyHandler{verifier: verifier}
}

// Verify はメール認証トークンをサーバーに転送する。2xxなら成功。
// GET /api/verify-email?token=xxx
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("token is required"))
		return
	}

	if err := h.verifier.VerifyEmail(r.Context(), token); err != nil {
		if errors.Is(err, model.ErrServerRejected) {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewVerificationFailedError())
			return
		}
		middleware.WriteDomainError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"verified": true})
}
