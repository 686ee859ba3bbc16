package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/medlink/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteDomainError はドメインのエラー分類をHTTPステータスと統一フォーマットに変換して書き込む。
// 分類できないエラーは500として扱い、詳細はログにのみ記録する。
func WriteDomainError(w http.ResponseWriter, err error) {
	status, apiErr := classifyError(err)
	if apiErr == nil {
		slog.Error("unclassified error", slog.String("error", err.Error()))
		WriteInternalServerError(w)
		return
	}
	WriteErrorResponse(w, status, apiErr)
}

func classifyError(err error) (int, *model.APIError) {
	var (
		apiErr     *model.APIError
		authErr    *model.AuthError
		busyErr    *model.BusyError
		appliedErr *model.AlreadyAppliedError
		rejected   *model.ServerRejected
	)

	switch {
	case errors.As(err, &apiErr):
		return statusForCode(apiErr.Code), apiErr
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, &model.APIError{
			Code:     model.ErrCodeAuthFailed,
			Message:  authErr.Message,
			Category: "auth",
			Action:   "入力内容を確認して再度サインインしてください。",
		}
	case errors.As(err, &busyErr):
		return http.StatusConflict, &model.APIError{
			Code:     model.ErrCodeBusy,
			Message:  "同じ操作を処理中です。",
			Category: "mutation",
			Action:   "完了するまでお待ちください。",
		}
	case errors.As(err, &appliedErr):
		return http.StatusConflict, &model.APIError{
			Code:     model.ErrCodeAlreadyApplied,
			Message:  "この求人にはすでに応募済みです。",
			Category: "info",
			Action:   "応募状況は求人一覧で確認できます。",
		}
	case errors.As(err, &rejected):
		if rejected.Unauthorized() {
			return http.StatusUnauthorized, model.NewUnauthenticatedError()
		}
		msg := rejected.Message
		if msg == "" {
			msg = "サーバーがリクエストを受け付けませんでした。"
		}
		return http.StatusBadGateway, &model.APIError{
			Code:     model.ErrCodeServerRejected,
			Message:  msg,
			Category: "mutation",
			Action:   "内容を確認して再度お試しください。",
		}
	case errors.Is(err, model.ErrNetworkFailure):
		return http.StatusServiceUnavailable, &model.APIError{
			Code:     model.ErrCodeNetworkFailure,
			Message:  "サーバーに接続できませんでした。",
			Category: "network",
			Action:   "通信環境を確認して再度お試しください。",
		}
	case errors.Is(err, model.ErrUnauthenticated):
		return http.StatusUnauthorized, model.NewUnauthenticatedError()
	case errors.Is(err, model.ErrSignInSuperseded):
		return http.StatusConflict, &model.APIError{
			Code:     model.ErrCodeSignInSuperseded,
			Message:  "サインイン中にサインアウトされたため、サインインを取り消しました。",
			Category: "info",
			Action:   "必要であれば再度サインインしてください。",
		}
	default:
		return 0, nil
	}
}

func statusForCode(code string) int {
	switch code {
	case model.ErrCodeUnauthenticated, model.ErrCodeVerificationFail:
		return http.StatusUnauthorized
	case model.ErrCodeJobNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeViewNotMounted:
		return http.StatusConflict
	case model.ErrCodeForbiddenRole:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// WriteJSON はJSONレスポンスを書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
