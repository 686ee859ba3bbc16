// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError はブリッジAPIの統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, network, mutation, info, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodeUnauthenticated  = "UNAUTHENTICATED"
	ErrCodeBusy             = "BUSY"
	ErrCodeAlreadyApplied   = "ALREADY_APPLIED"
	ErrCodeNetworkFailure   = "NETWORK_FAILURE"
	ErrCodeServerRejected   = "SERVER_REJECTED"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeUnknownProvider  = "UNKNOWN_PROVIDER"
	ErrCodeJobNotFound      = "JOB_NOT_FOUND"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeViewNotMounted   = "VIEW_NOT_MOUNTED"
	ErrCodeVerificationFail = "VERIFICATION_FAILED"
	ErrCodeSignInSuperseded = "SIGN_IN_SUPERSEDED"
	ErrCodeForbiddenRole    = "FORBIDDEN_ROLE"
)

// GenericAuthFailureMessage はサーバーがメッセージを返さなかった場合のサインイン失敗メッセージ。
const GenericAuthFailureMessage = "Login failed"

// エラー分類のセンチネル。errors.Isで判定する。
var (
	ErrAuthFailed      = errors.New("authentication failed")
	ErrBusy            = errors.New("action already in flight")
	ErrAlreadyApplied  = errors.New("already applied to this job")
	ErrNetworkFailure  = errors.New("network failure")
	ErrServerRejected  = errors.New("server rejected request")
	ErrUnauthenticated = errors.New("not authenticated")
	// ErrSignInSuperseded はサインインの完了前にサインアウトが行われ、結果を破棄したことを表す。
	ErrSignInSuperseded = errors.New("sign-in superseded by a later sign-out")
)

// AuthError は認証情報が拒否された、または不正だったことを表す。
// Messageはサーバーのメッセージをそのまま保持し、なければ汎用メッセージになる。
type AuthError struct {
	StatusCode int
	Message    string
}

// NewAuthError はAuthErrorを生成する。messageが空の場合は汎用メッセージを使う。
func NewAuthError(statusCode int, message string) *AuthError {
	if message == "" {
		message = GenericAuthFailureMessage
	}
	return &AuthError{StatusCode: statusCode, Message: message}
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed (status %d): %s", e.StatusCode, e.Message)
}

// Is はErrAuthFailedとの比較を可能にする。
func (e *AuthError) Is(target error) bool { return target == ErrAuthFailed }

// BusyError は同じ操作がすでに送信中のため重複送信を抑止したことを表す。
// 通常はユーザーにエラーとして表示せず、コントロールの無効化に使う。
type BusyError struct {
	EntityID string
	Action   string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s for %s is already in flight", e.Action, e.EntityID)
}

// Is はErrBusyとの比較を可能にする。
func (e *BusyError) Is(target error) bool { return target == ErrBusy }

// AlreadyAppliedError は応募済みの求人への再応募をローカルで拒否したことを表す。
// 情報通知として扱い、致命的な失敗ではない。
type AlreadyAppliedError struct {
	JobID string
}

func (e *AlreadyAppliedError) Error() string {
	return fmt.Sprintf("already applied to job %s", e.JobID)
}

// Is はErrAlreadyAppliedとの比較を可能にする。
func (e *AlreadyAppliedError) Is(target error) bool { return target == ErrAlreadyApplied }

// NetworkFailure は応答がない、トランスポートエラー、または応答ボディが不正な場合を表す。
type NetworkFailure struct {
	Op  string
	Err error
}

func (e *NetworkFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: network failure", e.Op)
	}
	return fmt.Sprintf("%s: network failure: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *NetworkFailure) Unwrap() error { return e.Err }

// Is はErrNetworkFailureとの比較を可能にする。
func (e *NetworkFailure) Is(target error) bool { return target == ErrNetworkFailure }

// ServerRejected は変更系リクエストなどが2xx以外で応答されたことを表す。
type ServerRejected struct {
	StatusCode int
	Message    string
}

func (e *ServerRejected) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server rejected request with status %d", e.StatusCode)
	}
	return fmt.Sprintf("server rejected request with status %d: %s", e.StatusCode, e.Message)
}

// Is はErrServerRejectedとの比較を可能にする。
func (e *ServerRejected) Is(target error) bool { return target == ErrServerRejected }

// Unauthorized は認証拒否（401）かどうかを返す。
func (e *ServerRejected) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// NewUnauthenticatedError は未認証エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "サインインが必要です。",
		Category: "auth",
		Action:   "サインイン画面からログインし直してください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnknownProviderError は未設定のIdPが指定された場合のエラーを生成する。
func NewUnknownProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProvider,
		Message:  fmt.Sprintf("サポートされていないプロバイダーです: %s", provider),
		Category: "validation",
		Action:   "google または apple を指定してください。",
	}
}

// NewJobNotFoundError は求人未検出エラーを生成する。
func NewJobNotFoundError(jobID string) *APIError {
	return &APIError{
		Code:     ErrCodeJobNotFound,
		Message:  fmt.Sprintf("指定された求人が見つかりません: %s", jobID),
		Category: "mutation",
		Action:   "求人一覧を再読み込みしてください。",
	}
}

// NewUserNotFoundError はユーザー未検出エラーを生成する。
func NewUserNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("指定されたユーザーが見つかりません: %s", userID),
		Category: "mutation",
		Action:   "ネットワーク一覧を再読み込みしてください。",
	}
}

// NewViewNotMountedError はビューが未マウントの状態で操作された場合のエラーを生成する。
func NewViewNotMountedError(view string) *APIError {
	return &APIError{
		Code:     ErrCodeViewNotMounted,
		Message:  fmt.Sprintf("%s ビューが読み込まれていません。", view),
		Category: "validation",
		Action:   "ページを再読み込みしてください。",
	}
}

// NewVerificationFailedError はメール認証リンクが無効な場合のエラーを生成する。
func NewVerificationFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeVerificationFail,
		Message:  "認証リンクが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "認証メールを再送信してください。",
	}
}

// NewForbiddenRoleError は現在のロールでは許可されない操作のエラーを生成する。
func NewForbiddenRoleError(action string, role Role) *APIError {
	return &APIError{
		Code:     ErrCodeForbiddenRole,
		Message:  fmt.Sprintf("%s はこのロールでは実行できません: %s", action, role),
		Category: "auth",
		Action:   "医師アカウントでサインインしてください。",
	}
}
