package model

// Status は認証セッションの状態を表す。
type Status string

const (
	// StatusUnauthenticated は未認証（トークンなし、または破棄済み）。
	StatusUnauthenticated Status = "unauthenticated"
	// StatusPending は検証中（トークンはあるがidentity未確認）。
	StatusPending Status = "pending"
	// StatusAuthenticated は認証済み（identity確認済み）。
	StatusAuthenticated Status = "authenticated"
	// StatusInvalid はサーバーがトークンを拒否した状態。
	StatusInvalid Status = "invalid"
)

// Session はプレゼンテーション層に公開するセッションのスナップショット。
// トークン自体は含めない。Identityは Status == StatusAuthenticated のときに限り非nil。
type Session struct {
	Status   Status    `json:"status"`
	Identity *Identity `json:"identity,omitempty"`
}

// Authenticated は認証済みかどうかを返す。
func (s Session) Authenticated() bool {
	return s.Status == StatusAuthenticated && s.Identity != nil
}

// UserID は認証済みユーザーのIDを返す。未認証の場合は空文字列。
func (s Session) UserID() string {
	if !s.Authenticated() {
		return ""
	}
	return s.Identity.ID
}
