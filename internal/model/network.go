package model

// EdgeState は自分と他ユーザーの間の「接続」関係の状態を表す。
// (self, other) の組ごとに常にちょうど1つの状態を持つ。
type EdgeState string

const (
	// EdgeNotConnected は未接続。
	EdgeNotConnected EdgeState = "not_connected"
	// EdgeConnected は接続済み。
	EdgeConnected EdgeState = "connected"
	// EdgePendingConnect は接続リクエスト送信中（楽観的更新）。
	EdgePendingConnect EdgeState = "pending_connect"
	// EdgePendingDisconnect は接続解除リクエスト送信中（楽観的更新）。
	EdgePendingDisconnect EdgeState = "pending_disconnect"
)

// Pending はリクエスト送信中の状態かどうかを返す。
func (s EdgeState) Pending() bool {
	return s == EdgePendingConnect || s == EdgePendingDisconnect
}

// ProfileWithEdge はユーザーと接続状態を結合したモデル。
type ProfileWithEdge struct {
	Profile
	Edge EdgeState `json:"edge"`
}
