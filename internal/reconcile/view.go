package reconcile

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// View はマウントされた画面の生存フラグ。
// Closeされた後に届いた応答は状態に反映せず破棄する。
type View struct {
	id    string
	alive atomic.Bool
}

// NewView は生存状態のViewを生成する。
func NewView() *View {
	v := &View{id: uuid.NewString()}
	v.alive.Store(true)
	return v
}

// ID はビューの識別子を返す。ログの突き合わせに使う。
func (v *View) ID() string {
	if v == nil {
		return ""
	}
	return v.id
}

// Close はビューを破棄済みにする。複数回呼んでもよい。
func (v *View) Close() {
	if v != nil {
		v.alive.Store(false)
	}
}

// Alive はビューが生存しているかを返す。nilのViewは常に生存扱い。
func (v *View) Alive() bool {
	return v == nil || v.alive.Load()
}
