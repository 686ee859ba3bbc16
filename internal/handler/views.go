package handler

import "sync"

// closer はマウント済みビューが実装する破棄操作。
type closer interface {
	Close()
}

// mountSlot は現在マウントされている1つのビューを保持する。
// 新しいビューをマウントすると前のビューは破棄され、遅れて届いた応答は反映されない。
type mountSlot[V closer] struct {
	mu    sync.Mutex
	view  V
	owner string
	ok    bool
}

// mount はビューを差し替え、前のビューを破棄する。
func (s *mountSlot[V]) mount(owner string, v V) {
	s.mu.Lock()
	old, had := s.view, s.ok
	s.view, s.owner, s.ok = v, owner, true
	s.mu.Unlock()

	if had {
		old.Close()
	}
}

// current はownerがマウントしたビューを返す。別ユーザーのビューは返さない。
func (s *mountSlot[V]) current(owner string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ok || s.owner != owner {
		var zero V
		return zero, false
	}
	return s.view, true
}

// unmount はマウント中のビューを破棄する。
func (s *mountSlot[V]) unmount() {
	s.mu.Lock()
	old, had := s.view, s.ok
	var zero V
	s.view, s.owner, s.ok = zero, "", false
	s.mu.Unlock()

	if had {
		old.Close()
	}
}
