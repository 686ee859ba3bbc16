package repository

import (
	"context"
	"sync"
)

// MemoryCredentialRepo はプロセス内メモリに保持する資格情報リポジトリ。
// テストやデータベースを使わない単体実行で使う。
type MemoryCredentialRepo struct {
	mu    sync.Mutex
	token string
}

// NewMemoryCredentialRepo は初期トークンを持つMemoryCredentialRepoを生成する。
func NewMemoryCredentialRepo(token string) *MemoryCredentialRepo {
	return &MemoryCredentialRepo{token: token}
}

func (r *MemoryCredentialRepo) Load(_ context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token, nil
}

func (r *MemoryCredentialRepo) Save(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
	return nil
}

func (r *MemoryCredentialRepo) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = ""
	return nil
}

var _ CredentialRepository = (*MemoryCredentialRepo)(nil)
