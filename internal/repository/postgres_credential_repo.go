package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresCredentialRepo はPostgreSQLを使用した資格情報リポジトリ。
// client_credentialsテーブルのCredentialKey行のみを扱う。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// Load は保存済みトークンを取得する。未保存の場合は空文字列を返す。
func (r *PostgresCredentialRepo) Load(ctx context.Context) (string, error) {
	var token string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM client_credentials WHERE key = $1`,
		CredentialKey,
	).Scan(&token)

	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load credential: %w", err)
	}
	return token, nil
}

// Save はトークンをUPSERTする。
func (r *PostgresCredentialRepo) Save(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO client_credentials (key, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		CredentialKey, token,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Clear はトークンを削除する。
func (r *PostgresCredentialRepo) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM client_credentials WHERE key = $1`,
		CredentialKey,
	)
	if err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
