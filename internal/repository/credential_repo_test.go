package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/hitoshi/medlink/internal/database"
)

func TestPostgresCredentialRepo_ImplementsInterface(t *testing.T) {
	var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
}

func TestMemoryCredentialRepo_ImplementsInterface(t *testing.T) {
	var _ CredentialRepository = (*MemoryCredentialRepo)(nil)
}

// テストケース: 保存・読み込み・削除の一連の操作
func TestMemoryCredentialRepo_SaveLoadClear(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCredentialRepo("")

	token, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if token != "" {
		t.Errorf("初期状態のトークン = %q, want empty", token)
	}

	if err := repo.Save(ctx, "tok-1"); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := repo.Save(ctx, "tok-2"); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	token, _ = repo.Load(ctx)
	if token != "tok-2" {
		t.Errorf("上書き後のトークン = %q, want %q", token, "tok-2")
	}

	if err := repo.Clear(ctx); err != nil {
		t.Fatalf("Clear returned error: %v", err)
	}
	// 2回目のClearもエラーにならない
	if err := repo.Clear(ctx); err != nil {
		t.Fatalf("second Clear returned error: %v", err)
	}
	token, _ = repo.Load(ctx)
	if token != "" {
		t.Errorf("Clear後のトークン = %q, want empty", token)
	}
}

func setupCredentialDB(t *testing.T) *sql.DB {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := database.Open(dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if _, err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	if _, err := db.Exec(`DELETE FROM client_credentials`); err != nil {
		t.Fatalf("クリーンアップに失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgresCredentialRepo_SaveLoadClear(t *testing.T) {
	db := setupCredentialDB(t)
	ctx := context.Background()
	repo := NewPostgresCredentialRepo(db)

	token, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if token != "" {
		t.Errorf("未保存時のトークン = %q, want empty", token)
	}

	if err := repo.Save(ctx, "tok-1"); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := repo.Save(ctx, "tok-2"); err != nil {
		t.Fatalf("Save (upsert) returned error: %v", err)
	}
	token, err = repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if token != "tok-2" {
		t.Errorf("トークン = %q, want %q", token, "tok-2")
	}

	var rows int
	if err := db.QueryRow(`SELECT count(*) FROM client_credentials`).Scan(&rows); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if rows != 1 {
		t.Errorf("行数 = %d, want 1", rows)
	}

	if err := repo.Clear(ctx); err != nil {
		t.Fatalf("Clear returned error: %v", err)
	}
	token, _ = repo.Load(ctx)
	if token != "" {
		t.Errorf("Clear後のトークン = %q, want empty", token)
	}
}
