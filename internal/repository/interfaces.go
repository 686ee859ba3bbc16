// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
)

// CredentialKey は永続化するベアラートークンの既知キー。
const CredentialKey = "token"

// CredentialRepository はベアラートークンの永続化インターフェース。
// 書き込みはセッションマネージャーのみが行う。他のコンポーネントは直接読まないこと。
type CredentialRepository interface {
	// Load は保存済みトークンを返す。未保存の場合は空文字列とnilを返す。
	Load(ctx context.Context) (string, error)

	// Save はトークンを保存する。既存の値は上書きされる。
	Save(ctx context.Context, token string) error

	// Clear は保存済みトークンを削除する。未保存でもエラーにならない。
	Clear(ctx context.Context) error
}
