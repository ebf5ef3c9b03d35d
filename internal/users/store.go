// Package users は資格情報レコード（ユーザー）の永続化を提供します。
//
// メールアドレスの一意性はストア側の UNIQUE 制約で保証し、
// 制約違反は ErrEmailTaken に変換します。事前の存在確認は行いません。
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/yourusername/gatekeeper/internal/users/migrations"
)

var (
	// ErrNotFound は該当するユーザーが存在しないことを表します。
	ErrNotFound = errors.New("users: not found")
	// ErrEmailTaken はメールアドレスが既に登録済みであることを表します。
	ErrEmailTaken = errors.New("users: email already registered")
)

// User は資格情報レコードです。PasswordHash は JSON に出力しません。
type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"name"`
	Email        string    `json:"-"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"-"`
}

// Summary は一覧 API に返す公開可能な項目だけを持ちます。
type Summary struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
}

// Store は資格情報ストアの読み書き契約です。
type Store interface {
	// Create は新しいレコードを挿入します。メールが重複していれば ErrEmailTaken を返します。
	Create(ctx context.Context, user *User) error
	// GetByEmail は正規化済みメールでレコードを取得します。
	GetByEmail(ctx context.Context, email string) (*User, error)
	// List は作成順にユーザーの公開項目を返します。
	List(ctx context.Context) ([]Summary, error)
	Close() error
}

// NormalizeEmail はメールアドレスを比較用に正規化します。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// migrate は埋め込みマイグレーションのうち dir 配下を適用します。
func migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string) error {
	fsys, err := fs.Sub(migrations.FS, dir)
	if err != nil {
		return fmt.Errorf("migrations sub fs: %w", err)
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Open はドライバー名に応じた Store を開きます。
func Open(ctx context.Context, driver, url string, log *zap.Logger) (Store, error) {
	switch driver {
	case "postgres":
		store, err := OpenPostgres(ctx, url, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := OpenSQLite(ctx, url)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("users: unsupported driver %q", driver)
	}
}
