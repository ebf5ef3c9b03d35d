package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	sqliteInsertUser = `
INSERT INTO users (id, display_name, email, password_hash, created_at)
VALUES (?, ?, ?, ?, ?)`

	sqliteSelectByEmail = `
SELECT id, display_name, email, password_hash, created_at
FROM users
WHERE email = ?`

	sqliteListUsers = `
SELECT id, display_name
FROM users
ORDER BY created_at, id`
)

// SQLiteStore は SQLite（modernc.org/sqlite）を使った Store の実装です。
// 開発環境とテストの既定ストアです。
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite はファイルを開き、マイグレーションを適用した Store を返します。
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := migrate(ctx, db, goose.DialectSQLite3, "sqlite"); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// Create はユーザーを挿入します。
func (s *SQLiteStore) Create(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx, sqliteInsertUser,
		user.ID, user.DisplayName, user.Email, user.PasswordHash, toMillis(user.CreatedAt))
	if err != nil {
		if isEmailConflict(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetByEmail はメールアドレスでユーザーを取得します。
func (s *SQLiteStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	var (
		user      User
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, sqliteSelectByEmail, email).Scan(
		&user.ID,
		&user.DisplayName,
		&user.Email,
		&user.PasswordHash,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select user: %w", err)
	}
	user.CreatedAt = fromMillis(createdAt)
	return &user, nil
}

// List は作成順にユーザー一覧を返します。
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, sqliteListUsers)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	list := []Summary{}
	for rows.Next() {
		var item Summary
		if err := rows.Scan(&item.ID, &item.DisplayName); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		list = append(list, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return list, nil
}

// Close はデータベースを閉じます。
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// isEmailConflict は email 列の UNIQUE 制約違反だけを true にします。
// 主キーや NOT NULL など他の制約違反は登録済みメールアドレスとして扱いません。
func isEmailConflict(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE &&
		strings.Contains(sqliteErr.Error(), "users.email")
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

var _ Store = (*SQLiteStore)(nil)
