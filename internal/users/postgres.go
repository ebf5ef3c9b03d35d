package users

import (
	"context"
	"errors"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

const (
	pgUniqueViolation = "23505"
	usersEmailKeyName = "users_email_key"
)

type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore は PostgreSQL を使った Store の実装です。
type PostgresStore struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
	close   func()
}

// NewPostgresStore は既存の接続（プールやトランザクション）から Store を作成します。
func NewPostgresStore(exec pgExecutor) *PostgresStore {
	return &PostgresStore{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// OpenPostgres はプールを作成し、マイグレーションを適用した Store を返します。
func OpenPostgres(ctx context.Context, dsn string, log *zap.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx pool config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	// goose は database/sql を要求するためプールをラップして渡す
	// （アイドル接続はプール側が管理するので db は閉じない）
	db := stdlib.OpenDBFromPool(pool)
	if err := migrate(ctx, db, goose.DialectPostgres, "postgres"); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("connected to postgres",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)

	store := NewPostgresStore(pool)
	store.close = pool.Close
	return store, nil
}

// Create はユーザーを挿入します。
func (s *PostgresStore) Create(ctx context.Context, user *User) error {
	query, args, err := s.builder.Insert("users").
		Columns("id", "display_name", "email", "password_hash", "created_at").
		Values(user.ID, user.DisplayName, user.Email, user.PasswordHash, user.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert user sql: %w", err)
	}

	if _, err := s.exec.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == usersEmailKeyName {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetByEmail はメールアドレスでユーザーを取得します。
func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	query, args, err := s.builder.
		Select("id", "display_name", "email", "password_hash", "created_at").
		From("users").
		Where(squirrel.Eq{"email": email}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select user sql: %w", err)
	}

	var user User
	err = s.exec.QueryRow(ctx, query, args...).Scan(
		&user.ID,
		&user.DisplayName,
		&user.Email,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &user, nil
}

// List は作成順にユーザー一覧を返します。
func (s *PostgresStore) List(ctx context.Context) ([]Summary, error) {
	query, args, err := s.builder.
		Select("id", "display_name").
		From("users").
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list users sql: %w", err)
	}

	rows, err := s.exec.Query(ctx, query, args...)
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

// Close はプールを閉じます。
func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
