// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// MinSessionSecretLength はセッション暗号鍵の最小文字数です。
const MinSessionSecretLength = 32

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	HasherBcrypt   = "bcrypt"
	HasherArgon2id = "argon2id"
)

// ConfigurationError は起動時に検出される設定不備を表します。
// 実行中のリクエスト単位のエラーではなく、起動を中断すべきエラーです。
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Reason)
}

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string `env:"PORT" envDefault:"8080"`
	GinMode string `env:"GIN_MODE" envDefault:"debug"` // debug, release, test

	// CORS設定（カンマ区切り）
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:5173"`

	// X-Forwarded-For を信頼するプロキシ（カンマ区切りの IP / CIDR）。空ならどれも信頼しない
	TrustedProxyList string `env:"TRUSTED_PROXIES"`

	// セッション設定
	SessionSecret      string        `env:"SESSION_SECRET"`
	SessionMaxAge      time.Duration `env:"SESSION_MAX_AGE" envDefault:"12h"`
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"30m"`

	// 資格情報ストア
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"data/gatekeeper.db"`

	// Redis（空の場合はインメモリ実装とログ出力のみで動作）
	RedisURL string `env:"REDIS_URL"`

	// パスワードハッシュ設定
	PasswordHasher  string `env:"PASSWORD_HASHER" envDefault:"bcrypt"`
	BcryptCost      int    `env:"BCRYPT_COST" envDefault:"12"`
	HashConcurrency int    `env:"HASH_CONCURRENCY" envDefault:"0"` // 0 は CPU 数

	// ログイン試行制限
	LoginMaxAttempts  int           `env:"LOGIN_MAX_ATTEMPTS" envDefault:"5"`
	LoginWindow       time.Duration `env:"LOGIN_WINDOW" envDefault:"15m"`
	LoginLockDuration time.Duration `env:"LOGIN_LOCK_DURATION" envDefault:"10m"`

	// 認証イベント履歴
	EventHistoryLimit int           `env:"EVENT_HISTORY_LIMIT" envDefault:"50"`
	EventRetention    time.Duration `env:"EVENT_RETENTION" envDefault:"720h"`
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, &ConfigurationError{Key: "env", Reason: err.Error()}
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
// セッション暗号鍵はモードに関係なく必須です。
func (c *Config) Validate() error {
	if c.SessionSecret == "" {
		return &ConfigurationError{Key: "SESSION_SECRET", Reason: "is required"}
	}
	if len(c.SessionSecret) < MinSessionSecretLength {
		return &ConfigurationError{
			Key:    "SESSION_SECRET",
			Reason: fmt.Sprintf("must be at least %d characters", MinSessionSecretLength),
		}
	}
	if c.SessionMaxAge <= 0 {
		return &ConfigurationError{Key: "SESSION_MAX_AGE", Reason: "must be positive"}
	}
	if c.SessionIdleTimeout <= 0 {
		return &ConfigurationError{Key: "SESSION_IDLE_TIMEOUT", Reason: "must be positive"}
	}

	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return &ConfigurationError{Key: "DATABASE_DRIVER", Reason: fmt.Sprintf("unsupported driver %q", c.DatabaseDriver)}
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return &ConfigurationError{Key: "DATABASE_URL", Reason: "is required"}
	}

	switch c.PasswordHasher {
	case HasherBcrypt, HasherArgon2id:
	default:
		return &ConfigurationError{Key: "PASSWORD_HASHER", Reason: fmt.Sprintf("unsupported hasher %q", c.PasswordHasher)}
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return &ConfigurationError{Key: "BCRYPT_COST", Reason: "must be between 4 and 31"}
	}
	if c.HashConcurrency < 0 {
		return &ConfigurationError{Key: "HASH_CONCURRENCY", Reason: "must not be negative"}
	}

	if c.LoginMaxAttempts <= 0 {
		return &ConfigurationError{Key: "LOGIN_MAX_ATTEMPTS", Reason: "must be positive"}
	}
	if c.LoginWindow <= 0 || c.LoginLockDuration <= 0 {
		return &ConfigurationError{Key: "LOGIN_WINDOW", Reason: "window and lock duration must be positive"}
	}

	if len(c.AllowedOrigins()) == 0 {
		return &ConfigurationError{Key: "CORS_ALLOWED_ORIGINS", Reason: "at least one origin is required"}
	}

	if c.EventHistoryLimit <= 0 {
		return &ConfigurationError{Key: "EVENT_HISTORY_LIMIT", Reason: "must be positive"}
	}

	return nil
}

// IsRelease はリリースモードかどうかを返します。
func (c *Config) IsRelease() bool {
	return c.GinMode == "release"
}

// AllowedOrigins は CORS 許可オリジンを配列で返します。
func (c *Config) AllowedOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

// TrustedProxies は信頼するプロキシを配列で返します。未設定なら nil です。
func (c *Config) TrustedProxies() []string {
	return splitList(c.TrustedProxyList)
}

func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
