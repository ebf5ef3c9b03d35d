package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/gatekeeper/internal/auth"
	"github.com/yourusername/gatekeeper/internal/config"
	"github.com/yourusername/gatekeeper/internal/jobs"
)

// eventBackend はログイン試行制限・セッション失効リスト・認証イベントの保存先の組です。
type eventBackend struct {
	limiter  auth.AttemptLimiter
	revoker  auth.Revoker
	recorder auth.EventRecorder
	lister   auth.EventLister
	close    func(ctx context.Context) error
}

func setupEvents(ctx context.Context, cfg *config.Config, zl *zap.Logger) (*eventBackend, error) {
	policy := auth.LimiterPolicy{
		MaxAttempts:  cfg.LoginMaxAttempts,
		Window:       cfg.LoginWindow,
		LockDuration: cfg.LoginLockDuration,
	}

	if cfg.RedisURL == "" {
		zl.Info("REDIS_URL is not set; using in-memory login limiter and log-only auth events")
		return &eventBackend{
			limiter:  auth.NewMemoryLimiter(policy),
			revoker:  auth.NewMemoryRevoker(),
			recorder: auth.NewLogRecorder(zl),
			close:    func(context.Context) error { return nil },
		}, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "REDIS_URL", Reason: err.Error()}
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	store := jobs.NewStore(rdb, cfg.EventHistoryLimit, cfg.EventRetention)
	manager, err := jobs.NewManager(cfg, store, zl)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	if err := manager.StartWorkers(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return &eventBackend{
		limiter:  auth.NewRedisLimiter(rdb, policy),
		revoker:  auth.NewRedisRevoker(rdb),
		recorder: manager,
		lister:   manager,
		close: func(ctx context.Context) error {
			return errors.Join(manager.Shutdown(ctx), rdb.Close())
		},
	}, nil
}
