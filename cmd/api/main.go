// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/gatekeeper/internal/auth"
	"github.com/yourusername/gatekeeper/internal/config"
	"github.com/yourusername/gatekeeper/internal/logger"
	"github.com/yourusername/gatekeeper/internal/middleware"
	"github.com/yourusername/gatekeeper/internal/password"
	"github.com/yourusername/gatekeeper/internal/users"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 設定の読み込み（SESSION_SECRET の不備などはここで起動を中断する）
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	zl, err := logger.New(cfg.GinMode)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Error("server stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 資格情報ストア（マイグレーションも実行される）
	store, err := users.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, zl)
	if err != nil {
		return err
	}
	defer store.Close()

	hasher, err := password.NewService(password.Options{
		Algorithm:   cfg.PasswordHasher,
		BcryptCost:  cfg.BcryptCost,
		Concurrency: cfg.HashConcurrency,
	})
	if err != nil {
		return err
	}

	// Redis があれば試行制限とイベント履歴を共有する
	backend, err := setupEvents(ctx, cfg, zl)
	if err != nil {
		return err
	}

	httpMetrics, err := middleware.NewHTTPMetrics(middleware.MetricsOptions{})
	if err != nil {
		return err
	}
	eventMetrics, err := middleware.NewAuthEventMetrics(middleware.MetricsOptions{})
	if err != nil {
		return err
	}

	manager, err := auth.NewManager(auth.Options{
		Store:              store,
		Hasher:             hasher,
		Limiter:            backend.limiter,
		Revoker:            backend.revoker,
		Recorder:           auth.MultiRecorder{backend.recorder, eventMetrics},
		Events:             backend.lister,
		Logger:             zl,
		MaxSessionLifetime: cfg.SessionMaxAge,
		IdleTimeout:        cfg.SessionIdleTimeout,
		Cookie:             auth.CookieOptions(cfg.SessionMaxAge, cfg.IsRelease()),
	})
	if err != nil {
		return err
	}

	router, err := newRouter(cfg, zl, manager, httpMetrics)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("starting API server",
			zap.String("addr", srv.Addr),
			zap.String("mode", cfg.GinMode),
			zap.String("database", cfg.DatabaseDriver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		zl.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = srv.Shutdown(shutdownCtx)
	return errors.Join(err, backend.close(shutdownCtx))
}
