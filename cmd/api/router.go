package main

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yourusername/gatekeeper/internal/auth"
	"github.com/yourusername/gatekeeper/internal/config"
	"github.com/yourusername/gatekeeper/internal/middleware"
)

// newRouter はミドルウェアとルートを組み立てます。
// ルート表に不備があればエラーを返し、サーバーは起動しません。
func newRouter(cfg *config.Config, zl *zap.Logger, manager *auth.Manager, metrics *middleware.HTTPMetrics) (*gin.Engine, error) {
	router := gin.New()
	// X-Forwarded-For は信頼するプロキシから来た場合だけ採用する。
	// 未設定なら接続元アドレスをそのまま使う（試行制限のキーを偽装させない）
	if err := router.SetTrustedProxies(cfg.TrustedProxies()); err != nil {
		return nil, &config.ConfigurationError{Key: "TRUSTED_PROXIES", Reason: err.Error()}
	}
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.Logger(zl),
		metrics.Handler(),
	)

	// セッションストアの設定（署名鍵と暗号鍵は SESSION_SECRET から導出）
	store, err := auth.NewCookieStore(cfg.SessionSecret, auth.CookieOptions(cfg.SessionMaxAge, cfg.IsRelease()))
	if err != nil {
		return nil, err
	}
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins()
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		auth.CSRFHeader, // CSRF保護用ヘッダー
		middleware.RequestIDHeader,
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader, middleware.RequestIDHeader}
	router.Use(cors.New(corsConfig))

	router.GET("/health", handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if err := manager.Mount(router.Group("/api"), manager.Routes()); err != nil {
		return nil, err
	}
	return router, nil
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "gatekeeper-api",
	})
}
