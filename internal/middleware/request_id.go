// Package middleware は gin 用の共通ミドルウェア（リクエストID、アクセスログ、メトリクス）です。
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader はリクエストIDを受け渡すヘッダー名です。
	RequestIDHeader = "X-Request-ID"

	requestIDKey    = "request_id"
	maxRequestIDLen = 128
)

// RequestID はリクエストごとの識別子をコンテキストとレスポンスヘッダーに設定します。
// クライアントから受け取った値が長すぎる場合は採番し直します。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID はコンテキストからリクエストIDを取り出します。
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
