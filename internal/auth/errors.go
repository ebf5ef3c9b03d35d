package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error はクライアントに返すエラーです。Message は汎用的な文言に限り、
// 内部の詳細（SQL、ハッシュ値、スタックトレース）は含めません。
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

var (
	// ErrValidation は入力不備です。
	ErrValidation = &Error{
		Status:  http.StatusBadRequest,
		Code:    "INVALID_INPUT",
		Message: "入力内容を確認してください",
	}
	// ErrConflict は登録済みメールアドレスでの再登録です。
	ErrConflict = &Error{
		Status:  http.StatusConflict,
		Code:    "EMAIL_TAKEN",
		Message: "このメールアドレスは既に登録されています",
	}
	// ErrAuthentication は認証失敗です。資格情報の誤り、セッションなし、期限切れを区別しません。
	ErrAuthentication = &Error{
		Status:  http.StatusUnauthorized,
		Code:    "UNAUTHORIZED",
		Message: "認証に失敗しました",
	}
	// ErrTooManyAttempts はログイン試行の一時ロックです。
	ErrTooManyAttempts = &Error{
		Status:  http.StatusTooManyRequests,
		Code:    "TOO_MANY_ATTEMPTS",
		Message: "一定時間後に再度お試しください",
	}
	// ErrCSRF は CSRF トークンの欠落または不一致です。
	ErrCSRF = &Error{
		Status:  http.StatusForbidden,
		Code:    "CSRF_INVALID",
		Message: "CSRF トークンが一致しません",
	}
)

func (m *Manager) respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.AbortWithStatusJSON(apiErr.Status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました",
		})
	default:
		m.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました",
		})
	}
}
