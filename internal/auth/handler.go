package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/gatekeeper/internal/logger"
	"github.com/yourusername/gatekeeper/internal/password"
	"github.com/yourusername/gatekeeper/internal/users"
)

type registerRequest struct {
	DisplayName string `json:"displayName" binding:"required,max=120"`
	Email       string `json:"email" binding:"required,max=320"`
	Password    string `json:"password" binding:"required,max=256"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,max=320"`
	Password string `json:"password" binding:"required,max=256"`
}

// Register は POST /api/register のハンドラーです。
func (m *Manager) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		m.respondWithError(c, ErrValidation)
		return
	}

	displayName := strings.TrimSpace(req.DisplayName)
	email := users.NormalizeEmail(req.Email)
	if displayName == "" || !strings.Contains(email, "@") {
		m.respondWithError(c, ErrValidation)
		return
	}

	ctx := c.Request.Context()
	hash, err := m.hasher.Hash(ctx, req.Password)
	if err != nil {
		if errors.Is(err, password.ErrTooLong) {
			err = ErrValidation
		}
		m.respondWithError(c, err)
		return
	}

	now := m.now()
	user := &users.User{
		ID:           uuid.NewString(),
		DisplayName:  displayName,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now.UTC(),
	}
	// 一意性はストアの制約に任せる（事前確認との競合で二重登録させない）
	if err := m.store.Create(ctx, user); err != nil {
		if errors.Is(err, users.ErrEmailTaken) {
			err = ErrConflict
		}
		m.respondWithError(c, err)
		return
	}

	m.log.Info("user registered",
		zap.String("user_id", user.ID),
		zap.String("email", logger.MaskEmail(email)),
	)

	if !m.startSession(c, user, now) {
		return
	}
	m.record(c, EventRegistered, user.ID)
	c.JSON(http.StatusCreated, gin.H{
		"id":   user.ID,
		"name": user.DisplayName,
	})
}

// Login は POST /api/auth/login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		m.respondWithError(c, ErrValidation)
		return
	}

	ctx := c.Request.Context()
	ip := c.ClientIP()
	retryAfter, err := m.limiter.Locked(ctx, ip)
	if err != nil {
		// 制限ストアの障害でログインそのものは止めない
		m.log.Warn("login limiter unavailable", zap.Error(err))
	}
	if retryAfter > 0 {
		// Retry-After は秒数で返す（切り上げ）
		seconds := int64((retryAfter + time.Second - 1) / time.Second)
		c.Header("Retry-After", strconv.FormatInt(seconds, 10))
		m.respondWithError(c, ErrTooManyAttempts)
		return
	}

	user, err := m.store.GetByEmail(ctx, users.NormalizeEmail(req.Email))
	switch {
	case errors.Is(err, users.ErrNotFound):
		// 未登録でもハッシュ比較を実行し、応答時間から登録有無を推測させない
		if err := m.hasher.VerifyDummy(ctx, req.Password); err != nil {
			m.log.Warn("dummy verify failed", zap.Error(err))
		}
		m.loginFailed(c, ip, "")
		return
	case err != nil:
		m.respondWithError(c, err)
		return
	}

	ok, err := m.hasher.Verify(ctx, user.PasswordHash, req.Password)
	if err != nil {
		m.respondWithError(c, err)
		return
	}
	if !ok {
		m.loginFailed(c, ip, user.ID)
		return
	}

	if err := m.limiter.Reset(ctx, ip); err != nil {
		m.log.Warn("failed to reset login attempts", zap.Error(err))
	}
	if !m.startSession(c, user, m.now()) {
		return
	}
	m.record(c, EventLoginSucceeded, user.ID)
	c.JSON(http.StatusOK, gin.H{
		"id":   user.ID,
		"name": user.DisplayName,
	})
}

// Logout は POST /api/auth/logout のハンドラーです。
// セッションが無くても成功を返します。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	subject, hadSession := peekSubject(session)
	if hadSession && subject.SessionID != "" {
		// 同じクッキーの複製が残っていても以後は通さない
		if err := m.revoker.Revoke(c.Request.Context(), subject.SessionID, m.maxSessionLifetime); err != nil {
			m.log.Error("failed to revoke session", zap.Error(err))
		}
	}
	if err := m.destroySession(session); err != nil {
		m.respondWithError(c, err)
		return
	}
	if hadSession {
		m.record(c, EventLogout, subject.ID)
	}
	c.Status(http.StatusNoContent)
}

// Session は GET /api/auth/session のハンドラーです。
// クライアントがページ再読込後に CSRF トークンとログイン状態を取り直すために使います。
func (m *Manager) Session(c *gin.Context, subject Subject) {
	if token, ok := sessions.Default(c).Get(sessionKeyCSRF).(string); ok {
		c.Header(CSRFHeader, token)
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            subject.ID,
		"name":          subject.DisplayName,
		"establishedAt": subject.EstablishedAt.UTC(),
	})
}

// Events は GET /api/auth/events のハンドラーです。自分のイベントだけを返します。
func (m *Manager) Events(c *gin.Context, subject Subject) {
	if m.events == nil {
		c.JSON(http.StatusOK, []Event{})
		return
	}
	list, err := m.events.List(c.Request.Context(), subject.ID, eventListLimit)
	if err != nil {
		m.respondWithError(c, err)
		return
	}
	if list == nil {
		list = []Event{}
	}
	c.JSON(http.StatusOK, list)
}

// ListUsers は GET /api/users のハンドラーです。
func (m *Manager) ListUsers(c *gin.Context, _ Subject) {
	list, err := m.store.List(c.Request.Context())
	if err != nil {
		m.respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// startSession はセッションを確立し、CSRF トークンをヘッダーで返します。
// 失敗時はエラー応答を書き込んで false を返します。
func (m *Manager) startSession(c *gin.Context, user *users.User, now time.Time) bool {
	token, err := m.establishSession(sessions.Default(c), Subject{
		ID:            user.ID,
		DisplayName:   user.DisplayName,
		EstablishedAt: now,
	})
	if err != nil {
		m.respondWithError(c, err)
		return false
	}
	c.Header(CSRFHeader, token)
	return true
}

func (m *Manager) loginFailed(c *gin.Context, ip, subjectID string) {
	if err := m.limiter.Fail(c.Request.Context(), ip); err != nil {
		m.log.Warn("failed to record login failure", zap.Error(err))
	}
	if subjectID != "" {
		m.record(c, EventLoginFailed, subjectID)
	}
	m.respondWithError(c, ErrAuthentication)
}
