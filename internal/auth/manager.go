// Package auth は登録・ログイン・ログアウトとセッションガードを提供します。
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/gatekeeper/internal/logger"
	"github.com/yourusername/gatekeeper/internal/users"
)

const (
	defaultMaxSessionLifetime = 12 * time.Hour
	defaultIdleTimeout        = 30 * time.Minute
	eventListLimit            = 20
)

// PasswordHasher はパスワードのハッシュ化と検証を行います。
type PasswordHasher interface {
	Hash(ctx context.Context, plain string) (string, error)
	Verify(ctx context.Context, encoded, plain string) (bool, error)
	// VerifyDummy は存在しないアカウントでも検証コストを揃えるために呼びます。
	VerifyDummy(ctx context.Context, plain string) error
}

// Options は Manager の依存関係と設定です。
type Options struct {
	Store    users.Store
	Hasher   PasswordHasher
	Limiter  AttemptLimiter
	Revoker  Revoker
	Recorder EventRecorder
	Events   EventLister
	Logger   *zap.Logger

	MaxSessionLifetime time.Duration
	IdleTimeout        time.Duration
	Cookie             sessions.Options

	Now func() time.Time
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	store    users.Store
	hasher   PasswordHasher
	limiter  AttemptLimiter
	revoker  Revoker
	recorder EventRecorder
	events   EventLister
	log      *zap.Logger

	maxSessionLifetime time.Duration
	idleTimeout        time.Duration
	cookie             sessions.Options

	now func() time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("store is nil")
	}
	if opts.Hasher == nil {
		return nil, errors.New("hasher is nil")
	}

	m := &Manager{
		store:              opts.Store,
		hasher:             opts.Hasher,
		limiter:            opts.Limiter,
		revoker:            opts.Revoker,
		recorder:           opts.Recorder,
		events:             opts.Events,
		log:                opts.Logger,
		maxSessionLifetime: opts.MaxSessionLifetime,
		idleTimeout:        opts.IdleTimeout,
		cookie:             opts.Cookie,
		now:                opts.Now,
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.limiter == nil {
		m.limiter = NewMemoryLimiter(DefaultLimiterPolicy)
	}
	if m.revoker == nil {
		m.revoker = NewMemoryRevoker()
	}
	if m.recorder == nil {
		m.recorder = NewLogRecorder(m.log)
	}
	if m.maxSessionLifetime <= 0 {
		m.maxSessionLifetime = defaultMaxSessionLifetime
	}
	if m.idleTimeout <= 0 {
		m.idleTimeout = defaultIdleTimeout
	}
	if m.cookie == (sessions.Options{}) {
		m.cookie = CookieOptions(m.maxSessionLifetime, false)
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Authenticate はセッションガードです。有効なセッションがあれば主体を返し、
// 無い・改ざん・期限切れ・アイドル超過・ログアウト済みはすべて ErrAuthentication になります。
// 失効リストを参照できない場合はそのエラーを返し、通過させません。
func (m *Manager) Authenticate(c *gin.Context) (Subject, error) {
	session := sessions.Default(c)
	subject, ok := peekSubject(session)
	if !ok {
		return Subject{}, ErrAuthentication
	}

	now := m.now()
	lastActive := readUnix(session.Get(sessionKeyLastActive))
	expired := subject.EstablishedAt.IsZero() || now.Sub(subject.EstablishedAt) > m.maxSessionLifetime
	idle := lastActive.IsZero() || now.Sub(lastActive) > m.idleTimeout
	if expired || idle || subject.SessionID == "" {
		if err := m.destroySession(session); err != nil {
			m.log.Warn("failed to clear expired session", zap.Error(err))
		}
		return Subject{}, ErrAuthentication
	}

	revoked, err := m.revoker.Revoked(c.Request.Context(), subject.SessionID)
	if err != nil {
		return Subject{}, err
	}
	if revoked {
		return Subject{}, ErrAuthentication
	}

	session.Set(sessionKeyLastActive, now.Unix())
	if err := session.Save(); err != nil {
		m.log.Warn("failed to refresh session activity", zap.Error(err))
	}
	return subject, nil
}

func (m *Manager) verifyCSRF(c *gin.Context) error {
	if isSafeMethod(c.Request.Method) {
		return nil
	}
	session := sessions.Default(c)
	expected, ok := session.Get(sessionKeyCSRF).(string)
	if !ok || expected == "" {
		return ErrCSRF
	}
	if !constantTimeEqual(expected, c.GetHeader(CSRFHeader)) {
		return ErrCSRF
	}
	return nil
}

// record はイベントを記録します。記録の失敗はリクエストを失敗させません。
func (m *Manager) record(c *gin.Context, eventType EventType, subjectID string) {
	event := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		SubjectID:  subjectID,
		IP:         logger.MaskIP(c.ClientIP()),
		OccurredAt: m.now().UTC(),
	}
	if err := m.recorder.Record(c.Request.Context(), event); err != nil {
		m.log.Warn("failed to record auth event",
			zap.String("type", string(eventType)),
			zap.Error(err),
		)
	}
}
