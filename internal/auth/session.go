package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	SessionCookieName = "gk_session"

	sessionKeyID         = "session_id"
	sessionKeyUserID     = "auth_user_id"
	sessionKeyUserName   = "auth_user_name"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	// CSRFHeader はダブルサブミット用のヘッダー名です。
	CSRFHeader = "X-CSRF-Token"

	minSecretLength = 32
)

// Subject はセッションが示す認証済みユーザーです。
// SessionID はログインごとに払い出され、ログアウト時の失効に使います。
type Subject struct {
	ID            string
	DisplayName   string
	EstablishedAt time.Time
	SessionID     string
}

// CookieOptions はセッションクッキーの属性を返します。
func CookieOptions(maxAge time.Duration, secure bool) sessions.Options {
	return sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// NewCookieStore は署名と暗号化を行うクッキーストアを作成します。
// 署名鍵（64バイト）と AES-256 鍵（32バイト）は secret から HKDF で導出します。
func NewCookieStore(secret string, options sessions.Options) (cookie.Store, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d characters", minSecretLength)
	}

	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("gatekeeper session cookie"))
	hashKey := make([]byte, 64)
	blockKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, hashKey); err != nil {
		return nil, fmt.Errorf("derive hash key: %w", err)
	}
	if _, err := io.ReadFull(kdf, blockKey); err != nil {
		return nil, fmt.Errorf("derive block key: %w", err)
	}

	store := cookie.NewStore(hashKey, blockKey)
	store.Options(options)
	return store, nil
}

// establishSession は既存のセッション内容を破棄してから新しい主体を書き込みます。
// ゲスト時の値を引き継がないのでセッション固定化を防げます。
func (m *Manager) establishSession(session sessions.Session, subject Subject) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}

	session.Clear()
	session.Options(m.cookie)
	session.Set(sessionKeyID, uuid.NewString())
	session.Set(sessionKeyUserID, subject.ID)
	session.Set(sessionKeyUserName, subject.DisplayName)
	session.Set(sessionKeyIssuedAt, subject.EstablishedAt.Unix())
	session.Set(sessionKeyLastActive, subject.EstablishedAt.Unix())
	session.Set(sessionKeyCSRF, token)

	if err := session.Save(); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	return token, nil
}

// destroySession はセッションを空にし、クッキーを失効させます。
func (m *Manager) destroySession(session sessions.Session) error {
	session.Clear()
	expired := m.cookie
	expired.MaxAge = -1
	session.Options(expired)
	return session.Save()
}

// peekSubject は期限を確認せずにセッション上の主体を読み取ります。
func peekSubject(session sessions.Session) (Subject, bool) {
	id, _ := session.Get(sessionKeyUserID).(string)
	if id == "" {
		return Subject{}, false
	}
	name, _ := session.Get(sessionKeyUserName).(string)
	sessionID, _ := session.Get(sessionKeyID).(string)
	return Subject{
		ID:            id,
		DisplayName:   name,
		EstablishedAt: readUnix(session.Get(sessionKeyIssuedAt)),
		SessionID:     sessionID,
	}, true
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func constantTimeEqual(expected, received string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(received)) == 1
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
