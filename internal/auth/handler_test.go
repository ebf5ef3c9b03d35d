package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/gatekeeper/internal/password"
	"github.com/yourusername/gatekeeper/internal/users"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingRecorder) Record(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingRecorder) List(_ context.Context, subjectID string, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		if r.events[i].SubjectID == subjectID {
			out = append(out, r.events[i])
		}
	}
	return out, nil
}

func (r *recordingRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	router   *gin.Engine
	manager  *Manager
	clock    *fakeClock
	recorder *recordingRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := users.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	hasher, err := password.NewService(password.Options{BcryptCost: 4})
	if err != nil {
		t.Fatalf("failed to create hasher: %v", err)
	}

	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	recorder := &recordingRecorder{}
	limiter := NewMemoryLimiter(LimiterPolicy{MaxAttempts: 3, Window: time.Minute, LockDuration: 5 * time.Minute})
	limiter.now = clock.Now

	manager, err := NewManager(Options{
		Store:              store,
		Hasher:             hasher,
		Limiter:            limiter,
		Recorder:           recorder,
		Events:             recorder,
		MaxSessionLifetime: 2 * time.Hour,
		IdleTimeout:        30 * time.Minute,
		Now:                clock.Now,
	})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	cookieStore, err := NewCookieStore(testSecret, CookieOptions(2*time.Hour, false))
	if err != nil {
		t.Fatalf("NewCookieStore returned error: %v", err)
	}

	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, cookieStore))
	if err := manager.Mount(router.Group("/api"), manager.Routes()); err != nil {
		t.Fatalf("Mount returned error: %v", err)
	}

	return &testEnv{router: router, manager: manager, clock: clock, recorder: recorder}
}

// testClient はレスポンスの Set-Cookie を保持して次のリクエストに付ける簡易ブラウザです。
type testClient struct {
	t       *testing.T
	handler http.Handler
	cookies map[string]*http.Cookie
	csrf    string
}

func (e *testEnv) client(t *testing.T) *testClient {
	return &testClient{t: t, handler: e.router, cookies: map[string]*http.Cookie{}}
}

func (tc *testClient) do(method, path string, body any) *httptest.ResponseRecorder {
	tc.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, ok := body.(string)
		if !ok {
			encoded, err := json.Marshal(body)
			if err != nil {
				tc.t.Fatalf("failed to encode body: %v", err)
			}
			raw = string(encoded)
		}
		reader = strings.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if tc.csrf != "" {
		req.Header.Set(CSRFHeader, tc.csrf)
	}
	for _, c := range tc.cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	tc.handler.ServeHTTP(rec, req)

	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(tc.cookies, c.Name)
			continue
		}
		tc.cookies[c.Name] = c
	}
	if token := rec.Header().Get(CSRFHeader); token != "" {
		tc.csrf = token
	}
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status: %d, want %d body=%s", rec.Code, want, rec.Body.String())
	}
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v body=%s", err, rec.Body.String())
	}
	return payload
}

func register(tc *testClient, name, email, pass string) *httptest.ResponseRecorder {
	return tc.do(http.MethodPost, "/api/register", gin.H{"displayName": name, "email": email, "password": pass})
}

func login(tc *testClient, email, pass string) *httptest.ResponseRecorder {
	return tc.do(http.MethodPost, "/api/auth/login", gin.H{"email": email, "password": pass})
}

func TestAdaScenario(t *testing.T) {
	env := newTestEnv(t)
	tc := env.client(t)

	rec := register(tc, "Ada", "ada@example.com", "correct-horse")
	expectStatus(t, rec, http.StatusCreated)
	if name := decodeMap(t, rec)["name"]; name != "Ada" {
		t.Fatalf("unexpected name: %v", name)
	}
	expectStatus(t, tc.do(http.MethodGet, "/api/auth/session", nil), http.StatusOK)

	expectStatus(t, login(tc, "ada@example.com", "wrong"), http.StatusUnauthorized)

	rec = login(tc, "ada@example.com", "correct-horse")
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get(CSRFHeader) == "" {
		t.Fatal("expected CSRF token header on login")
	}

	rec = tc.do(http.MethodGet, "/api/users", nil)
	expectStatus(t, rec, http.StatusOK)
	var list []map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to parse users: %v", err)
	}
	if len(list) != 1 || list[0]["name"] != "Ada" || list[0]["id"] == "" {
		t.Fatalf("unexpected users: %#v", list)
	}

	expectStatus(t, tc.do(http.MethodPost, "/api/auth/logout", nil), http.StatusNoContent)
	expectStatus(t, tc.do(http.MethodGet, "/api/users", nil), http.StatusUnauthorized)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)

	expectStatus(t, register(env.client(t), "Ada", "ada@example.com", "correct-horse"), http.StatusCreated)

	rec := register(env.client(t), "Ada again", "  ADA@example.com ", "other-pass")
	expectStatus(t, rec, http.StatusConflict)
	if code := decodeMap(t, rec)["code"]; code != "EMAIL_TAKEN" {
		t.Fatalf("unexpected code: %v", code)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := map[string]any{
		"missing name":     gin.H{"email": "a@example.com", "password": "pw"},
		"blank name":       gin.H{"displayName": "   ", "email": "a@example.com", "password": "pw"},
		"missing email":    gin.H{"displayName": "A", "password": "pw"},
		"email without at": gin.H{"displayName": "A", "email": "example.com", "password": "pw"},
		"missing password": gin.H{"displayName": "A", "email": "a@example.com"},
		"empty password":   gin.H{"displayName": "A", "email": "a@example.com", "password": ""},
		"too long name":    gin.H{"displayName": strings.Repeat("x", 121), "email": "a@example.com", "password": "pw"},
		"bcrypt limit":     gin.H{"displayName": "A", "email": "a@example.com", "password": strings.Repeat("p", 100)},
		"not json":         "displayName=A",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := env.client(t).do(http.MethodPost, "/api/register", body)
			expectStatus(t, rec, http.StatusBadRequest)
			if code := decodeMap(t, rec)["code"]; code != "INVALID_INPUT" {
				t.Fatalf("unexpected code: %v", code)
			}
		})
	}
}

func TestRegisterResponseHasNoSecrets(t *testing.T) {
	env := newTestEnv(t)

	rec := register(env.client(t), "Ada", "ada@example.com", "correct-horse")
	expectStatus(t, rec, http.StatusCreated)

	body := rec.Body.String()
	for _, secret := range []string{"correct-horse", "$2a$", "password", "hash"} {
		if strings.Contains(body, secret) {
			t.Fatalf("response leaks %q: %s", secret, body)
		}
	}
	if keys := decodeMap(t, rec); len(keys) != 2 {
		t.Fatalf("unexpected fields: %#v", keys)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, register(env.client(t), "Ada", "ada@example.com", "correct-horse"), http.StatusCreated)

	unknown := login(env.client(t), "nobody@example.com", "correct-horse")
	wrong := login(env.client(t), "ada@example.com", "wrong")

	expectStatus(t, unknown, http.StatusUnauthorized)
	expectStatus(t, wrong, http.StatusUnauthorized)
	if !bytes.Equal(unknown.Body.Bytes(), wrong.Body.Bytes()) {
		t.Fatalf("responses differ:\n%s\n%s", unknown.Body.String(), wrong.Body.String())
	}
	if unknown.Header().Get("Set-Cookie") != "" || wrong.Header().Get("Set-Cookie") != "" {
		t.Fatal("failed login must not set a session cookie")
	}
}

func TestLoginEmailIsCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, register(env.client(t), "Ada", "ada@example.com", "correct-horse"), http.StatusCreated)

	expectStatus(t, login(env.client(t), "Ada@Example.com", "correct-horse"), http.StatusOK)
}

func TestReloginReplacesSession(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, register(env.client(t), "Grace", "grace@example.com", "cobol-rules"), http.StatusCreated)

	tc := env.client(t)
	expectStatus(t, register(tc, "Ada", "ada@example.com", "correct-horse"), http.StatusCreated)
	firstToken := tc.csrf

	expectStatus(t, login(tc, "grace@example.com", "cobol-rules"), http.StatusOK)
	if tc.csrf == firstToken {
		t.Fatal("expected a fresh CSRF token after re-login")
	}

	rec := tc.do(http.MethodGet, "/api/auth/session", nil)
	expectStatus(t, rec, http.StatusOK)
	if name := decodeMap(t, rec)["name"]; name != "Grace" {
		t.Fatalf("session still belongs to %v", name)
	}
}

func TestLogoutWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	tc := env.client(t)

	expectStatus(t, tc.do(http.MethodPost, "/api/auth/logout", nil), http.StatusNoContent)
	expectStatus(t, tc.do(http.MethodPost, "/api/auth/logout", nil), http.StatusNoContent)
}

func TestLogoutRevokesCopiedCookie(t *testing.T) {
	env := newTestEnv(t)
	tc := env.client(t)
	expectStatus(t, register(tc, "Ada", "ada@example.com", "correct-horse"), http.StatusCreated)

	cookie := tc.cookies[SessionCookieName]
	if cookie == nil {
		t.Fatal("expected session cookie")
	}
	copied := env.client(t)
	copied.cookies[SessionCookieName] = cookie
	copied.csrf = tc.csrf
	expectStatus(t, copied.do(http.MethodGet, "/api/users", nil), http.StatusOK)

	expectStatus(t, tc.do(http.MethodPost, "/api/auth/logout", nil), http.StatusNoContent)

	// ログアウト前に複製されたクッキーは署名が正しくても通さない
	for _, path := range []string{"/api/users", "/api/auth/session", "/api/auth/events"} {
		expectStatus(t, copied.do(http.MethodGet, path, nil), http.StatusUnauthorized)
	}

	// 再ログインで払い出された新しいセッションは使える
	expectStatus(t, login(tc, "ada@example.com", "correct-horse"), http.StatusOK)
	expectStatus(t, tc.do(http.MethodGet, "/api/users", nil), http.StatusOK)
}

type failingRevoker struct{}

func (failingRevoker) Revoke(context.Context, string, time.Duration) error {
	return errors.New("revocation store down")
}

func (failingRevoker) Revoked(context.Context, string) (bool, error) {
	return false, errors.New("revocation store down")
}

func TestRevocationStoreFailureClosesGuard(t *testing.T) {
	env := newTestEnv(t)
	tc := env.client(t)
	expectStatus(t, register(tc, "Ada", "ada@example.com", "correct-horse"), http.StatusCreated)

	env.manager.revoker = failingRevoker{}
	expectStatus(t, tc.do(http.MethodGet, "/api/users", nil), http.StatusInternalServerError)

	// ログアウトは失効リストに書けなくてもクッキーを消して成功する
	expectStatus(t, tc.do(http.MethodPost, "/api/auth/logout", nil), http.StatusNoContent)
	if _, ok := tc.cookies[SessionCookieName]; ok {
		t.Fatal("expected session cookie to be cleared")
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	env := newTestEnv(t)
	tc := env.client(t)

	for _, path := range []string{"/api/users", "/api/auth/session", "/api/auth/events"} {
		rec := tc.do(http.MethodGet, path, nil)
		expectStatus(t, rec, http.StatusUnauthorized)
		if code := decodeMap(t, rec)["code"]; code != "UNAUTHORIZED" {
			t.Fatalf("%s: unexpected code %v", path, code)
		}
	}
}

func TestTamperedCookieRejected(t *testing.T) {
	env := newTestEnv(t)
	tc := env.client(t)
	expectStatus(t, register(tc, "Ada", "ada@example.com", "correct-horse"), http.StatusCreated)

	cookie := tc.cookies[SessionCookieName]
	if cookie == nil {
		t.Fatal("expected session cookie")
	}
	forged := *cookie
	forged.Value = strings.ToUpper(cookie.Value[:10]) + cookie.Value[10:] + "x"
	tc.cookies[SessionCookieName] = &forged

	expectStatus(t, tc.do(http.MethodGet, "/api/users", nil), http.StatusUnauthorized)
}

func TestSessionIdleTimeout(t *testing.T) {
	env := newTestEnv(t)
	tc := env.client(t)
	expectStatus(t, register(tc, "Ada", "ada@example.com", "correct-horse"), http.StatusCreated)

	env.clock.Advance(20 * time.Minute)
	expectStatus(t, tc.do(http.MethodGet, "/api/users", nil), http.StatusOK)

	// 直前のアクセスで最終操作時刻が更新されている
	env.clock.Advance(20 * time.Minute)
	expectStatus(t, tc.do(http.MethodGet, "/api/users", nil), http.StatusOK)

	env.clock.Advance(31 * time.Minute)
	expectStatus(t, tc.do(http.MethodGet, "/api/users", nil), http.StatusUnauthorized)
}

func TestSessionMaxLifetime(t *testing.T) {
	env := newTestEnv(t)
	tc := env.client(t)
	expectStatus(t, register(tc, "Ada", "ada@example.com", "correct-horse"), http.StatusCreated)

	for i := 0; i < 4; i++ {
		env.clock.Advance(25 * time.Minute)
		expectStatus(t, tc.do(http.MethodGet, "/api/users", nil), http.StatusOK)
	}
	env.clock.Advance(25 * time.Minute)
	expectStatus(t, tc.do(http.MethodGet, "/api/users", nil), http.StatusUnauthorized)
}

func TestLoginLockout(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, register(env.client(t), "Ada", "ada@example.com", "correct-horse"), http.StatusCreated)

	for i := 0; i < 3; i++ {
		expectStatus(t, login(env.client(t), "ada@example.com", "wrong"), http.StatusUnauthorized)
	}

	rec := login(env.client(t), "ada@example.com", "correct-horse")
	expectStatus(t, rec, http.StatusTooManyRequests)
	if got := rec.Header().Get("Retry-After"); got != "300" {
		t.Fatalf("unexpected Retry-After: %q", got)
	}

	env.clock.Advance(5 * time.Minute)
	expectStatus(t, login(env.client(t), "ada@example.com", "correct-horse"), http.StatusOK)
}

func TestSuccessfulLoginResetsFailures(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, register(env.client(t), "Ada", "ada@example.com", "correct-horse"), http.StatusCreated)

	for i := 0; i < 2; i++ {
		expectStatus(t, login(env.client(t), "ada@example.com", "wrong"), http.StatusUnauthorized)
	}
	expectStatus(t, login(env.client(t), "ada@example.com", "correct-horse"), http.StatusOK)
	for i := 0; i < 2; i++ {
		expectStatus(t, login(env.client(t), "ada@example.com", "wrong"), http.StatusUnauthorized)
	}
	expectStatus(t, login(env.client(t), "ada@example.com", "correct-horse"), http.StatusOK)
}

func TestEventsAreRecorded(t *testing.T) {
	env := newTestEnv(t)
	tc := env.client(t)

	expectStatus(t, register(tc, "Ada", "ada@example.com", "correct-horse"), http.StatusCreated)
	expectStatus(t, login(env.client(t), "nobody@example.com", "x"), http.StatusUnauthorized)
	expectStatus(t, login(env.client(t), "ada@example.com", "wrong"), http.StatusUnauthorized)
	expectStatus(t, login(tc, "ada@example.com", "correct-horse"), http.StatusOK)

	rec := tc.do(http.MethodGet, "/api/auth/events", nil)
	expectStatus(t, rec, http.StatusOK)
	var events []Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("failed to parse events: %v", err)
	}
	if len(events) != 3 || events[0].Type != EventLoginSucceeded || events[2].Type != EventRegistered {
		t.Fatalf("unexpected events: %#v", events)
	}
	if events[0].IP == "" || strings.HasSuffix(events[0].IP, "1") {
		t.Fatalf("expected masked ip, got %q", events[0].IP)
	}

	expectStatus(t, tc.do(http.MethodPost, "/api/auth/logout", nil), http.StatusNoContent)

	want := []EventType{EventRegistered, EventLoginFailed, EventLoginSucceeded, EventLogout}
	got := env.recorder.types()
	if len(got) != len(want) {
		t.Fatalf("unexpected event types: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestProtectRequiresCSRFOnUnsafeMethods(t *testing.T) {
	env := newTestEnv(t)
	extra := gin.New()
	cookieStore, _ := NewCookieStore(testSecret, CookieOptions(time.Hour, false))
	extra.Use(sessions.Sessions(SessionCookieName, cookieStore))
	routes := append(env.manager.Routes(), Route{
		Method: http.MethodPost,
		Path:   "/echo",
		Access: Authenticated,
		Protected: func(c *gin.Context, subject Subject) {
			c.JSON(http.StatusOK, gin.H{"id": subject.ID})
		},
	})
	if err := env.manager.Mount(extra.Group("/api"), routes); err != nil {
		t.Fatalf("Mount returned error: %v", err)
	}

	tc := &testClient{t: t, handler: extra, cookies: map[string]*http.Cookie{}}
	expectStatus(t, register(tc, "Ada", "ada@example.com", "correct-horse"), http.StatusCreated)
	token := tc.csrf

	tc.csrf = ""
	rec := tc.do(http.MethodPost, "/api/echo", nil)
	expectStatus(t, rec, http.StatusForbidden)

	tc.csrf = "forged"
	expectStatus(t, tc.do(http.MethodPost, "/api/echo", nil), http.StatusForbidden)

	tc.csrf = token
	expectStatus(t, tc.do(http.MethodPost, "/api/echo", nil), http.StatusOK)
}

func TestSessionEndpointReturnsCSRFToken(t *testing.T) {
	env := newTestEnv(t)
	tc := env.client(t)
	expectStatus(t, register(tc, "Ada", "ada@example.com", "correct-horse"), http.StatusCreated)
	token := tc.csrf

	rec := tc.do(http.MethodGet, "/api/auth/session", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := rec.Header().Get(CSRFHeader); got != token {
		t.Fatalf("unexpected csrf token: %q want %q", got, token)
	}
	payload := decodeMap(t, rec)
	if payload["establishedAt"] == "" || payload["id"] == "" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}
