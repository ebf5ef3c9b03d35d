// Package client は gatekeeper API の Go クライアントと、画面遷移用のルートガードです。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	csrfHeader     = "X-CSRF-Token"
	defaultTimeout = 10 * time.Second
)

// User は API が返す公開ユーザー情報です。
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SessionInfo は GET /api/auth/session の応答です。
type SessionInfo struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	EstablishedAt time.Time `json:"establishedAt"`
}

// Event は GET /api/auth/events の要素です。
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	SubjectID  string    `json:"subjectId"`
	IP         string    `json:"ip"`
	OccurredAt time.Time `json:"occurredAt"`
}

// APIError は API のエラー応答です。
type APIError struct {
	Status     int
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// IsUnauthorized は err が 401 応答かどうかを返します。
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Client はクッキーでセッションを保持する API クライアントです。
// authenticated はサーバー状態のキャッシュにすぎず、認可の判断には使えません。
type Client struct {
	baseURL *url.URL
	http    *http.Client

	mu            sync.RWMutex
	csrfToken     string
	authenticated bool
	user          *User
}

// New はクライアントを作成します。httpClient が nil の場合はクッキージャー付きの
// クライアントを用意します。
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("base url must be absolute: %q", baseURL)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}
	return &Client{baseURL: parsed, http: httpClient}, nil
}

// IsAuthenticated はキャッシュしているログイン状態を返します。
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// CurrentUser はログイン中のユーザーを返します。未ログインなら nil です。
func (c *Client) CurrentUser() *User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

// Register はアカウントを作成し、そのままログイン状態になります。
func (c *Client) Register(ctx context.Context, displayName, email, password string) (*User, error) {
	var user User
	err := c.do(ctx, http.MethodPost, "/api/register", map[string]string{
		"displayName": displayName,
		"email":       email,
		"password":    password,
	}, &user)
	if err != nil {
		return nil, err
	}
	c.setAuthenticated(&user)
	return &user, nil
}

// Login はログインします。以前のセッションは置き換えられます。
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	var user User
	err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &user)
	if err != nil {
		return nil, err
	}
	c.setAuthenticated(&user)
	return &user, nil
}

// Logout はログアウトします。リクエストが失敗してもローカルの状態は消します。
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
	c.clearAuthenticated()
	return err
}

// Session はサーバーにセッションを問い合わせ、ログイン状態と CSRF トークンを同期します。
func (c *Client) Session(ctx context.Context) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.do(ctx, http.MethodGet, "/api/auth/session", nil, &info); err != nil {
		return nil, err
	}
	c.setAuthenticated(&User{ID: info.ID, Name: info.Name})
	return &info, nil
}

// ListUsers はユーザー一覧を取得します。
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var list []User
	if err := c.do(ctx, http.MethodGet, "/api/users", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Events は自分の最近の認証イベントを取得します。
func (c *Client) Events(ctx context.Context) ([]Event, error) {
	var list []Event
	if err := c.do(ctx, http.MethodGet, "/api/auth/events", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.csrfToken != "" {
		req.Header.Set(csrfHeader, c.csrfToken)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if token := resp.Header.Get(csrfHeader); token != "" {
		c.mu.Lock()
		c.csrfToken = token
		c.mu.Unlock()
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(apiErr)
		if resp.StatusCode == http.StatusUnauthorized {
			// 期限切れなどでサーバー側のセッションが無くなっている
			c.clearAuthenticated()
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) setAuthenticated(user *User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.user = user
}

func (c *Client) clearAuthenticated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = false
	c.user = nil
	c.csrfToken = ""
}
