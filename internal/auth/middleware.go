package auth

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Access はルートに要求するアクセスレベルです。ゼロ値は未指定として扱い、
// Mount がエラーにします。
type Access int

const (
	accessUnset Access = iota
	// Public は認証不要のルートです。
	Public
	// Authenticated は有効なセッションを要求するルートです。
	Authenticated
)

func (a Access) String() string {
	switch a {
	case Public:
		return "public"
	case Authenticated:
		return "authenticated"
	default:
		return "unset"
	}
}

// ProtectedHandler は認証済みルートのハンドラーです。
// 主体はコンテキストから探すのではなく引数として受け取ります。
type ProtectedHandler func(c *gin.Context, subject Subject)

// Route は宣言的なルート定義です。Access に応じて Handler か Protected の
// どちらか一方だけを設定します。
type Route struct {
	Method    string
	Path      string
	Access    Access
	Handler   gin.HandlerFunc
	Protected ProtectedHandler
}

// Routes は /api 配下のルート表です。
func (m *Manager) Routes() []Route {
	return []Route{
		{Method: http.MethodPost, Path: "/register", Access: Public, Handler: m.Register},
		{Method: http.MethodPost, Path: "/auth/login", Access: Public, Handler: m.Login},
		// ログアウトは冪等で未ログインでも成功させるため、ガードも CSRF 検証も付けない
		{Method: http.MethodPost, Path: "/auth/logout", Access: Public, Handler: m.Logout},
		{Method: http.MethodGet, Path: "/auth/session", Access: Authenticated, Protected: m.Session},
		{Method: http.MethodGet, Path: "/auth/events", Access: Authenticated, Protected: m.Events},
		{Method: http.MethodGet, Path: "/users", Access: Authenticated, Protected: m.ListUsers},
	}
}

// Mount はルート表を検証してから router に登録します。
// 一つでも不正な定義があれば何も登録せずにエラーを返すので、
// ガードの付け忘れは起動時に検出されます。
func (m *Manager) Mount(router gin.IRoutes, routes []Route) error {
	seen := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		if err := validateRoute(r); err != nil {
			return err
		}
		key := r.Method + " " + r.Path
		if _, dup := seen[key]; dup {
			return fmt.Errorf("route %s: registered twice", key)
		}
		seen[key] = struct{}{}
	}

	for _, r := range routes {
		switch r.Access {
		case Public:
			router.Handle(r.Method, r.Path, r.Handler)
		case Authenticated:
			router.Handle(r.Method, r.Path, m.Protect(r.Protected))
		}
	}
	return nil
}

// Protect はセッションガードと CSRF 検証を通過した場合だけ h を呼びます。
func (m *Manager) Protect(h ProtectedHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject, err := m.Authenticate(c)
		if err != nil {
			m.respondWithError(c, err)
			return
		}
		if err := m.verifyCSRF(c); err != nil {
			m.respondWithError(c, err)
			return
		}
		h(c, subject)
	}
}

func validateRoute(r Route) error {
	name := r.Method + " " + r.Path
	if r.Method == "" || r.Path == "" {
		return fmt.Errorf("route %q: method and path are required", name)
	}
	switch r.Access {
	case Public:
		if r.Handler == nil {
			return fmt.Errorf("route %s: public route needs Handler", name)
		}
		if r.Protected != nil {
			return fmt.Errorf("route %s: public route must not set Protected", name)
		}
	case Authenticated:
		if r.Protected == nil {
			return fmt.Errorf("route %s: authenticated route needs Protected", name)
		}
		if r.Handler != nil {
			return fmt.Errorf("route %s: authenticated route must not set Handler", name)
		}
	default:
		return fmt.Errorf("route %s: access level is %s", name, r.Access)
	}
	return nil
}
