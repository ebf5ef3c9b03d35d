package client

import (
	"net/url"
	"strings"
)

// RouteGuard は保護された画面へ遷移する前に、キャッシュ済みのログイン状態を見て
// ログイン画面へ誘導します。表示上の都合のためのもので、実際の拒否はサーバーが行います。
type RouteGuard struct {
	Client    *Client
	LoginPath string
	// Protected はログインが必要なパスの接頭辞です。
	Protected []string
}

// Check は path へ遷移してよいかを返します。拒否する場合はリダイレクト先を返します。
// リダイレクト先には元のパスを next パラメーターとして付けます。
func (g RouteGuard) Check(path string) (redirect string, allowed bool) {
	if !g.requiresLogin(path) {
		return "", true
	}
	if g.Client != nil && g.Client.IsAuthenticated() {
		return "", true
	}

	login := g.LoginPath
	if login == "" {
		login = "/login"
	}
	return login + "?next=" + url.QueryEscape(path), false
}

func (g RouteGuard) requiresLogin(path string) bool {
	for _, prefix := range g.Protected {
		if path == prefix || strings.HasPrefix(path, strings.TrimRight(prefix, "/")+"/") {
			return true
		}
	}
	return false
}
