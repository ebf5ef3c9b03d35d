// Package logger は zap ベースの構造化ロガーと、ログ出力用のマスキング関数を提供します。
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New はモードに応じた zap.Logger を返します。
// release では JSON 出力、それ以外は開発向けのコンソール出力になります。
func New(mode string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if mode != "release" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg.Build()
}

// MaskEmail はメールアドレスのローカル部を先頭3文字まで残して伏せます。
// 例: ada.lovelace@example.com -> ada***@example.com
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return "***"
	}
	// バイト単位で切ると多バイト文字が壊れるのでルーン単位で切る
	if runes := []rune(local); len(runes) > 3 {
		local = string(runes[:3])
	}
	return local + "***@" + domain
}

// MaskIP は IP アドレスの後半を伏せます。
// IPv4 は先頭2オクテット、IPv6 は先頭4グループを残します。
func MaskIP(ip string) string {
	if ip == "" {
		return ""
	}
	if strings.Contains(ip, ".") {
		parts := strings.Split(ip, ".")
		if len(parts) == 4 {
			return parts[0] + "." + parts[1] + ".*.*"
		}
	}
	if strings.Contains(ip, ":") {
		parts := strings.Split(ip, ":")
		if len(parts) >= 4 {
			return strings.Join(parts[:4], ":") + ":*:*:*:*"
		}
	}
	return "***"
}
