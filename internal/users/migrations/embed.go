// Package migrations は資格情報ストアの goose マイグレーションを埋め込みます。
package migrations

import "embed"

// FS はドライバーごとのディレクトリ（postgres, sqlite）を含みます。
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
