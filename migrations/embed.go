// Package migrations embeds the SQL migration files applied by goose at
// store startup.
package migrations

import "embed"

// FS contains all *.sql migration files.
//
//go:embed *.sql
var FS embed.FS
