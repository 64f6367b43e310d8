// Package migrations embeds the SQL schema migrations for the content
// state store.
package migrations

import "embed"

// FS holds the migration files, applied in filename version order.
//
//go:embed *.sql
var FS embed.FS
