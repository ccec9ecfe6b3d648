// Package migrations embeds the server's SQL migration files.
package migrations

import "embed"

// FS holds the goose migration scripts applied on server startup.
//
//go:embed *.sql
var FS embed.FS
