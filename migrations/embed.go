// Package migrations embeds the goose SQL migration files so the binary
// can initialize a database without shipping loose files alongside it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
