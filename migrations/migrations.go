// Package migrations embeds the SQL schema migrations so the migrate tool
// runs self-contained from any working directory.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
