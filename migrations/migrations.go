// Package migrations embeds the SQL schema so tests and tools can apply it
// without depending on the working directory.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
