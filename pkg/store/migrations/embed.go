// Package migrations embeds the SQL migration set so the toolrunner-migrate
// CLI reads the files without needing a filesystem path relative to the
// binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
