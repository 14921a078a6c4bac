// Package migrations embeds the goose migration set for the tasks/jobs
// schema so internal/database can apply it without a filesystem
// dependency at runtime.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
