package migrations

import "embed"

// FS contains embedded SQLite migrations for tabletop storage.
//
//go:embed *.sql
var FS embed.FS
