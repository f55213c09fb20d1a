package migrations

import "embed"

// FS contains embedded PostgreSQL migrations for the event log.
//
//go:embed *.sql
var FS embed.FS
