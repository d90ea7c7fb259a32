package migrations

import "embed"

// FS contains embedded SQLite migrations for the game record ledger.
//
//go:embed *.sql
var FS embed.FS
