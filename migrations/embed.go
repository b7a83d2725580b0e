// Package migrations holds the Postgres schema as numbered SQL files.
package migrations

import "embed"

// FS contains the NNN_name.sql files applied by db.Migrator.
//
//go:embed *.sql
var FS embed.FS
