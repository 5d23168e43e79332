package db

import "embed"

// MigrationFS embeds the SQL migrations from internal/db/migrations, applied
// by cmd/migrate and the migrate runner.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
