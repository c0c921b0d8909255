package db

import "embed"

// MigrationFS holds the agent's SQL migrations; the migrate runner
// (cmd/migrate) applies them via iofs.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
