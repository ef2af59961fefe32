package pg

import "embed"

// Migrations holds the users table schema, applied by internal/migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS
