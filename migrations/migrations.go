// Package migrations embeds the sensor registry schema for each supported
// database driver.
package migrations

import (
	"embed"
	"fmt"
)

// Embedded migration files bundled at compile time
// Single binary deployment without external file dependencies
//
//go:embed sqlite/*.sql
var SqliteMigrations embed.FS

//go:embed postgres/*.sql
var PostgresMigrations embed.FS

// ForDriver returns the migration set and its directory for a sqlx driver
// name.
func ForDriver(driver string) (embed.FS, string, error) {
	switch driver {
	case "sqlite3":
		return SqliteMigrations, "sqlite", nil
	case "postgres":
		return PostgresMigrations, "postgres", nil
	default:
		return embed.FS{}, "", fmt.Errorf("unsupported database driver: %s", driver)
	}
}
