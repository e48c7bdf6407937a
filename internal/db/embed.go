package db

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed migrations
var migrationsEmbed embed.FS

// MigrationsFS returns the migration files compiled into the binary,
// rooted so that the .sql files sit at the top level.
func MigrationsFS() (fs.FS, error) {
	sub, err := fs.Sub(migrationsEmbed, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	return sub, nil
}
