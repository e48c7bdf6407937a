package db

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// migrateLogger adapts the standard logger to migrate's interface.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	log.Printf("migrate: "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// newMigrate builds a migrator over the open database handle. Callers
// must not Close the returned instance: that would close the shared
// database connection out from under the rest of the process.
func (db *DB) newMigrate(migrations fs.FS) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to load migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// MigrateUp applies all pending migrations.
func (db *DB) MigrateUp(migrations fs.FS) error {
	m, err := db.newMigrate(migrations)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func (db *DB) MigrateDown(migrations fs.FS) error {
	m, err := db.newMigrate(migrations)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// MigrateTo migrates up or down to the given version.
func (db *DB) MigrateTo(migrations fs.FS, version uint) error {
	m, err := db.newMigrate(migrations)
	if err != nil {
		return err
	}
	if err := m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate to version %d: %w", version, err)
	}
	return nil
}

// MigrateVersion reports the current schema version and whether the
// schema is dirty. A fresh database reports version zero.
func (db *DB) MigrateVersion(migrations fs.FS) (uint, bool, error) {
	m, err := db.newMigrate(migrations)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, dirty, nil
}

// MigrateForce overwrites the recorded schema version without running
// any migrations. This is the escape hatch for a dirty schema: verify
// the tables by hand first.
func (db *DB) MigrateForce(migrations fs.FS, version int) error {
	m, err := db.newMigrate(migrations)
	if err != nil {
		return err
	}
	if err := m.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	return nil
}

// BaselineAtVersion marks a database as already at the given version
// without running migrations. Intended for databases whose schema
// predates the migration history; it refuses to touch a database that
// already has a recorded version.
func (db *DB) BaselineAtVersion(migrations fs.FS, version uint) error {
	current, _, err := db.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	if current != 0 {
		return fmt.Errorf("database is already at migration version %d; refusing to baseline", current)
	}
	return db.MigrateForce(migrations, int(version))
}

// MigrationStatus describes where the schema sits relative to the
// available migrations.
type MigrationStatus struct {
	Current uint
	Dirty   bool
	Latest  uint
	Pending bool
}

// GetMigrationStatus reports the current schema version against the
// latest available migration.
func (db *DB) GetMigrationStatus(migrations fs.FS) (MigrationStatus, error) {
	current, dirty, err := db.MigrateVersion(migrations)
	if err != nil {
		return MigrationStatus{}, err
	}
	latest, err := GetLatestMigrationVersion(migrations)
	if err != nil {
		return MigrationStatus{}, err
	}
	return MigrationStatus{
		Current: current,
		Dirty:   dirty,
		Latest:  latest,
		Pending: current < latest,
	}, nil
}

// GetLatestMigrationVersion returns the highest migration version in
// the source, parsed from the NNNN_name.up.sql filename convention.
func GetLatestMigrationVersion(migrations fs.FS) (uint, error) {
	files, err := fs.Glob(migrations, "*.up.sql")
	if err != nil {
		return 0, fmt.Errorf("failed to list migrations: %w", err)
	}
	var latest uint
	for _, f := range files {
		prefix, _, ok := strings.Cut(path.Base(f), "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(prefix, 10, 32)
		if err != nil {
			continue
		}
		if uint(v) > latest {
			latest = uint(v)
		}
	}
	if latest == 0 {
		return 0, errors.New("no migrations found")
	}
	return latest, nil
}
