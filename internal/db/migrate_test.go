package db

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

// setupMigrationTestDB opens a database without running any migrations.
func setupMigrationTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "migrate-test.db"))
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// setupTestMigrations writes a small synthetic migration history to a
// temp directory and returns it as an fs.FS, so the behavioral tests do
// not depend on the real schema.
func setupTestMigrations(t *testing.T) fs.FS {
	t.Helper()
	tmpDir := filepath.Join(t.TempDir(), "migrations")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		t.Fatalf("failed to create temp migrations dir: %v", err)
	}

	migrations := map[string]string{
		"000001_create_test_table.up.sql": `
			CREATE TABLE IF NOT EXISTS test_table (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL
			);
		`,
		"000001_create_test_table.down.sql": `
			DROP TABLE IF EXISTS test_table;
		`,
		"000002_add_test_column.up.sql": `
			ALTER TABLE test_table ADD COLUMN description TEXT;
		`,
		"000002_add_test_column.down.sql": `
			CREATE TABLE test_table_new (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL
			);
			INSERT INTO test_table_new (id, name) SELECT id, name FROM test_table;
			DROP TABLE test_table;
			ALTER TABLE test_table_new RENAME TO test_table;
		`,
	}

	for filename, content := range migrations {
		path := filepath.Join(tmpDir, filename)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write migration file %s: %v", filename, err)
		}
	}

	return os.DirFS(tmpDir)
}

func TestMigrateUp(t *testing.T) {
	db := setupMigrationTestDB(t)
	migrationsFS := setupTestMigrations(t)

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	version, dirty, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
	if dirty {
		t.Error("database should not be dirty after successful migration")
	}

	var hasDescription bool
	err = db.QueryRow(`
		SELECT COUNT(*) > 0
		FROM pragma_table_info('test_table')
		WHERE name='description'
	`).Scan(&hasDescription)
	if err != nil {
		t.Fatalf("failed to check description column: %v", err)
	}
	if !hasDescription {
		t.Error("description column should exist after second migration")
	}
}

func TestMigrateUp_Idempotency(t *testing.T) {
	db := setupMigrationTestDB(t)
	migrationsFS := setupTestMigrations(t)

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("first MigrateUp failed: %v", err)
	}
	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}

	version, _, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2 after repeated up, got %d", version)
	}
}

func TestMigrateDown_OneStep(t *testing.T) {
	db := setupMigrationTestDB(t)
	migrationsFS := setupTestMigrations(t)

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if err := db.MigrateDown(migrationsFS); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}

	version, _, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after one rollback, got %d", version)
	}

	var hasDescription bool
	err = db.QueryRow(`
		SELECT COUNT(*) > 0
		FROM pragma_table_info('test_table')
		WHERE name='description'
	`).Scan(&hasDescription)
	if err != nil {
		t.Fatalf("failed to check description column: %v", err)
	}
	if hasDescription {
		t.Error("description column should be gone after rollback")
	}
}

func TestMigrateTo(t *testing.T) {
	db := setupMigrationTestDB(t)
	migrationsFS := setupTestMigrations(t)

	if err := db.MigrateTo(migrationsFS, 1); err != nil {
		t.Fatalf("MigrateTo(1) failed: %v", err)
	}
	version, _, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}

	if err := db.MigrateTo(migrationsFS, 2); err != nil {
		t.Fatalf("MigrateTo(2) failed: %v", err)
	}
	version, _, err = db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
}

func TestMigrateVersion_FreshDatabase(t *testing.T) {
	db := setupMigrationTestDB(t)
	migrationsFS := setupTestMigrations(t)

	version, dirty, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion on fresh database failed: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0 on fresh database, got %d", version)
	}
	if dirty {
		t.Error("fresh database should not be dirty")
	}
}

func TestMigrateForce(t *testing.T) {
	db := setupMigrationTestDB(t)
	migrationsFS := setupTestMigrations(t)

	if err := db.MigrateForce(migrationsFS, 2); err != nil {
		t.Fatalf("MigrateForce failed: %v", err)
	}

	version, dirty, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected forced version 2, got %d", version)
	}
	if dirty {
		t.Error("forced version should clear the dirty flag")
	}
}

func TestBaselineAtVersion(t *testing.T) {
	db := setupMigrationTestDB(t)
	migrationsFS := setupTestMigrations(t)

	if err := db.BaselineAtVersion(migrationsFS, 1); err != nil {
		t.Fatalf("BaselineAtVersion failed: %v", err)
	}

	version, _, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected baseline version 1, got %d", version)
	}

	// A database with a recorded version must not be re-baselined.
	if err := db.BaselineAtVersion(migrationsFS, 2); err == nil {
		t.Error("expected baseline of an already versioned database to fail")
	}
}

func TestGetMigrationStatus(t *testing.T) {
	db := setupMigrationTestDB(t)
	migrationsFS := setupTestMigrations(t)

	status, err := db.GetMigrationStatus(migrationsFS)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.Current != 0 || status.Latest != 2 || !status.Pending {
		t.Errorf("unexpected fresh status: %+v", status)
	}

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	status, err = db.GetMigrationStatus(migrationsFS)
	if err != nil {
		t.Fatalf("GetMigrationStatus after up failed: %v", err)
	}
	if status.Current != 2 || status.Pending || status.Dirty {
		t.Errorf("unexpected migrated status: %+v", status)
	}
}

func TestGetLatestMigrationVersion(t *testing.T) {
	migrationsFS := setupTestMigrations(t)

	latest, err := GetLatestMigrationVersion(migrationsFS)
	if err != nil {
		t.Fatalf("GetLatestMigrationVersion failed: %v", err)
	}
	if latest != 2 {
		t.Errorf("expected latest version 2, got %d", latest)
	}
}

func TestGetLatestMigrationVersion_Empty(t *testing.T) {
	empty := os.DirFS(t.TempDir())

	if _, err := GetLatestMigrationVersion(empty); err == nil {
		t.Error("expected error for empty migration source")
	}
}

func TestMigrationsFS_Embedded(t *testing.T) {
	migrationsFS, err := MigrationsFS()
	if err != nil {
		t.Fatalf("MigrationsFS failed: %v", err)
	}

	files, err := fs.Glob(migrationsFS, "*.up.sql")
	if err != nil {
		t.Fatalf("failed to glob embedded migrations: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("expected embedded up migrations")
	}

	// Every up migration needs a matching down migration.
	for _, up := range files {
		down := up[:len(up)-len(".up.sql")] + ".down.sql"
		if _, err := fs.Stat(migrationsFS, down); err != nil {
			t.Errorf("missing down migration for %s: %v", up, err)
		}
	}

	latest, err := GetLatestMigrationVersion(migrationsFS)
	if err != nil {
		t.Fatalf("GetLatestMigrationVersion failed: %v", err)
	}
	if latest < 2 {
		t.Errorf("expected at least 2 embedded migrations, got %d", latest)
	}
}

func TestMigrateUpAndDown_Embedded(t *testing.T) {
	db := setupMigrationTestDB(t)
	migrationsFS, err := MigrationsFS()
	if err != nil {
		t.Fatalf("MigrationsFS failed: %v", err)
	}

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	var tables int
	err = db.QueryRow(`
		SELECT COUNT(*)
		FROM sqlite_master
		WHERE type='table' AND name IN ('sessions', 'readings', 'sensor_faults')
	`).Scan(&tables)
	if err != nil {
		t.Fatalf("failed to count tables: %v", err)
	}
	if tables != 3 {
		t.Errorf("expected 3 capture tables, got %d", tables)
	}

	if err := db.MigrateDown(migrationsFS); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	var faultTables int
	err = db.QueryRow(`
		SELECT COUNT(*)
		FROM sqlite_master
		WHERE type='table' AND name='sensor_faults'
	`).Scan(&faultTables)
	if err != nil {
		t.Fatalf("failed to check sensor_faults: %v", err)
	}
	if faultTables != 0 {
		t.Error("sensor_faults should be dropped after one rollback")
	}
}
