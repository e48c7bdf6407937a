package db

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
)

// RunMigrateCommand implements the "sonar migrate" subcommand. args is
// everything after "migrate" on the command line.
func RunMigrateCommand(args []string, dbPath string) {
	if len(args) == 0 || args[0] == "help" {
		PrintMigrateHelp()
		return
	}
	action := args[0]

	migrations, err := MigrationsFS()
	if err != nil {
		log.Fatalf("Failed to load migrations: %v", err)
	}
	database, err := OpenDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database %s: %v", dbPath, err)
	}
	defer database.Close()

	switch action {
	case "up":
		handleMigrateUp(database, migrations)
	case "down":
		handleMigrateDown(database, migrations)
	case "to":
		handleMigrateTo(database, migrations, args[1:])
	case "status":
		handleMigrateStatus(database, migrations)
	case "version":
		handleMigrateVersion(database, migrations)
	case "force":
		handleMigrateForce(database, migrations, args[1:])
	case "baseline":
		handleMigrateBaseline(database, migrations, args[1:])
	default:
		fmt.Printf("Unknown migrate action: %s\n\n", action)
		PrintMigrateHelp()
		os.Exit(1)
	}
}

func handleMigrateUp(database *DB, migrations fs.FS) {
	if err := database.MigrateUp(migrations); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	version, _, err := database.MigrateVersion(migrations)
	if err != nil {
		log.Fatalf("Failed to read schema version: %v", err)
	}
	fmt.Printf("✓ Database is up to date at version %d\n", version)
}

func handleMigrateDown(database *DB, migrations fs.FS) {
	if err := database.MigrateDown(migrations); err != nil {
		log.Fatalf("Rollback failed: %v", err)
	}
	version, _, err := database.MigrateVersion(migrations)
	if err != nil {
		log.Fatalf("Failed to read schema version: %v", err)
	}
	fmt.Printf("✓ Rolled back to version %d\n", version)
}

func handleMigrateTo(database *DB, migrations fs.FS, args []string) {
	if len(args) != 1 {
		log.Fatalf("Usage: sonar migrate to <version>")
	}
	version, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		log.Fatalf("Invalid version %q: %v", args[0], err)
	}
	if err := database.MigrateTo(migrations, uint(version)); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	fmt.Printf("✓ Database is at version %d\n", version)
}

func handleMigrateStatus(database *DB, migrations fs.FS) {
	status, err := database.GetMigrationStatus(migrations)
	if err != nil {
		log.Fatalf("Failed to read migration status: %v", err)
	}
	fmt.Printf("Schema version: %d (latest %d)\n", status.Current, status.Latest)
	if status.Dirty {
		fmt.Println("⚠️  Schema is dirty: a migration failed partway. Inspect the database, then run 'sonar migrate force <version>'.")
		return
	}
	if status.Pending {
		fmt.Println("Pending migrations available: run 'sonar migrate up'")
	} else {
		fmt.Println("✓ Database is up to date")
	}
}

func handleMigrateVersion(database *DB, migrations fs.FS) {
	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		log.Fatalf("Failed to read schema version: %v", err)
	}
	if dirty {
		fmt.Printf("%d (dirty)\n", version)
		return
	}
	fmt.Println(version)
}

func handleMigrateForce(database *DB, migrations fs.FS, args []string) {
	if len(args) != 1 {
		log.Fatalf("Usage: sonar migrate force <version>")
	}
	version, err := strconv.Atoi(args[0])
	if err != nil {
		log.Fatalf("Invalid version %q: %v", args[0], err)
	}
	if err := database.MigrateForce(migrations, version); err != nil {
		log.Fatalf("Force failed: %v", err)
	}
	fmt.Printf("✓ Schema version forced to %d\n", version)
}

func handleMigrateBaseline(database *DB, migrations fs.FS, args []string) {
	if len(args) != 1 {
		log.Fatalf("Usage: sonar migrate baseline <version|latest>")
	}
	var version uint
	if args[0] == "latest" {
		latest, err := GetLatestMigrationVersion(migrations)
		if err != nil {
			log.Fatalf("Failed to find latest migration: %v", err)
		}
		version = latest
	} else {
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			log.Fatalf("Invalid version %q: %v", args[0], err)
		}
		version = uint(v)
	}
	if err := database.BaselineAtVersion(migrations, version); err != nil {
		log.Fatalf("Baseline failed: %v", err)
	}
	fmt.Printf("✓ Database baselined at version %d\n", version)
}

// PrintMigrateHelp prints usage for the migrate subcommand.
func PrintMigrateHelp() {
	fmt.Println(`Usage: sonar migrate <action> [args]

Actions:
  up                  Apply all pending migrations
  down                Roll back the most recent migration
  to <version>        Migrate up or down to a specific version
  status              Show current and latest schema versions
  version             Print the current schema version
  force <version>     Overwrite the recorded version without migrating
  baseline <version>  Mark a pre-migration database as already at <version>
                      (accepts "latest")
  help                Show this help

The database path comes from the main binary's -db flag.`)
}
