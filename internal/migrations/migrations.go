package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var MigrationFiles embed.FS

// Run executes all pending migrations against one history database. Both
// store instances share the same schema and migration set; the version
// integer lives in the database file itself, so each file tracks its own
// upgrade state. If autoMigrate is false the pending migrations are only
// logged.
func Run(db *sql.DB, label string, autoMigrate bool) error {
	sourceDriver, err := iofs.New(MigrationFiles, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	if dirty {
		slog.Warn("[Migrations] Database is in dirty state - migration was interrupted",
			"database", label,
			"version", version,
			"action", "attempting automatic recovery",
		)
		// The schema is a single baseline migration, so forcing back to the
		// recorded version is a safe recovery.
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to recover dirty migration state at version %d: %w", version, err)
		}
		slog.Info("[Migrations] Recovered dirty migration state", "database", label, "version", version)
	}

	if !autoMigrate {
		slog.Info("[Migrations] Auto-migration disabled, skipping",
			"database", label,
			"current_version", version,
		)
		return nil
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			slog.Info("[Migrations] Database schema is up to date", "database", label, "version", version)
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	newVersion, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to get updated migration version: %w", err)
	}

	slog.Info("[Migrations] Database migrations completed",
		"database", label,
		"from_version", version,
		"to_version", newVersion,
	)
	return nil
}
