// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// entityNameRe restricts entity names to identifiers that are safe to splice
// into table DDL. Entity names come from code, not users, but the store still
// refuses anything else.
var entityNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func recordTable(entity string) string { return "records_" + entity }

// initializeDatabase enables WAL mode and foreign keys and brings the fixed
// engine tables (offline_queue, sync_metadata) up to date via embedded
// migrations.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to instantiate migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// createEntityTable creates the per-entity record table if it does not exist.
// Entity tables are created dynamically from the registered entity list, one
// table per entity type.
func createEntityTable(db *sql.DB, entity string) error {
	if !entityNameRe.MatchString(entity) {
		return fmt.Errorf("invalid entity name %q", entity)
	}
	_, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id             TEXT PRIMARY KEY,
		payload        TEXT,
		server_version INTEGER NOT NULL DEFAULT 0,
		local_version  TEXT NOT NULL DEFAULT '',
		last_sync_at   TEXT NOT NULL DEFAULT '',
		deleted        INTEGER NOT NULL DEFAULT 0,
		needs_sync     INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	)`, recordTable(entity)))
	if err != nil {
		return fmt.Errorf("failed to create table for entity %s: %w", entity, err)
	}
	return nil
}
