// Package store provides database schema migration management.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// migration is one versioned schema change applied inside a transaction.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema changes. Versions are applied
// exactly once and recorded in schema_migrations.
var migrations = []migration{
	{
		Version:     1,
		Description: "entity_tables",
		SQL: `
		CREATE TABLE IF NOT EXISTS students (
			id TEXT PRIMARY KEY,
			updated_at INTEGER NOT NULL,
			data TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS groups (
			id TEXT PRIMARY KEY,
			updated_at INTEGER NOT NULL,
			data TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			updated_at INTEGER NOT NULL,
			data TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			updated_at INTEGER NOT NULL,
			data TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			updated_at INTEGER NOT NULL,
			data TEXT NOT NULL
		);`,
	},
	{
		Version:     2,
		Description: "mutation_queue",
		SQL: `
		CREATE TABLE IF NOT EXISTS mutation_queue (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL CHECK(kind IN ('create','update','delete')),
			entity_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0 CHECK(retry_count >= 0)
		);
		CREATE INDEX IF NOT EXISTS idx_mutation_queue_enqueued_at
			ON mutation_queue(enqueued_at);`,
	},
	{
		Version:     3,
		Description: "metadata",
		SQL: `
		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	},
}

// Migrate applies all pending schema migrations.
func Migrate(db *sql.DB) error {
	if err := initMigrations(db); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}
		if err := applyMigration(db, mig); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", mig.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the current schema version.
func SchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

func initMigrations(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := db.Exec(query)
	return err
}

func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func applyMigration(db *sql.DB, mig migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	hash := sha256.Sum256([]byte(mig.SQL))
	checksum := hex.EncodeToString(hash[:])
	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, mig.Version, time.Now().Unix(), mig.Description, checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
