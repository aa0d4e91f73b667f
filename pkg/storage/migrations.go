package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

// Migration represents a database schema migration
type Migration struct {
	SQL         string
	Description string
	Version     int
}

// migrations is the registry of all schema migrations. Versions must be
// unique; they are applied in ascending order, each in its own transaction.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with queries and domain_stats tables",
		SQL: `
			CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY,
				applied_at DATETIME NOT NULL
			);

			CREATE TABLE IF NOT EXISTS queries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp DATETIME NOT NULL,
				client_ip TEXT NOT NULL,
				domain TEXT NOT NULL,
				query_type TEXT NOT NULL,
				outcome TEXT NOT NULL,
				response_code INTEGER NOT NULL,
				blocked BOOLEAN NOT NULL,
				response_time_ms REAL NOT NULL,
				upstream TEXT,
				upstream_time_ms REAL NOT NULL DEFAULT 0
			);

			CREATE TABLE IF NOT EXISTS domain_stats (
				domain TEXT PRIMARY KEY,
				query_count INTEGER NOT NULL,
				first_queried DATETIME NOT NULL,
				last_queried DATETIME NOT NULL,
				blocked BOOLEAN NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_queries_timestamp ON queries(timestamp);
			CREATE INDEX IF NOT EXISTS idx_queries_domain ON queries(domain);
		`,
	},
	{
		Version:     2,
		Description: "Add indexes for statistics and top domains",
		SQL: `
			-- GetStatistics scans by timestamp and aggregates outcome
			CREATE INDEX IF NOT EXISTS idx_queries_timestamp_outcome ON queries(timestamp, outcome, blocked);

			-- GetTopDomains groups by domain within blocked/allowed
			CREATE INDEX IF NOT EXISTS idx_queries_blocked_domain ON queries(blocked, domain);
		`,
	},
}

// getMigrations returns all migrations sorted by version
func getMigrations() []Migration {
	result := make([]Migration, len(migrations))
	copy(result, migrations)

	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})

	return result
}

// getCurrentVersion returns the current schema version, or 0 for a fresh
// database.
func getCurrentVersion(db *sql.DB) (int, error) {
	var tableExists bool
	err := db.QueryRow(`
		SELECT 1 FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableExists)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}

	return version, nil
}

// applyMigration applies a single migration within a transaction
func applyMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO schema_version (version, applied_at)
		VALUES (?, CURRENT_TIMESTAMP)
	`, migration.Version)
	if err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// runMigrations applies every migration newer than the database's current
// version. On failure the database is left at the last applied version.
func runMigrations(db *sql.DB) error {
	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if err := applyMigration(db, migration); err != nil {
			return fmt.Errorf(
				"failed to apply migration v%d (%s): %w",
				migration.Version,
				migration.Description,
				err,
			)
		}
	}

	return nil
}
