package storage

import (
	"database/sql"

	"github.com/pkg/errors"
)

// SQLiteMigration represents a database schema migration for SQLite
type SQLiteMigration struct {
	Version int
	Up      string
	Down    string // Optional rollback SQL
}

// sqliteMigrations contains all SQLite database migrations in chronological order
var sqliteMigrations = []SQLiteMigration{
	{
		Version: 1,
		Up: `CREATE TABLE aggregates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			window_start INTEGER NOT NULL,
			window_end INTEGER NOT NULL,
			dimension TEXT NOT NULL,
			category_key TEXT NOT NULL,
			count INTEGER NOT NULL,
			sum REAL NOT NULL,
			avg REAL NOT NULL,
			max REAL NOT NULL,
			pct REAL NOT NULL,
			slots INTEGER NOT NULL,
			UNIQUE (window_end, category_key)
		);

		CREATE INDEX idx_aggregates_window_end ON aggregates(window_end);`,
		Down: `DROP TABLE IF EXISTS aggregates;`,
	},
	{
		Version: 2,
		Up: `CREATE TABLE archive (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			window_start INTEGER NOT NULL,
			window_end INTEGER NOT NULL,
			slot_id INTEGER NOT NULL,
			captured_at INTEGER NOT NULL,
			epoch INTEGER NOT NULL,
			payload BLOB NOT NULL
		);

		CREATE INDEX idx_archive_captured_at ON archive(captured_at);
		CREATE INDEX idx_archive_window_end ON archive(window_end);`,
		Down: `DROP TABLE IF EXISTS archive;`,
	},
	{
		Version: 3,
		Up: `CREATE TABLE snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			captured_at INTEGER NOT NULL,
			counters TEXT NOT NULL,
			deltas TEXT NOT NULL,
			elapsed_seconds REAL NOT NULL
		);

		CREATE INDEX idx_snapshots_captured_at ON snapshots(captured_at);`,
		Down: `DROP TABLE IF EXISTS snapshots;`,
	},
	{
		Version: 4,
		Up: `CREATE TABLE tick_log (
			id TEXT PRIMARY KEY,
			job TEXT NOT NULL,
			started INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL
		);

		CREATE INDEX idx_tick_log_started ON tick_log(started);`,
		Down: `DROP TABLE IF EXISTS tick_log;`,
	},
}

// runSQLiteMigrations applies all pending SQLite migrations to the database
func runSQLiteMigrations(db *sql.DB) error {
	// Create schema_migrations table if it doesn't exist
	if err := createSQLiteMigrationsTable(db); err != nil {
		return errors.Wrap(err, "failed to create migrations table")
	}

	// Get current schema version
	currentVersion, err := getCurrentSQLiteVersion(db)
	if err != nil {
		return errors.Wrap(err, "failed to get current version")
	}

	// Apply pending migrations
	for _, migration := range sqliteMigrations {
		if migration.Version <= currentVersion {
			continue // Migration already applied
		}

		if err := applySQLiteMigration(db, migration); err != nil {
			return errors.Wrapf(err, "failed to apply migration version %d", migration.Version)
		}
	}

	return nil
}

// createSQLiteMigrationsTable creates the schema_migrations table for tracking applied migrations
func createSQLiteMigrationsTable(db *sql.DB) error {
	query := `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	)`

	_, err := db.Exec(query)
	return err
}

// getCurrentSQLiteVersion returns the highest applied migration version
func getCurrentSQLiteVersion(db *sql.DB) (int, error) {
	query := `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`

	var version int
	err := db.QueryRow(query).Scan(&version)
	if err != nil {
		return 0, err
	}

	return version, nil
}

// applySQLiteMigration applies a single migration within a transaction
func applySQLiteMigration(db *sql.DB, migration SQLiteMigration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Execute the migration SQL
	if _, err := tx.Exec(migration.Up); err != nil {
		return errors.Wrap(err, "failed to execute migration SQL")
	}

	// Record the migration as applied
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
		return errors.Wrap(err, "failed to record migration")
	}

	return tx.Commit()
}

// GetSQLiteSchemaVersion returns the current schema version (for testing/debugging)
func GetSQLiteSchemaVersion(db *sql.DB) (int, error) {
	return getCurrentSQLiteVersion(db)
}
