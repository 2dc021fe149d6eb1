package database

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

// migrations are applied in order; index i moves the schema to version i+1.
// Never edit a migration once released, append a new one.
var migrations = []string{
	`CREATE TABLE link_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX idx_link_events_session ON link_events(session_id, id);`,

	`CREATE INDEX idx_link_events_created ON link_events(created_at);`,
}

// LatestSchemaVersion is the version reached once every migration has run
var LatestSchemaVersion = len(migrations)

func runMigrations(conn *sql.DB) error {
	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := schemaVersion(conn)
	if err != nil {
		return err
	}

	for version := current + 1; version <= len(migrations); version++ {
		if err := applyMigration(conn, version, migrations[version-1]); err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
		log.Printf("Applied database migration %d", version)
	}
	return nil
}

func schemaVersion(conn *sql.DB) (int, error) {
	var version sql.NullInt64
	if err := conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func applyMigration(conn *sql.DB, version int, ddl string) error {
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(ddl); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		version, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}
