// Package database stores the link audit log: one row per remote link status change,
// kept in SQLite for operators.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned by operations on a closed database.
var ErrClosed = errors.New("database closed")

// DefaultListLimit caps list queries that ask for no limit
const DefaultListLimit = 100

// DB wraps the SQLite database connection
type DB struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	WriteBuffer *WriteBuffer
}

// LinkEvent is one status change of a session's remote link
type LinkEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Phase     string    `json:"phase"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"createdAt"`
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}

// Open opens the SQLite database at path, applies pending migrations and starts
// the write buffer.
func Open(path string) (*DB, error) {
	conn, err := openConn(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := openConn(path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := runMigrations(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}
	db.WriteBuffer = NewWriteBuffer(db, 100*time.Millisecond, 1024)

	return db, nil
}

func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return conn, nil
}

// Close flushes buffered events and closes the database connections
func (db *DB) Close() error {
	db.WriteBuffer.Close()
	db.writeConn.Close()
	return db.conn.Close()
}

// RecordLinkEvent queues an event for writing. It never blocks; when the buffer
// is full the event is dropped and false is returned.
func (db *DB) RecordLinkEvent(ev LinkEvent) bool {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	return db.WriteBuffer.Add(ev)
}

// insertLinkEvents writes a batch in one transaction
func (db *DB) insertLinkEvents(events []LinkEvent) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO link_events (session_id, phase, host, port, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.Exec(ev.SessionID, ev.Phase, ev.Host, ev.Port, ev.Detail, ev.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert link event: %w", err)
		}
	}

	return tx.Commit()
}

// ListLinkEvents returns a session's events, oldest first
func (db *DB) ListLinkEvents(sessionID string, limit int) ([]LinkEvent, error) {
	rows, err := db.conn.Query(`
		SELECT id, session_id, phase, host, port, detail, created_at
		FROM link_events
		WHERE session_id = ?
		ORDER BY id ASC
		LIMIT ?
	`, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query link events: %w", err)
	}
	defer rows.Close()

	return scanLinkEvents(rows)
}

// RecentLinkEvents returns the newest events across all sessions, newest first
func (db *DB) RecentLinkEvents(limit int) ([]LinkEvent, error) {
	rows, err := db.conn.Query(`
		SELECT id, session_id, phase, host, port, detail, created_at
		FROM link_events
		ORDER BY id DESC
		LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query recent link events: %w", err)
	}
	defer rows.Close()

	return scanLinkEvents(rows)
}

// PruneLinkEvents deletes events older than cutoff and returns how many were removed
func (db *DB) PruneLinkEvents(cutoff time.Time) (int64, error) {
	result, err := db.writeConn.Exec(`DELETE FROM link_events WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune link events: %w", err)
	}
	return result.RowsAffected()
}

func scanLinkEvents(rows *sql.Rows) ([]LinkEvent, error) {
	events := []LinkEvent{}
	for rows.Next() {
		var ev LinkEvent
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Phase, &ev.Host, &ev.Port, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan link event: %w", err)
		}
		ev.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit*10 {
		return DefaultListLimit
	}
	return limit
}
