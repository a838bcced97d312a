// Package history keeps an append-only SQLite log of gsh sessions: one row
// per session, a running command/line tally per host, and connect and
// disconnect events, readable back through RecentEvents and
// SessionTallies. No gsh subcommand reads it.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the session history database.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database at path, enabling WAL mode for
// concurrent readers while a session is being appended to.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: create directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: enable WAL mode: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return db, nil
}

// Close flushes the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL UNIQUE,
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		transport_command TEXT NOT NULL,
		host_count INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS host_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		host TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS host_tallies (
		session_id TEXT NOT NULL,
		host TEXT NOT NULL,
		commands_sent INTEGER NOT NULL DEFAULT 0,
		lines_received INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, host)
	);

	CREATE INDEX IF NOT EXISTS idx_host_events_session ON host_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_host_events_timestamp ON host_events(timestamp);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// BeginSession records the start of a "gsh run" invocation.
func (db *DB) BeginSession(sessionID, transportCommand string, hostCount int) error {
	_, err := db.conn.Exec(
		`INSERT INTO sessions (session_id, transport_command, host_count) VALUES (?, ?, ?)`,
		sessionID, transportCommand, hostCount,
	)
	return err
}

// LogHostEvent records a per-host lifecycle event ("connected",
// "disconnected", "renamed", "host_key_rejected", ...). Retried briefly
// against SQLITE_BUSY since the event loop must not block on a
// write-contended database.
func (db *DB) LogHostEvent(sessionID, host, eventType, details string) error {
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(
			`INSERT INTO host_events (session_id, host, event_type, details) VALUES (?, ?, ?, ?)`,
			sessionID, host, eventType, details,
		)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("history: log host event after %d retries: database locked", maxRetries)
}

// RecordCommand increments a host's commands-sent tally by one.
func (db *DB) RecordCommand(sessionID, host string) error {
	_, err := db.conn.Exec(`
		INSERT INTO host_tallies (session_id, host, commands_sent, lines_received)
		VALUES (?, ?, 1, 0)
		ON CONFLICT(session_id, host) DO UPDATE SET commands_sent = commands_sent + 1`,
		sessionID, host,
	)
	return err
}

// RecordLines adds n to a host's lines-received tally.
func (db *DB) RecordLines(sessionID, host string, n int) error {
	_, err := db.conn.Exec(`
		INSERT INTO host_tallies (session_id, host, commands_sent, lines_received)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(session_id, host) DO UPDATE SET lines_received = lines_received + ?`,
		sessionID, host, n, n,
	)
	return err
}

// HostEvent is a single row from host_events.
type HostEvent struct {
	ID        int64
	SessionID string
	Host      string
	EventType string
	Details   string
	Timestamp time.Time
}

// RecentEvents returns the most recent host events across all sessions, or
// a single session if sessionID is non-empty.
func (db *DB) RecentEvents(sessionID string, limit int) ([]HostEvent, error) {
	query := `SELECT id, session_id, host, event_type, details, timestamp FROM host_events`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []HostEvent
	for rows.Next() {
		var e HostEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Host, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Tally is a host's running command/line counters for a session.
type Tally struct {
	Host          string
	CommandsSent  int
	LinesReceived int
}

// SessionTallies returns every host's tally for a given session.
func (db *DB) SessionTallies(sessionID string) ([]Tally, error) {
	rows, err := db.conn.Query(
		`SELECT host, commands_sent, lines_received FROM host_tallies WHERE session_id = ? ORDER BY host`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tallies []Tally
	for rows.Next() {
		var t Tally
		if err := rows.Scan(&t.Host, &t.CommandsSent, &t.LinesReceived); err != nil {
			return nil, err
		}
		tallies = append(tallies, t)
	}
	return tallies, rows.Err()
}

// DefaultPath is history.sqlite under the config directory.
func DefaultPath(configPath string) string {
	return filepath.Join(configPath, "history.sqlite")
}
