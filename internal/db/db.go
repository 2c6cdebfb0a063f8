// Package db stores probe sessions and their per-check exchanges in SQLite.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB

	// path is kept for the admin routes, which label the live-SQL browser
	// with the backing file.
	path string
}

// NewDB opens (creating if necessary) the SQLite database at path and brings
// the schema up to date with the embedded migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	if err := db.MigrateUp(Migrations()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// OpenDB opens the database without touching the schema. Used by the migrate
// CLI, which manages schema versions explicitly.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// modernc sqlite serialises access per connection; a busy timeout keeps
	// concurrent writers from failing fast under test parallelism.
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	return &DB{DB: db, path: path}, nil
}

// Session is one probe run against one port.
type Session struct {
	ID        string    `json:"id"`
	Port      string    `json:"port"`
	BaudRate  int       `json:"baud_rate"`
	Checks    int       `json:"checks"`
	Passed    int       `json:"passed"`
	StartedAt time.Time `json:"started_at"`
}

// ExchangeRow is one recorded request/response check within a session.
type ExchangeRow struct {
	SessionID   string    `json:"session_id"`
	Check       string    `json:"check"`
	Sent        string    `json:"sent"`
	Received    string    `json:"received"`
	RoundTripMs float64   `json:"round_trip_ms"`
	Pass        bool      `json:"pass"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// RecordSession inserts a probe session row.
func (db *DB) RecordSession(s Session) error {
	_, err := db.Exec(
		`INSERT INTO probe_sessions (session_id, port, baud_rate, checks, passed, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Port, s.BaudRate, s.Checks, s.Passed, s.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// RecordExchange inserts one check result for a session.
func (db *DB) RecordExchange(e ExchangeRow) error {
	_, err := db.Exec(
		`INSERT INTO exchanges (session_id, check_name, sent, received, round_trip_ms, pass, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Check, e.Sent, e.Received, e.RoundTripMs, e.Pass, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to record exchange: %w", err)
	}
	return nil
}

// Sessions returns the most recent probe sessions, newest first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT session_id, port, baud_rate, checks, passed, started_at
		 FROM probe_sessions ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Port, &s.BaudRate, &s.Checks, &s.Passed, &s.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SessionExchanges returns all exchanges recorded for a session, in check
// order.
func (db *DB) SessionExchanges(sessionID string) ([]ExchangeRow, error) {
	rows, err := db.Query(
		`SELECT session_id, check_name, sent, received, round_trip_ms, pass, detail, timestamp
		 FROM exchanges WHERE session_id = ? ORDER BY exchange_id`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchanges: %w", err)
	}
	defer rows.Close()

	var exchanges []ExchangeRow
	for rows.Next() {
		var e ExchangeRow
		if err := rows.Scan(&e.SessionID, &e.Check, &e.Sent, &e.Received, &e.RoundTripMs, &e.Pass, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		exchanges = append(exchanges, e)
	}
	return exchanges, rows.Err()
}
