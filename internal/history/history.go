// Package history keeps a local log of finished calls in SQLite, so the
// agent can answer "recent calls" queries without touching the shared store.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/peerline-io/peerline/internal/signal"
)

// Entry is one finished call as recorded locally. Incoming reports the call
// direction from the local user's point of view.
type Entry struct {
	CallID         string
	CallType       signal.CallType
	Caller         string
	Recipient      string
	ConversationID string
	Incoming       bool
	Reason         string
	Duration       int
	StartedAt      time.Time
	EndedAt        time.Time
}

// DB wraps the local call log database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the call log in the given directory.
func Open(configDir string) (*DB, error) {
	dbPath := filepath.Join(configDir, "calls.db")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open call log: %w", err)
	}

	// WAL keeps the log usable while a call is being appended.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure call log: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id         TEXT NOT NULL,
			call_type       TEXT NOT NULL,
			caller          TEXT NOT NULL,
			recipient       TEXT NOT NULL,
			conversation_id TEXT DEFAULT '',
			incoming        INTEGER NOT NULL DEFAULT 0,
			reason          TEXT DEFAULT '',
			duration        INTEGER NOT NULL DEFAULT 0,
			started_at      DATETIME NOT NULL,
			ended_at        DATETIME NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_calls_ended
		ON calls (ended_at DESC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("index calls table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Append records one finished call.
func (d *DB) Append(e Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	incoming := 0
	if e.Incoming {
		incoming = 1
	}
	_, err := d.db.Exec(`
		INSERT INTO calls
			(call_id, call_type, caller, recipient, conversation_id,
			 incoming, reason, duration, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CallID, string(e.CallType), e.Caller, e.Recipient, e.ConversationID,
		incoming, e.Reason, e.Duration, e.StartedAt.UTC(), e.EndedAt.UTC())
	if err != nil {
		return fmt.Errorf("append call: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (d *DB) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.query(`
		SELECT call_id, call_type, caller, recipient, conversation_id,
		       incoming, reason, duration, started_at, ended_at
		FROM calls ORDER BY ended_at DESC LIMIT ?`, limit)
}

// ForConversation returns the newest entries for one conversation.
func (d *DB) ForConversation(conversationID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.query(`
		SELECT call_id, call_type, caller, recipient, conversation_id,
		       incoming, reason, duration, started_at, ended_at
		FROM calls WHERE conversation_id = ?
		ORDER BY ended_at DESC LIMIT ?`, conversationID, limit)
}

func (d *DB) query(q string, args ...any) ([]Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query call log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var callType string
		var incoming int
		if err := rows.Scan(&e.CallID, &callType, &e.Caller, &e.Recipient,
			&e.ConversationID, &incoming, &e.Reason, &e.Duration,
			&e.StartedAt, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("scan call log: %w", err)
		}
		e.CallType = signal.CallType(callType)
		e.Incoming = incoming == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}
