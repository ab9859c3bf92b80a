// Package journal provides an optional, disabled-by-default append-only
// record of session mutations, backed by a local SQLite file. It exists
// for operators who want a durable audit trail of what a conversation did
// across process restarts; the in-memory session store (pkg/session)
// remains the source of truth for a running process.
package journal

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS session_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	phase      TEXT NOT NULL,
	event_kind TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
)`

const createIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events(session_id)`

// Writer appends session-mutation events to a local SQLite file. A nil
// *Writer is valid and every method on it is a no-op, so callers can wire
// an optional journal without a separate enabled/disabled branch at every
// call site.
type Writer struct {
	db *sql.DB
}

// Open initializes (creating if necessary) a SQLite-backed journal at
// path. Connection settings mirror what a single-writer, occasional-reader
// workload needs: WAL mode for concurrent readers during a write, and a
// busy timeout so a momentary lock contention doesn't surface as an error.
func Open(path string) (*Writer, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create table: %w", err)
	}
	if _, err := db.Exec(createIndexSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create index: %w", err)
	}
	return &Writer{db: db}, nil
}

// Append records one session-mutation event. createdAtUnix is supplied by
// the caller rather than taken internally, so the journal stays
// deterministic and testable.
func (w *Writer) Append(ctx context.Context, sessionID, phase, eventKind, content string, createdAtUnix int64) error {
	if w == nil {
		return nil
	}
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, phase, event_kind, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, phase, eventKind, content, createdAtUnix)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

// Event is one row read back from the journal, ordered oldest first.
type Event struct {
	SessionID string
	Phase     string
	EventKind string
	Content   string
	CreatedAt int64
}

// Events returns every recorded event for sessionID, oldest first.
func (w *Writer) Events(ctx context.Context, sessionID string) ([]Event, error) {
	if w == nil {
		return nil, nil
	}
	rows, err := w.db.QueryContext(ctx,
		`SELECT session_id, phase, event_kind, content, created_at FROM session_events WHERE session_id = ? ORDER BY id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.SessionID, &e.Phase, &e.EventKind, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close releases the underlying database handle. Safe to call on a nil
// *Writer.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	return w.db.Close()
}
