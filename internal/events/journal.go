package events

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Journal is an append-only sqlite log of lifecycle events. Dashboards read
// history from it; the registry itself never depends on it.
type Journal struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	type        TEXT NOT NULL,
	runspace_id TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	at          DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_runspace_id ON events(runspace_id);
CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
`

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening event db: %w", err)
	}

	// Appends serialize through a single writer connection.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Append(ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	err := retryOnBusy(func() error {
		_, e := j.db.Exec(
			`INSERT INTO events (type, runspace_id, name, detail, at) VALUES (?, ?, ?, ?, ?)`,
			string(ev.Type), ev.RunspaceID, ev.Name, ev.Detail, at.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(
		`SELECT type, runspace_id, name, detail, at FROM events ORDER BY seq DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ByRunspace returns up to limit events for one runspace, newest first.
func (j *Journal) ByRunspace(runspaceID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(
		`SELECT type, runspace_id, name, detail, at FROM events
		 WHERE runspace_id = ? ORDER BY seq DESC LIMIT ?`, runspaceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var ev Event
		var typ string
		if err := rows.Scan(&typ, &ev.RunspaceID, &ev.Name, &ev.Detail, &ev.At); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Type = Type(typ)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return out, nil
}
