// Package sqlite is the optional append-only chat-log secondary sink: a
// fixed four-column table the core session orchestrator may write every
// delivered or sent message to, independent of the in-memory event sink.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the append-only chat-log sink. Its schema is intentionally fixed
// (id, jid, message, timestamp) and is not extended to carry anything the
// in-memory event sink already owns.
type DB struct {
	db *sql.DB
}

// Open creates or attaches to roster.db under dataDir and ensures the log
// table exists.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "roster.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		jid TEXT NOT NULL,
		message TEXT,
		timestamp TEXT
	)`)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// LogEntry is one row of the append-only chat log.
type LogEntry struct {
	ID        int64
	JID       string
	Message   string
	Timestamp time.Time
}

// Append writes one message to the log. It is a pure insert: the sink never
// updates or deletes a row once written.
func (d *DB) Append(jid, message string, timestamp time.Time) error {
	_, err := d.db.Exec(
		`INSERT INTO messages (jid, message, timestamp) VALUES (?, ?, ?)`,
		jid, message, timestamp.UTC().Format(time.RFC3339),
	)
	return err
}

// Tail returns the most recent n log entries for jid, oldest first.
func (d *DB) Tail(jid string, n int) ([]LogEntry, error) {
	rows, err := d.db.Query(`
		SELECT id, jid, message, timestamp FROM messages
		WHERE jid = ?
		ORDER BY id DESC
		LIMIT ?
	`, jid, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.JID, &e.Message, &ts); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		entries = append(entries, e)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
