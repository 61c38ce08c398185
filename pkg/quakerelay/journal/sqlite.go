package journal

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/event"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteJournal persists records to SQLite.
// It is suitable for single-process production use.
type SQLiteJournal struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteJournal opens (creating if needed) a journal database.
// The path is a file path (e.g., "./journal.db") or ":memory:" for testing.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every pooled connection to ":memory:" would get its own database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			sequence INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id INTEGER NOT NULL,
			revision INTEGER NOT NULL,
			kind TEXT NOT NULL,
			message_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			accepted_at TEXT NOT NULL,
			UNIQUE (event_id, revision)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

// Append implements Journal.
func (s *SQLiteJournal) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	acceptedAt := rec.AcceptedAt
	if acceptedAt.IsZero() {
		acceptedAt = time.Now()
	}

	res, err := s.db.Exec(`
		INSERT INTO messages (event_id, revision, kind, message_id, payload, accepted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, revision) DO NOTHING
	`, rec.EventID, int64(rec.Revision), string(rec.Kind), rec.MessageID, rec.Payload,
		acceptedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

const selectRecords = `
	SELECT sequence, event_id, revision, kind, message_id, payload, accepted_at
	FROM messages
`

// List implements Journal.
func (s *SQLiteJournal) List(eventID int64) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(selectRecords+`WHERE event_id = ? ORDER BY revision`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	result := []Record{}
	err = scanRecords(rows, func(rec Record) error {
		result = append(result, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Replay implements Journal.
func (s *SQLiteJournal) Replay(fn func(Record) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	rows, err := s.db.Query(selectRecords + `ORDER BY sequence`)
	if err != nil {
		return fmt.Errorf("replay records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows, fn)
}

func scanRecords(rows *sql.Rows, fn func(Record) error) error {
	for rows.Next() {
		var rec Record
		var revision int64
		var kind, acceptedAt string
		if err := rows.Scan(&rec.Sequence, &rec.EventID, &revision, &kind,
			&rec.MessageID, &rec.Payload, &acceptedAt); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		rec.Revision = uint64(revision)
		rec.Kind = event.Kind(kind)
		rec.AcceptedAt, _ = time.Parse(time.RFC3339Nano, acceptedAt)
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}
	return nil
}

// Len implements Journal.
func (s *SQLiteJournal) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Reset implements Journal. Sequences restart at 1.
func (s *SQLiteJournal) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("reset journal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("reset journal: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sqlite_sequence WHERE name = 'messages'`); err != nil {
		return fmt.Errorf("reset journal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reset journal: %w", err)
	}
	return nil
}

// Close implements Journal.
func (s *SQLiteJournal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
