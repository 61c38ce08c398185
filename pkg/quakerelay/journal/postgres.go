package journal

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/event"
)

//go:embed postgres.sql
var postgresSchema string

// PostgresJournal persists records to PostgreSQL, for relays that share a
// journal or keep it off-host.
type PostgresJournal struct {
	pool    *pgxpool.Pool
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewPostgresJournal connects to url, fails fast if the database is
// unreachable, and creates the journal table if needed.
func NewPostgresJournal(ctx context.Context, url string) (*PostgresJournal, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &PostgresJournal{pool: pool, timeout: 10 * time.Second}, nil
}

func (p *PostgresJournal) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.timeout)
}

// Append implements Journal.
func (p *PostgresJournal) Append(rec Record) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	acceptedAt := rec.AcceptedAt
	if acceptedAt.IsZero() {
		acceptedAt = time.Now()
	}

	ctx, cancel := p.opContext()
	defer cancel()

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO quakerelay_messages (event_id, revision, kind, message_id, payload, accepted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id, revision) DO NOTHING
	`, rec.EventID, int64(rec.Revision), string(rec.Kind), rec.MessageID, rec.Payload, acceptedAt.UTC())
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

const selectPostgresRecords = `
	SELECT sequence, event_id, revision, kind, message_id, payload, accepted_at
	FROM quakerelay_messages
`

// List implements Journal.
func (p *PostgresJournal) List(eventID int64) ([]Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}

	ctx, cancel := p.opContext()
	defer cancel()

	rows, err := p.pool.Query(ctx, selectPostgresRecords+`WHERE event_id = $1 ORDER BY revision`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	result := []Record{}
	err = scanPostgresRecords(rows, func(rec Record) error {
		result = append(result, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Replay implements Journal. The whole replay shares one operation
// timeout.
func (p *PostgresJournal) Replay(fn func(Record) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	ctx, cancel := p.opContext()
	defer cancel()

	rows, err := p.pool.Query(ctx, selectPostgresRecords+`ORDER BY sequence`)
	if err != nil {
		return fmt.Errorf("replay records: %w", err)
	}
	return scanPostgresRecords(rows, fn)
}

func scanPostgresRecords(rows pgx.Rows, fn func(Record) error) error {
	defer rows.Close()

	for rows.Next() {
		var rec Record
		var revision int64
		var kind string
		if err := rows.Scan(&rec.Sequence, &rec.EventID, &revision, &kind,
			&rec.MessageID, &rec.Payload, &rec.AcceptedAt); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		rec.Revision = uint64(revision)
		rec.Kind = event.Kind(kind)
		rec.AcceptedAt = rec.AcceptedAt.UTC()
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
func (p *PostgresJournal) Len() (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return 0, ErrClosed
	}

	ctx, cancel := p.opContext()
	defer cancel()

	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM quakerelay_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Reset implements Journal. Sequences restart at 1.
func (p *PostgresJournal) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	ctx, cancel := p.opContext()
	defer cancel()

	if _, err := p.pool.Exec(ctx, `TRUNCATE quakerelay_messages RESTART IDENTITY`); err != nil {
		return fmt.Errorf("reset journal: %w", err)
	}
	return nil
}

// Close implements Journal.
func (p *PostgresJournal) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	p.pool.Close()
	return nil
}
