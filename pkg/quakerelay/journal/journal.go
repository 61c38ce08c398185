// Package journal records accepted lifecycle messages so a relay can
// rebuild its state after a restart.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/dispatch"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/event"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/observability"
)

// Journal is an append-only log of accepted messages.
// Implementations must be safe for concurrent use.
type Journal interface {
	// Append stores a record. Returns ErrDuplicate if the event already has
	// a record at that revision.
	Append(rec Record) error

	// List returns one event's records ordered by revision.
	// Returns an empty slice (not error) for unknown events.
	List(eventID int64) ([]Record, error)

	// Replay calls fn for every record in append order, stopping at the
	// first error. fn must not write to the journal.
	Replay(fn func(Record) error) error

	// Len returns the number of records.
	Len() (int, error)

	// Reset removes every record.
	Reset() error

	// Close releases any resources (connections, files).
	Close() error
}

// Record is one accepted message.
type Record struct {
	Sequence   int64      `json:"sequence"`
	EventID    int64      `json:"event_id"`
	Revision   uint64     `json:"revision"`
	Kind       event.Kind `json:"kind"`
	MessageID  string     `json:"message_id"`
	Payload    []byte     `json:"payload"`
	AcceptedAt time.Time  `json:"accepted_at"`
}

// Sentinel errors for journal operations.
var (
	// ErrDuplicate indicates a record for (event_id, revision) exists.
	ErrDuplicate = errors.New("journal record already exists")

	// ErrClosed indicates the journal has been closed.
	ErrClosed = errors.New("journal closed")
)

// RecordFromMessage encodes an accepted message as a record. Payload holds
// the wire envelope, so replaying it through validation reproduces the
// message.
func RecordFromMessage(msg *event.Message) (Record, error) {
	if msg == nil || msg.Payload == nil {
		return Record{}, errors.New("journal: empty message")
	}
	raw, err := msg.MarshalJSON()
	if err != nil {
		return Record{}, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return Record{
		EventID:    msg.EventID(),
		Revision:   msg.Revision,
		Kind:       msg.Kind(),
		MessageID:  msg.ID,
		Payload:    raw,
		AcceptedAt: msg.ReceivedAt,
	}, nil
}

type sink struct {
	j      Journal
	logger *slog.Logger
}

// SinkOption configures a journal sink.
type SinkOption func(*sink)

// WithSinkLogger logs failed appends. Nil disables logging.
func WithSinkLogger(logger *slog.Logger) SinkOption {
	return func(s *sink) {
		s.logger = logger
	}
}

// Sink subscribes a journal to a dispatcher. Every delivered message is
// appended in delivery order. Duplicates and encoding failures are
// permanent, so retrying dispatchers skip them.
func Sink(j Journal, opts ...SinkOption) dispatch.Sink {
	s := &sink{j: j}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *sink) Name() string { return "journal" }

func (s *sink) Deliver(_ context.Context, msg *event.Message) error {
	rec, err := RecordFromMessage(msg)
	if err != nil {
		var eventID int64
		if msg != nil && msg.Payload != nil {
			eventID = msg.EventID()
		}
		observability.LogJournalError(s.logger, "encode", eventID, err)
		return dispatch.Permanent(err)
	}
	err = s.j.Append(rec)
	if err != nil {
		observability.LogJournalError(s.logger, "append", rec.EventID, err)
	}
	if errors.Is(err, ErrDuplicate) || errors.Is(err, ErrClosed) {
		return dispatch.Permanent(err)
	}
	return err
}

// Open picks a journal by dsn: "" is in-memory, a postgres:// or
// postgresql:// URL is PostgreSQL, anything else is a SQLite path.
func Open(ctx context.Context, dsn string) (Journal, error) {
	switch {
	case dsn == "":
		return NewMemoryJournal(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresJournal(ctx, dsn)
	default:
		return NewSQLiteJournal(dsn)
	}
}
