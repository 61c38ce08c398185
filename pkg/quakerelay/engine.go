package quakerelay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/dispatch"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/event"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/journal"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/observability"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/reject"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/schema"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/store"
)

// Engine runs the lifecycle of every event: validate, apply, publish.
// It is safe for concurrent use.
type Engine struct {
	cfg engineConfig

	// mu is held shared by every accepting call and exclusively by Close,
	// so nothing is applied once Close has begun.
	mu     sync.RWMutex
	closed bool

	accepted atomic.Int64
	rejected atomic.Int64
	replayed atomic.Int64
}

// New creates an engine. Collaborators not set by options get defaults.
func New(opts ...Option) *Engine {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.store == nil {
		sc := cfg.storeConfig
		sc.Clock = cfg.clock
		cfg.store = store.New(sc)
	}
	if cfg.validator == nil {
		cfg.validator = schema.NewValidator(schema.WithClock(cfg.clock))
	}
	if cfg.dispatcher == nil {
		dc := cfg.dispatchConfig
		dc.Logger = cfg.logger
		dc.Metrics = cfg.metrics
		dc.Spans = cfg.spans
		cfg.dispatcher = dispatch.New(dc)
	}

	return &Engine{cfg: cfg}
}

// Submit validates one raw wire message and accepts it.
//
// On success the returned message carries the revision the store assigned
// and has already been handed to every subscriber. On failure the error is
// one of the event package's typed rejections and no state changed. After
// Close it returns dispatch.ErrClosed without touching the store.
func (e *Engine) Submit(ctx context.Context, raw []byte) (msg *event.Message, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, dispatch.ErrClosed
	}

	ctx, span := e.cfg.spans.StartSubmitSpan(ctx, len(raw))
	defer func() {
		e.cfg.spans.EndSpanWithError(span, err)
	}()

	elapsed := observability.TimedOperation()
	msg, err = e.cfg.validator.Validate(raw)
	if err != nil {
		e.reject(ctx, raw, err)
		return nil, err
	}
	e.cfg.spans.AddSpanEvent(ctx, "validated",
		attribute.String("kind", string(msg.Kind())),
		attribute.Int64("event_id", msg.EventID()),
	)

	published, _, err := e.apply(ctx, msg, raw, true, elapsed)
	if err != nil {
		return nil, err
	}
	return published, nil
}

// Accept checks a message built in code against the same field rules as
// Submit, then applies and publishes it. It returns the event's snapshot
// after the transition. msg itself is never modified; subscribers receive
// a copy carrying the assigned revision.
func (e *Engine) Accept(ctx context.Context, msg *event.Message) (event.Snapshot, error) {
	if ctx == nil {
		return event.Snapshot{}, ErrNilContext
	}
	if msg == nil || msg.Payload == nil {
		return event.Snapshot{}, ErrNilMessage
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return event.Snapshot{}, dispatch.ErrClosed
	}

	elapsed := observability.TimedOperation()
	checked, err := e.cfg.validator.Check(msg)
	if err != nil {
		e.reject(ctx, msg.Raw(), err)
		return event.Snapshot{}, err
	}
	_, snap, err := e.apply(ctx, checked, nil, true, elapsed)
	return snap, err
}

// Replay validates and applies a raw message without publishing it or
// recording a rejection. It is used to rebuild state from a journal.
func (e *Engine) Replay(ctx context.Context, raw []byte) (*event.Message, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	msg, err := e.cfg.validator.Validate(raw)
	if err != nil {
		return nil, err
	}
	out, _, err := e.apply(ctx, msg, raw, false, observability.TimedOperation())
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Restore replays every journal record in order. It stops at the first
// record that fails and reports it as a *RestoreError. Returns the number
// of records applied.
func (e *Engine) Restore(ctx context.Context, j journal.Journal) (int, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}
	n := 0
	err := j.Replay(func(rec journal.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.Replay(ctx, rec.Payload); err != nil {
			observability.LogJournalError(e.cfg.logger, "replay", rec.EventID, err)
			return &RestoreError{Sequence: rec.Sequence, EventID: rec.EventID, Err: err}
		}
		n++
		return nil
	})
	return n, err
}

// apply runs one transition. The message handed to subscribers, and
// returned, is a copy of msg stamped with the store revision.
func (e *Engine) apply(ctx context.Context, msg *event.Message, raw []byte, publish bool, elapsed func() time.Duration) (*event.Message, event.Snapshot, error) {
	logger := observability.EnrichLogger(e.cfg.logger, msg.ID, string(msg.Kind()), msg.EventID())

	var out *event.Message
	snap, err := e.cfg.store.Apply(msg.EventID(), msg.Stage(), msg.Payload, func(s event.Snapshot) {
		m := *msg
		m.Revision = s.Revision
		out = &m
		if !publish {
			return
		}
		// Publishing while the event is locked keeps subscriber order equal
		// to store order.
		if perr := e.cfg.dispatcher.Publish(out); perr != nil {
			observability.LogPublishError(logger, perr)
		}
	})
	if err != nil {
		if !publish {
			return nil, event.Snapshot{}, err
		}
		if raw == nil {
			raw = msg.Raw()
		}
		e.reject(ctx, raw, err)
		return nil, event.Snapshot{}, err
	}

	if !publish {
		e.replayed.Add(1)
		return out, snap, nil
	}

	e.accepted.Add(1)
	e.cfg.metrics.RecordAccepted(ctx, string(msg.Kind()), elapsed())
	observability.LogAccepted(logger, snap.State.String(), snap.Revision)
	return out, snap, nil
}

func (e *Engine) reject(ctx context.Context, raw []byte, err error) {
	e.rejected.Add(1)

	r := reject.NewRejection(raw, err)
	e.cfg.metrics.RecordRejected(ctx, string(r.Kind), r.Code)
	observability.LogRejected(observability.EnrichLogger(e.cfg.logger, r.ID, string(r.Kind), r.EventID), r.Code, err)

	if e.cfg.rejects != nil {
		_ = e.cfg.rejects.Enqueue(ctx, r)
	}
	if e.cfg.onReject != nil {
		e.cfg.onReject(r)
	}
}

// Snapshot returns a copy of an event's accumulated state.
// Returns store.ErrNotFound for unknown events.
func (e *Engine) Snapshot(eventID int64) (event.Snapshot, error) {
	return e.cfg.store.Get(eventID)
}

// State returns an event's lifecycle state, StateUnknown if absent.
func (e *Engine) State(eventID int64) event.State {
	return e.cfg.store.State(eventID)
}

// Subscribe registers a sink for messages accepted from now on, wrapped
// in the engine's retry policy. Returns nil after Close.
func (e *Engine) Subscribe(sink dispatch.Sink) dispatch.Subscription {
	if sink == nil {
		return nil
	}
	return e.cfg.dispatcher.Subscribe(dispatch.WithRetry(sink, e.cfg.retry))
}

// Rejections returns the reject log, nil if none was configured.
func (e *Engine) Rejections() *reject.Log {
	return e.cfg.rejects
}

// Stats summarizes the engine.
type Stats struct {
	Events      int                 `json:"events"`
	ByState     map[event.State]int `json:"by_state"`
	Accepted    int64               `json:"accepted"`
	Rejected    int64               `json:"rejected"`
	Replayed    int64               `json:"replayed"`
	Subscribers int                 `json:"subscribers"`
}

// Stats returns current counts.
func (e *Engine) Stats() Stats {
	byState := e.cfg.store.CountByState()
	events := 0
	for _, n := range byState {
		events += n
	}
	return Stats{
		Events:      events,
		ByState:     byState,
		Accepted:    e.accepted.Load(),
		Rejected:    e.rejected.Load(),
		Replayed:    e.replayed.Load(),
		Subscribers: e.cfg.dispatcher.Subscribers(),
	}
}

// Close rejects further Submit and Accept calls, waits for those in
// flight, then drains pending deliveries and stops the dispatcher.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.cfg.dispatcher.Close()
}
