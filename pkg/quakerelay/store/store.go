// Package store holds the authoritative lifecycle state of every event.
//
// The table is sharded by event ID and each event has its own lock, so
// transitions for one event are serialized while distinct events proceed in
// parallel. Snapshots handed out are deep copies; callers can never mutate
// stored state.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/event"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no event with the given ID exists.
	ErrNotFound = errors.New("event not found")

	// ErrPayloadMismatch indicates the payload's event ID or stage disagrees
	// with the Apply arguments.
	ErrPayloadMismatch = errors.New("payload does not match event id or stage")
)

// ConflictError reports a stage that cannot legally follow the event's
// current state. Err is one of *event.DuplicateEventError,
// *event.UnknownEventError or *event.PrematureFocalError.
type ConflictError struct {
	EventID int64
	Stage   event.Stage
	Current event.State
	Err     error
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("apply %s to event %d in state %s: %v", e.Stage, e.EventID, e.Current, e.Err)
}

// Unwrap returns the lifecycle error.
func (e *ConflictError) Unwrap() error {
	return e.Err
}

// CommitFunc observes a successful Apply. It runs while the event is still
// locked, so calls for one event happen in revision order. It must not call
// back into the store for the same event.
type CommitFunc func(snap event.Snapshot)

// Config configures a Store.
type Config struct {
	// Shards is the number of independently locked partitions.
	// Default: 32
	Shards int

	// Clock stamps CreatedAt/UpdatedAt.
	// Default: time.Now().UTC()
	Clock func() time.Time
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Shards: 32,
}

// Store is the in-memory event table.
type Store struct {
	shards []*shard
	clock  func() time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[int64]*entry
}

type entry struct {
	mu   sync.Mutex
	snap event.Snapshot
}

// New creates an empty store.
func New(cfg Config) *Store {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig.Shards
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	s := &Store{
		shards: make([]*shard, cfg.Shards),
		clock:  cfg.Clock,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[int64]*entry)}
	}
	return s
}

func (s *Store) shardFor(id int64) *shard {
	return s.shards[uint64(id)%uint64(len(s.shards))]
}

func (s *Store) lookup(id int64) *entry {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.entries[id]
}

// Get returns a copy of the event's current snapshot.
func (s *Store) Get(id int64) (event.Snapshot, error) {
	e := s.lookup(id)
	if e == nil {
		return event.Snapshot{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.Clone(), nil
}

// State returns the event's lifecycle state, StateUnknown if absent.
func (s *Store) State(id int64) event.State {
	e := s.lookup(id)
	if e == nil {
		return event.StateUnknown
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.State
}

// Apply merges a stage payload into the event's snapshot.
//
// Detection creates the event and fails if it already exists. Location
// requires an existing event and may repeat. FocalMechanism requires a
// location and may repeat; each one fully replaces the previous solution.
// On success commit (if non-nil) is called with the new snapshot before the
// event is unlocked. On failure nothing is changed.
func (s *Store) Apply(id int64, stage event.Stage, payload event.Payload, commit CommitFunc) (event.Snapshot, error) {
	if payload == nil || payload.ID() != id || payload.Stage() != stage {
		return event.Snapshot{}, fmt.Errorf("%w: event %d stage %s", ErrPayloadMismatch, id, stage)
	}

	switch p := payload.(type) {
	case event.Detection:
		return s.create(p, commit)
	case event.Location, event.FocalMechanism:
		return s.update(id, p, commit)
	default:
		return event.Snapshot{}, fmt.Errorf("unsupported payload %T", payload)
	}
}

func (s *Store) create(d event.Detection, commit CommitFunc) (event.Snapshot, error) {
	sh := s.shardFor(d.EventID)
	sh.mu.Lock()
	if existing, ok := sh.entries[d.EventID]; ok {
		sh.mu.Unlock()
		existing.mu.Lock()
		state := existing.snap.State
		existing.mu.Unlock()
		return event.Snapshot{}, &ConflictError{
			EventID: d.EventID,
			Stage:   event.StageDetection,
			Current: state,
			Err:     &event.DuplicateEventError{EventID: d.EventID, State: state},
		}
	}

	now := s.clock()
	e := &entry{snap: event.Snapshot{
		EventID:   d.EventID,
		State:     event.StateDetected,
		Revision:  1,
		Detection: event.CloneDetection(d),
		CreatedAt: now,
		UpdatedAt: now,
	}}
	// Hold the entry until commit has run so a concurrent update cannot
	// overtake the creation.
	e.mu.Lock()
	sh.entries[d.EventID] = e
	sh.mu.Unlock()
	defer e.mu.Unlock()

	out := e.snap.Clone()
	if commit != nil {
		commit(out)
	}
	return out, nil
}

func (s *Store) update(id int64, payload event.Payload, commit CommitFunc) (event.Snapshot, error) {
	e := s.lookup(id)
	if e == nil {
		return event.Snapshot{}, missing(id, payload.Stage())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.snap
	switch p := payload.(type) {
	case event.Location:
		l := event.CloneLocation(p)
		next.Location = &l
		if next.State < event.StateLocated {
			next.State = event.StateLocated
		}

	case event.FocalMechanism:
		if next.State < event.StateLocated {
			return event.Snapshot{}, &ConflictError{
				EventID: id,
				Stage:   event.StageFocalMechanism,
				Current: next.State,
				Err:     &event.PrematureFocalError{EventID: id, State: next.State},
			}
		}
		if limit := next.PolarityPicks(); p.NumOfPolarity > limit {
			return event.Snapshot{}, &event.FieldError{
				Kind: event.KindUpdateFocal,
				Violations: []event.Violation{{
					Path:       "num_of_polarity",
					Constraint: fmt.Sprintf("must be <= %d, the P picks with + or - polarity", limit),
				}},
			}
		}
		f := p
		next.Focal = &f
		next.FocalUpdates++
		next.State = event.StateMechanized
	}

	next.Revision++
	next.UpdatedAt = s.clock()
	e.snap = next

	out := next.Clone()
	if commit != nil {
		commit(out)
	}
	return out, nil
}

func missing(id int64, stage event.Stage) error {
	var err error
	if stage == event.StageFocalMechanism {
		err = &event.PrematureFocalError{EventID: id, State: event.StateUnknown}
	} else {
		err = &event.UnknownEventError{EventID: id, Kind: stage.Kind()}
	}
	return &ConflictError{EventID: id, Stage: stage, Current: event.StateUnknown, Err: err}
}

// Len returns the number of events held.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Range calls fn with a copy of every snapshot until fn returns false.
// Order is unspecified. Events added during iteration may be missed.
func (s *Store) Range(fn func(event.Snapshot) bool) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		entries := make([]*entry, 0, len(sh.entries))
		for _, e := range sh.entries {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()

		for _, e := range entries {
			e.mu.Lock()
			snap := e.snap.Clone()
			e.mu.Unlock()
			if !fn(snap) {
				return
			}
		}
	}
}

// CountByState returns the number of events in each lifecycle state.
func (s *Store) CountByState() map[event.State]int {
	counts := make(map[event.State]int)
	s.Range(func(snap event.Snapshot) bool {
		counts[snap.State]++
		return true
	})
	return counts
}
