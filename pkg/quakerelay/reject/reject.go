// Package reject keeps a bounded log of rejected lifecycle messages so
// operators and transports can inspect or relay NACKs after the fact.
package reject

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/event"
)

// Rejection records one rejected message.
type Rejection struct {
	ID         string            `json:"id"`
	Kind       event.Kind        `json:"kind,omitempty"`
	EventID    int64             `json:"event_id"`
	HasEventID bool              `json:"has_event_id"`
	Code       string            `json:"code"`
	Error      string            `json:"error"`
	Violations []event.Violation `json:"violations,omitempty"`
	Raw        []byte            `json:"raw,omitempty"`
	Truncated  bool              `json:"truncated,omitempty"`
	RejectedAt time.Time         `json:"rejected_at"`
}

// NewRejection builds a rejection from the raw body and the error that
// rejected it. When the body never validated, kind and event_id are read
// best-effort from the envelope; HasEventID is false when the body carried
// no integer event_id.
func NewRejection(raw []byte, err error) *Rejection {
	r := &Rejection{
		ID:         uuid.NewString(),
		Code:       event.Code(err),
		RejectedAt: time.Now().UTC(),
	}
	if err != nil {
		r.Error = err.Error()
	}

	var fieldErr *event.FieldError
	if errors.As(err, &fieldErr) {
		r.Violations = append([]event.Violation(nil), fieldErr.Violations...)
	}

	r.Kind, r.EventID, r.HasEventID = peek(raw)
	r.Raw = raw
	return r
}

// peek returns the envelope kind and payload event_id if the body is
// shaped well enough to have them.
func peek(raw []byte) (kind event.Kind, id int64, ok bool) {
	if !gjson.ValidBytes(raw) {
		return "", 0, false
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return "", 0, false
	}

	root.ForEach(func(key, value gjson.Result) bool {
		kind = event.Kind(key.String())
		if v := value.Get("event_id"); v.Type == gjson.Number && v.Num == math.Trunc(v.Num) {
			id, ok = v.Int(), true
		}
		return false
	})
	return kind, id, ok
}

// Config configures the rejection log.
type Config struct {
	// MaxSize limits retained rejections. The oldest is evicted first.
	// Default: 1000
	MaxSize int

	// MaxRawBytes caps the stored copy of each raw body.
	// Default: 4096
	MaxRawBytes int

	// OnEnqueue is called when a rejection is added.
	OnEnqueue func(*Rejection)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxSize:     1000,
	MaxRawBytes: 4096,
}

// Log is an in-memory bounded rejection log.
type Log struct {
	mu      sync.RWMutex
	entries []*Rejection
	cfg     Config

	total   int64
	evicted int64
}

// NewLog creates a rejection log.
func NewLog(cfg Config) *Log {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig.MaxSize
	}
	if cfg.MaxRawBytes <= 0 {
		cfg.MaxRawBytes = DefaultConfig.MaxRawBytes
	}
	return &Log{cfg: cfg}
}

// Enqueue adds a rejection, evicting the oldest when full. The raw body is
// copied so the caller may reuse its buffer.
func (l *Log) Enqueue(_ context.Context, r *Rejection) error {
	if r == nil {
		return errors.New("nil rejection")
	}

	raw := r.Raw
	if len(raw) > l.cfg.MaxRawBytes {
		raw = raw[:l.cfg.MaxRawBytes]
		r.Truncated = true
	}
	r.Raw = append([]byte(nil), raw...)

	l.mu.Lock()
	if len(l.entries) >= l.cfg.MaxSize {
		l.entries[0] = nil
		l.entries = l.entries[1:]
		l.evicted++
	}
	l.entries = append(l.entries, r)
	l.total++
	l.mu.Unlock()

	if l.cfg.OnEnqueue != nil {
		l.cfg.OnEnqueue(r)
	}
	return nil
}

// List returns up to limit of the most recent rejections, oldest first.
// A limit <= 0 returns everything retained.
func (l *Log) List(_ context.Context, limit int) ([]*Rejection, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if limit > 0 && limit < len(l.entries) {
		start = len(l.entries) - limit
	}
	return append([]*Rejection(nil), l.entries[start:]...), nil
}

// ListByEvent returns retained rejections for one event, oldest first.
// Rejections without an event_id never match.
func (l *Log) ListByEvent(_ context.Context, eventID int64) ([]*Rejection, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*Rejection
	for _, r := range l.entries {
		if r.HasEventID && r.EventID == eventID {
			result = append(result, r)
		}
	}
	return result, nil
}

// Count returns the number of retained rejections.
func (l *Log) Count(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// CountByCode returns retained rejections grouped by code.
func (l *Log) CountByCode(_ context.Context) (map[string]int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := make(map[string]int)
	for _, r := range l.entries {
		counts[r.Code]++
	}
	return counts, nil
}

// Clear drops every retained rejection. Totals are kept.
func (l *Log) Clear(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	return nil
}

// Stats returns log statistics.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		Size:    len(l.entries),
		Total:   l.total,
		Evicted: l.evicted,
	}
}

// Stats provides statistics about the log.
type Stats struct {
	Size    int   // Currently retained
	Total   int64 // Total rejections enqueued
	Evicted int64 // Total evicted to stay within MaxSize
}
