package journal

import (
	"sort"
	"sync"
	"time"
)

type recordKey struct {
	eventID  int64
	revision uint64
}

// MemoryJournal is an in-memory journal for testing.
// Data is lost when the process exits.
type MemoryJournal struct {
	mu      sync.RWMutex
	records []Record
	index   map[recordKey]int
	closed  bool
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{index: make(map[recordKey]int)}
}

// Append implements Journal.
func (m *MemoryJournal) Append(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	key := recordKey{rec.EventID, rec.Revision}
	if _, ok := m.index[key]; ok {
		return ErrDuplicate
	}

	rec.Sequence = int64(len(m.records) + 1)
	rec.Payload = append([]byte(nil), rec.Payload...)
	if rec.AcceptedAt.IsZero() {
		rec.AcceptedAt = time.Now().UTC()
	}
	m.index[key] = len(m.records)
	m.records = append(m.records, rec)
	return nil
}

// List implements Journal.
func (m *MemoryJournal) List(eventID int64) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	result := []Record{}
	for _, rec := range m.records {
		if rec.EventID == eventID {
			result = append(result, rec)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Revision < result[j].Revision
	})
	return result, nil
}

// Replay implements Journal.
func (m *MemoryJournal) Replay(fn func(Record) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	records := append([]Record(nil), m.records...)
	m.mu.RUnlock()

	for _, rec := range records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Len implements Journal.
func (m *MemoryJournal) Len() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.records), nil
}

// Reset implements Journal.
func (m *MemoryJournal) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records = nil
	m.index = make(map[recordKey]int)
	return nil
}

// Close implements Journal.
func (m *MemoryJournal) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = nil
	m.index = nil
	return nil
}
