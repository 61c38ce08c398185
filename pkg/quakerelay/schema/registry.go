package schema

import (
	"fmt"
	"slices"
	"sync"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/event"
)

// DecodeFunc builds a payload from a decoded object, recording every
// violation in f. The returned payload is discarded when f has violations.
type DecodeFunc func(f *Fields) event.Payload

// Schema describes one wire message kind.
type Schema struct {
	// Kind is the envelope key (e.g., "add_event").
	Kind event.Kind

	// Description explains the message's purpose.
	Description string

	// Decode validates and converts the payload object.
	Decode DecodeFunc
}

// Registry maps envelope keys to schemas. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[event.Kind]*Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[event.Kind]*Schema),
	}
}

// NewDefaultRegistry creates a registry holding the three lifecycle kinds.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range []*Schema{
		{
			Kind:        event.KindAddEvent,
			Description: "initial detection with preliminary location and associated picks",
			Decode:      decodeDetection,
		},
		{
			Kind:        event.KindUpdateLocation,
			Description: "relocated hypocenter, magnitude and per-station geometry",
			Decode:      decodeLocation,
		},
		{
			Kind:        event.KindUpdateFocal,
			Description: "focal mechanism solution",
			Decode:      decodeFocal,
		},
	} {
		r.MustRegister(s)
	}
	return r
}

// Register adds a schema, replacing any schema with the same kind.
func (r *Registry) Register(s *Schema) error {
	if s.Kind == "" {
		return fmt.Errorf("schema kind is required")
	}
	if s.Decode == nil {
		return fmt.Errorf("schema %s: decode function is required", s.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Kind] = s
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(s *Schema) {
	if err := r.Register(s); err != nil {
		panic(fmt.Sprintf("failed to register schema: %v", err))
	}
}

// Get returns the schema for a kind.
func (r *Registry) Get(kind event.Kind) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[kind]
	return s, ok
}

// Has returns true if a schema exists for the kind.
func (r *Registry) Has(kind event.Kind) bool {
	_, ok := r.Get(kind)
	return ok
}

// Kinds returns all registered kinds, sorted.
func (r *Registry) Kinds() []event.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]event.Kind, 0, len(r.schemas))
	for k := range r.schemas {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
