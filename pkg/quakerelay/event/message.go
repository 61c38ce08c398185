package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is a validated wire message. Payload is never nil.
//
// Revision is zero until the engine accepts the message; it then holds the
// per-event revision the store assigned, so subscribers can detect gaps.
type Message struct {
	ID         string
	Payload    Payload
	ReceivedAt time.Time
	Revision   uint64
}

// MessageOption configures message creation.
type MessageOption func(*Message)

// WithMessageID sets a specific message ID (default: random UUID).
func WithMessageID(id string) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

// WithReceivedAt sets the receive time (default: time.Now().UTC()).
func WithReceivedAt(t time.Time) MessageOption {
	return func(m *Message) {
		m.ReceivedAt = t
	}
}

// NewMessage wraps a payload in a message.
func NewMessage(p Payload, opts ...MessageOption) *Message {
	m := &Message{
		ID:         uuid.NewString(),
		Payload:    p,
		ReceivedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Kind returns the wire kind of the payload.
func (m *Message) Kind() Kind {
	return m.Payload.Kind()
}

// Stage returns the lifecycle stage of the payload.
func (m *Message) Stage() Stage {
	return m.Payload.Stage()
}

// EventID returns the event the message refers to.
func (m *Message) EventID() int64 {
	return m.Payload.ID()
}

// MarshalJSON encodes the message as its wire envelope: a single-key object
// whose key is the message kind.
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[Kind]Payload{m.Payload.Kind(): m.Payload})
}

// Raw returns the wire encoding of the message, or nil if it cannot be
// encoded.
func (m *Message) Raw() []byte {
	b, err := m.MarshalJSON()
	if err != nil {
		return nil
	}
	return b
}
