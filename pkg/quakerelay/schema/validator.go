// Package schema validates raw wire messages against the per-kind field
// constraints and turns them into typed event messages.
//
// Validation is pure: it reads nothing but its input and the registry, and
// is safe to call from any number of goroutines.
//
//	msg, err := schema.Validate(raw)
//	var fe *event.FieldError
//	if errors.As(err, &fe) {
//	    for _, v := range fe.Violations {
//	        log.Printf("%s: %s", v.Path, v.Constraint)
//	    }
//	}
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/event"
)

// Validator checks raw messages against a registry.
type Validator struct {
	registry *Registry
	clock    func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithRegistry sets the schema registry (default: NewDefaultRegistry()).
func WithRegistry(r *Registry) Option {
	return func(v *Validator) {
		v.registry = r
	}
}

// WithClock sets the clock used for Message.ReceivedAt.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.clock = now
	}
}

// NewValidator creates a validator.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		registry: NewDefaultRegistry(),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var defaultValidator = NewValidator()

// Validate checks raw against the default registry.
func Validate(raw []byte) (*event.Message, error) {
	return defaultValidator.Validate(raw)
}

// Validate checks one wire message.
//
// Envelope problems stop validation immediately with a
// *event.MalformedEnvelopeError. Field problems are collected across the
// whole payload and returned together as a *event.FieldError.
func (v *Validator) Validate(raw []byte) (*event.Message, error) {
	s, body, err := v.envelope(raw)
	if err != nil {
		return nil, err
	}

	obj, err := decodeObject(body)
	if err != nil {
		return nil, &event.MalformedEnvelopeError{Reason: fmt.Sprintf("decode %s payload: %v", s.Kind, err)}
	}

	f := NewFields(obj)
	payload := s.Decode(f)
	if vs := f.Violations(); len(vs) > 0 {
		return nil, &event.FieldError{Kind: s.Kind, Violations: vs}
	}
	if payload == nil || payload.Kind() != s.Kind {
		return nil, fmt.Errorf("schema %s: decoder returned mismatched payload %T", s.Kind, payload)
	}

	return event.NewMessage(payload, event.WithReceivedAt(v.clock())), nil
}

// Check runs the same rules as Validate over a message built in code.
// It returns a copy carrying the checked payload and a zero revision;
// msg is left untouched.
func (v *Validator) Check(msg *event.Message) (*event.Message, error) {
	raw, err := msg.MarshalJSON()
	if err != nil {
		return nil, &event.MalformedEnvelopeError{Reason: fmt.Sprintf("encode %s payload: %v", msg.Kind(), err)}
	}
	checked, err := v.Validate(raw)
	if err != nil {
		return nil, err
	}
	out := *msg
	out.Payload = checked.Payload
	out.Revision = 0
	return &out, nil
}

// envelope checks the top-level shape without decoding the payload.
func (v *Validator) envelope(raw []byte) (*Schema, []byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, nil, &event.MalformedEnvelopeError{Reason: "invalid JSON"}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, nil, &event.MalformedEnvelopeError{Reason: "top level must be an object"}
	}

	var (
		keys []string
		body gjson.Result
	)
	root.ForEach(func(k, val gjson.Result) bool {
		keys = append(keys, k.String())
		body = val
		return true
	})
	if len(keys) != 1 {
		return nil, nil, &event.MalformedEnvelopeError{
			Reason: fmt.Sprintf("expected exactly one of %v, found %d keys", v.registry.Kinds(), len(keys)),
			Keys:   keys,
		}
	}

	s, ok := v.registry.Get(event.Kind(keys[0]))
	if !ok {
		return nil, nil, &event.MalformedEnvelopeError{
			Reason: fmt.Sprintf("unknown message kind %q", keys[0]),
			Keys:   keys,
		}
	}
	if !body.IsObject() {
		return nil, nil, &event.MalformedEnvelopeError{
			Reason: fmt.Sprintf("%s payload must be an object", s.Kind),
			Keys:   keys,
		}
	}
	return s, []byte(body.Raw), nil
}

func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}
