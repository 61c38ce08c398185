package event

import (
	"errors"
	"fmt"
	"strings"
)

// Rejection codes returned by Code.
const (
	CodeMalformedEnvelope = "malformed_envelope"
	CodeFieldError        = "field_error"
	CodeDuplicateEvent    = "duplicate_event"
	CodeUnknownEvent      = "unknown_event"
	CodePrematureFocal    = "premature_focal"
	CodeInternal          = "internal"
)

// MalformedEnvelopeError indicates the message is not a JSON object with
// exactly one known kind key.
type MalformedEnvelopeError struct {
	Reason string
	Keys   []string // top-level keys found, if the body was an object
}

// Error implements the error interface.
func (e *MalformedEnvelopeError) Error() string {
	if len(e.Keys) > 0 {
		return fmt.Sprintf("malformed envelope: %s (keys: %s)", e.Reason, strings.Join(e.Keys, ", "))
	}
	return fmt.Sprintf("malformed envelope: %s", e.Reason)
}

// Violation is a single failed field constraint.
type Violation struct {
	Path       string `json:"path"`
	Constraint string `json:"constraint"`
}

// String returns "path: constraint".
func (v Violation) String() string {
	return v.Path + ": " + v.Constraint
}

// FieldError carries every field constraint a payload violated.
type FieldError struct {
	Kind       Kind
	Violations []Violation
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%s: invalid fields: %s", e.Kind, strings.Join(parts, "; "))
}

// Has reports whether any violation names path.
func (e *FieldError) Has(path string) bool {
	for _, v := range e.Violations {
		if v.Path == path {
			return true
		}
	}
	return false
}

// Paths returns the offending field paths in the order they were found.
func (e *FieldError) Paths() []string {
	paths := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		paths[i] = v.Path
	}
	return paths
}

// DuplicateEventError indicates add_event for an event that already exists.
type DuplicateEventError struct {
	EventID int64
	State   State
}

// Error implements the error interface.
func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("event %d already exists (state %s)", e.EventID, e.State)
}

// UnknownEventError indicates update_location for an event never added.
type UnknownEventError struct {
	EventID int64
	Kind    Kind
}

// Error implements the error interface.
func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("%s: unknown event %d", e.Kind, e.EventID)
}

// PrematureFocalError indicates update_focal before any update_location.
type PrematureFocalError struct {
	EventID int64
	State   State
}

// Error implements the error interface.
func (e *PrematureFocalError) Error() string {
	return fmt.Sprintf("update_focal: event %d has no location yet (state %s)", e.EventID, e.State)
}

// Code classifies an error into a stable rejection code. Errors outside the
// taxonomy are CodeInternal; nil yields "".
func Code(err error) string {
	if err == nil {
		return ""
	}

	var envErr *MalformedEnvelopeError
	if errors.As(err, &envErr) {
		return CodeMalformedEnvelope
	}

	var fieldErr *FieldError
	if errors.As(err, &fieldErr) {
		return CodeFieldError
	}

	var dupErr *DuplicateEventError
	if errors.As(err, &dupErr) {
		return CodeDuplicateEvent
	}

	var unknownErr *UnknownEventError
	if errors.As(err, &unknownErr) {
		return CodeUnknownEvent
	}

	var focalErr *PrematureFocalError
	if errors.As(err, &focalErr) {
		return CodePrematureFocal
	}

	return CodeInternal
}

// IsRejection reports whether err belongs to the rejection taxonomy, as
// opposed to an internal failure.
func IsRejection(err error) bool {
	c := Code(err)
	return c != "" && c != CodeInternal
}
