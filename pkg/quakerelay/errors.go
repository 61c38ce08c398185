package quakerelay

import (
	"errors"
	"fmt"
)

// Sentinel errors for engine calls.
var (
	// ErrNilContext indicates a nil context was passed.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrNilMessage indicates Accept was called without a message.
	ErrNilMessage = errors.New("message cannot be nil")
)

// RestoreError reports the journal record that could not be replayed.
type RestoreError struct {
	// Sequence is the journal position of the record.
	Sequence int64
	// EventID is the event the record belongs to.
	EventID int64
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore record %d (event %d): %v", e.Sequence, e.EventID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RestoreError) Unwrap() error {
	return e.Err
}
