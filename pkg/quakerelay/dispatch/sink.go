// Package dispatch fans accepted lifecycle messages out to subscribers.
//
// Every subscription owns an unbounded FIFO mailbox drained by its own
// goroutine. Publish only appends to mailboxes, so it never blocks on a
// subscriber, and a slow or failing sink delays nobody but itself.
// Messages published in some order are delivered to each subscriber in
// that order.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/event"
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("dispatcher is closed")

	// ErrLagging is reported for a subscription cut off because its
	// mailbox reached MaxPending.
	ErrLagging = errors.New("subscriber fell behind and was cut off")
)

// Sink receives messages for one subscriber.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Deliver handles one message. An error is reported but does not stop
	// later deliveries.
	Deliver(ctx context.Context, msg *event.Message) error
}

// DeliverFunc is the function form of Sink.Deliver.
type DeliverFunc func(ctx context.Context, msg *event.Message) error

type funcSink struct {
	name string
	fn   DeliverFunc
}

func (s funcSink) Name() string { return s.name }

func (s funcSink) Deliver(ctx context.Context, msg *event.Message) error {
	return s.fn(ctx, msg)
}

// SinkFunc wraps a function as a named Sink.
func SinkFunc(name string, fn DeliverFunc) Sink {
	return funcSink{name: name, fn: fn}
}

// PanicError reports a sink that panicked during Deliver.
type PanicError struct {
	Sink  string
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("sink %s panicked: %v", e.Sink, e.Value)
}

// ForKinds wraps sink so it only sees messages of the given kinds. Other
// messages are acknowledged without reaching it. With no kinds, sink is
// returned unchanged.
func ForKinds(sink Sink, kinds ...event.Kind) Sink {
	if len(kinds) == 0 {
		return sink
	}
	set := make(map[event.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return kindSink{sink: sink, kinds: set}
}

type kindSink struct {
	sink  Sink
	kinds map[event.Kind]struct{}
}

func (s kindSink) Name() string { return s.sink.Name() }

func (s kindSink) Deliver(ctx context.Context, msg *event.Message) error {
	if _, ok := s.kinds[msg.Kind()]; !ok {
		return nil
	}
	return s.sink.Deliver(ctx, msg)
}
