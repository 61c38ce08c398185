/*
Package quakerelay validates seismic event lifecycle messages, keeps the
authoritative state of every event and relays accepted messages to
subscribers in order.

# Overview

An earthquake is reported in three stages, each carried by one JSON message
with a single top-level key:

	{"add_event": {...}}        detection: origin, picks, optional magnitude
	{"update_location": {...}}  relocation: refined origin and magnitude
	{"update_focal": {...}}     focal mechanism: strike, dip, rake

The Engine validates each message (package schema), applies it to the event
table (package store) under the lifecycle state machine, and publishes it
to subscribers (package dispatch). Messages that fail any step are rejected
with a typed error from package event and never touch stored state.

# Basic Usage

	engine := quakerelay.New(
	    quakerelay.WithLogger(slog.Default()),
	)
	defer engine.Close()

	engine.Subscribe(dispatch.SinkFunc("ui", func(ctx context.Context, msg *event.Message) error {
	    return ws.WriteJSON(msg) // msg encodes as its wire envelope
	}))

	msg, err := engine.Submit(ctx, raw)
	if err != nil {
	    switch event.Code(err) {
	    case event.CodeFieldError, event.CodeMalformedEnvelope:
	        // bad producer input
	    case event.CodePrematureFocal, event.CodeUnknownEvent:
	        // out-of-order delivery upstream
	    }
	}

# Lifecycle

	Unknown --add_event--> Detected --update_location--> Located --update_focal--> Mechanized

add_event is create-only. update_location and update_focal may repeat; the
latest one wins. Messages that skip a stage are rejected, not buffered.

# Ordering

Transitions for one event are serialized; distinct events are applied in
parallel. Each accepted message is handed to the dispatcher while its event
is still locked, and every subscriber drains its own FIFO mailbox, so all
subscribers see one event's messages in acceptance order.

# Persistence

Subscribe a journal (package journal) to record accepted messages, and call
Restore on a fresh engine to rebuild state from it without re-publishing.
*/
package quakerelay
