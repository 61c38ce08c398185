// Package observability provides structured logging, metrics and tracing
// for quakerelay.
//
// Logging uses slog. Metrics and tracing use OpenTelemetry and read the
// global providers, so callers configure those once at startup. Every
// feature has a no-op variant for when it is disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds message context to a logger.
// Returns nil when logger is nil.
//
// Example:
//
//	l := EnrichLogger(logger, "msg-1", "add_event", 123)
//	l.Info("applied") // includes message_id, kind, event_id
func EnrichLogger(logger *slog.Logger, messageID, kind string, eventID int64) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("message_id", messageID),
		slog.String("kind", kind),
		slog.Int64("event_id", eventID),
	)
}

// LogAccepted logs an accepted lifecycle message. The logger is expected
// to come from EnrichLogger.
func LogAccepted(logger *slog.Logger, state string, revision uint64) {
	if logger == nil {
		return
	}
	logger.Info("message accepted",
		slog.String("state", state),
		slog.Uint64("revision", revision),
	)
}

// LogRejected logs a rejected message. Rejections are expected traffic, so
// they log at Warn.
func LogRejected(logger *slog.Logger, code string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("message rejected",
		slog.String("code", code),
		slog.String("error", err.Error()),
	)
}

// LogPublishError logs an accepted message that could not be handed to
// the dispatcher. State is already updated; only delivery is lost.
func LogPublishError(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Error("publish failed", slog.String("error", err.Error()))
}

// LogDelivery logs a successful delivery to a subscriber.
func LogDelivery(logger *slog.Logger, subscriber, messageID string, elapsed time.Duration) {
	if logger == nil {
		return
	}
	logger.Debug("message delivered",
		slog.String("subscriber", subscriber),
		slog.String("message_id", messageID),
		slog.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
	)
}

// LogSinkError logs a failed delivery. The failure is isolated to the sink.
func LogSinkError(logger *slog.Logger, subscriber, messageID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("delivery failed",
		slog.String("subscriber", subscriber),
		slog.String("message_id", messageID),
		slog.String("error", err.Error()),
	)
}

// LogDropped logs a message discarded because a mailbox was full.
func LogDropped(logger *slog.Logger, subscriber, messageID string, pending int) {
	if logger == nil {
		return
	}
	logger.Warn("message dropped",
		slog.String("subscriber", subscriber),
		slog.String("message_id", messageID),
		slog.Int("pending", pending),
	)
}

// LogJournalError logs a journal failure (non-fatal).
func LogJournalError(logger *slog.Logger, op string, eventID int64, err error) {
	if logger == nil {
		return
	}
	logger.Error("journal failed",
		slog.String("operation", op),
		slog.Int64("event_id", eventID),
		slog.String("error", err.Error()),
	)
}

// TimedOperation starts a timer. The returned function reports the time
// elapsed since the call.
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
