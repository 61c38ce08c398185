package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHandler captures log records as JSON lines.
type testHandler struct {
	buf   *bytes.Buffer
	attrs []slog.Attr
}

func newTestHandler() *testHandler {
	return &testHandler{buf: &bytes.Buffer{}}
}

func (h *testHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *testHandler) Handle(_ context.Context, r slog.Record) error {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
	}
	for _, attr := range h.attrs {
		data[attr.Key] = attr.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})
	return json.NewEncoder(h.buf).Encode(data)
}

func (h *testHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &testHandler{buf: h.buf, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *testHandler) WithGroup(string) slog.Handler { return h }

func (h *testHandler) lastRecord() map[string]any {
	lines := bytes.Split(bytes.TrimSpace(h.buf.Bytes()), []byte("\n"))
	if len(lines) == 0 || len(lines[len(lines)-1]) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(lines[len(lines)-1], &m); err != nil {
		return nil
	}
	return m
}

func TestEnrichLogger(t *testing.T) {
	t.Run("adds message context", func(t *testing.T) {
		h := newTestHandler()
		enriched := EnrichLogger(slog.New(h), "msg-1", "add_event", 123)
		enriched.Info("hello")

		record := h.lastRecord()
		require.NotNil(t, record)
		assert.Equal(t, "msg-1", record["message_id"])
		assert.Equal(t, "add_event", record["kind"])
		assert.Equal(t, float64(123), record["event_id"])
	})

	t.Run("nil logger returns nil", func(t *testing.T) {
		assert.Nil(t, EnrichLogger(nil, "msg-1", "add_event", 1))
	})
}

func TestLogAccepted(t *testing.T) {
	h := newTestHandler()
	LogAccepted(EnrichLogger(slog.New(h), "msg-2", "update_location", 7), "Located", 2)

	record := h.lastRecord()
	require.NotNil(t, record)
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "msg-2", record["message_id"])
	assert.Equal(t, float64(7), record["event_id"])
	assert.Equal(t, "message accepted", record["msg"])
	assert.Equal(t, "Located", record["state"])
	assert.Equal(t, float64(2), record["revision"])

	assert.NotPanics(t, func() {
		LogAccepted(EnrichLogger(nil, "msg", "add_event", 1), "Detected", 1)
	})
}

func TestLogRejected(t *testing.T) {
	h := newTestHandler()
	LogRejected(EnrichLogger(slog.New(h), "rej-1", "update_focal", 9), "premature_focal", errors.New("no location"))

	record := h.lastRecord()
	require.NotNil(t, record)
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "update_focal", record["kind"])
	assert.Equal(t, "premature_focal", record["code"])
	assert.Equal(t, "no location", record["error"])

	assert.NotPanics(t, func() {
		LogRejected(nil, "premature_focal", errors.New("x"))
	})
}

func TestLogDispatchHelpers(t *testing.T) {
	h := newTestHandler()
	logger := slog.New(h)

	LogDelivery(logger, "ui", "msg-3", 1500*time.Microsecond)
	record := h.lastRecord()
	assert.Equal(t, "DEBUG", record["level"])
	assert.Equal(t, 1.5, record["duration_ms"])

	LogSinkError(logger, "ui", "msg-3", errors.New("closed"))
	record = h.lastRecord()
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "delivery failed", record["msg"])
	assert.Equal(t, "ui", record["subscriber"])

	LogDropped(logger, "ui", "msg-4", 10)
	record = h.lastRecord()
	assert.Equal(t, "message dropped", record["msg"])
	assert.Equal(t, float64(10), record["pending"])

	LogPublishError(logger, errors.New("dispatcher is closed"))
	record = h.lastRecord()
	assert.Equal(t, "ERROR", record["level"])
	assert.Equal(t, "publish failed", record["msg"])

	LogJournalError(logger, "append", 4, errors.New("disk full"))
	record = h.lastRecord()
	assert.Equal(t, "ERROR", record["level"])
	assert.Equal(t, "append", record["operation"])

	assert.NotPanics(t, func() {
		LogDelivery(nil, "ui", "m", 0)
		LogSinkError(nil, "ui", "m", errors.New("x"))
		LogDropped(nil, "ui", "m", 0)
		LogJournalError(nil, "append", 0, errors.New("x"))
		LogPublishError(nil, errors.New("x"))
	})
}

func TestTimedOperation(t *testing.T) {
	elapsed := TimedOperation()
	time.Sleep(2 * time.Millisecond)
	assert.GreaterOrEqual(t, elapsed(), 2*time.Millisecond)
}
