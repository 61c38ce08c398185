package quakerelay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/config"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/dispatch"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/event"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/journal"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/reject"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/schema"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/store"
)

func addEvent(id int64) []byte {
	return []byte(fmt.Sprintf(`{"add_event": {
		"event_id": %d,
		"event_time": "2024-04-02T23:58:09.123",
		"longitude": 121.5623,
		"latitude": 23.8871,
		"depth_km": 12.34,
		"magnitude": null,
		"num_picks": 3,
		"num_p_picks": 2,
		"num_s_picks": 1,
		"associated_picks": {
			"SHUL": {
				"P": {"phase_time": "2024-04-02T23:58:12.456", "phase_score": 0.91, "polarity": "+"},
				"S": {"phase_time": "2024-04-02T23:58:15.789", "phase_score": 0.77}
			},
			"TWKB": {
				"P": {"phase_time": "2024-04-02T23:58:13.010", "phase_score": 0.65, "polarity": "-"}
			}
		}
	}}`, id))
}

func updateLocation(id int64, magnitude float64) []byte {
	return []byte(fmt.Sprintf(`{"update_location": {
		"event_id": %d,
		"longitude": 121.5701,
		"latitude": 23.8802,
		"depth_km": 10.5,
		"magnitude": %g,
		"associated_picks": {
			"SHUL": {"P": {"distance_km": 12.3, "azimuth": 45.6, "takeoff_angle": 120.1, "magnitude": null}}
		}
	}}`, id, magnitude))
}

func updateFocal(id int64, strike float64) []byte {
	return []byte(fmt.Sprintf(`{"update_focal": {
		"event_id": %d,
		"strike": %g,
		"strike_err": 12,
		"dip": 45,
		"dip_err": 8,
		"rake": -90,
		"rake_err": 15,
		"quality_index": 1.0,
		"num_of_polarity": 2
	}}`, id, strike))
}

// collector records delivered messages.
type collector struct {
	name string
	mu   sync.Mutex
	msgs []*event.Message
}

func (c *collector) Name() string { return c.name }

func (c *collector) Deliver(_ context.Context, msg *event.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) received() []*event.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*event.Message(nil), c.msgs...)
}

func TestEngine_FullLifecycle(t *testing.T) {
	engine := quakerelay.New()
	ctx := context.Background()

	msg, err := engine.Submit(ctx, addEvent(123))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Revision)
	assert.Equal(t, event.StateDetected, engine.State(123))

	snap, err := engine.Snapshot(123)
	require.NoError(t, err)
	assert.Nil(t, snap.Magnitude())

	_, err = engine.Submit(ctx, updateLocation(123, 4.2))
	require.NoError(t, err)
	assert.Equal(t, event.StateLocated, engine.State(123))

	snap, err = engine.Snapshot(123)
	require.NoError(t, err)
	require.NotNil(t, snap.Magnitude())
	assert.Equal(t, 4.2, *snap.Magnitude())

	_, err = engine.Submit(ctx, updateLocation(123, 4.4))
	require.NoError(t, err)
	assert.Equal(t, event.StateLocated, engine.State(123))

	msg, err = engine.Submit(ctx, updateFocal(123, 210))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), msg.Revision)
	assert.Equal(t, event.StateMechanized, engine.State(123))

	_, err = engine.Submit(ctx, updateFocal(123, 30))
	require.NoError(t, err)

	snap, err = engine.Snapshot(123)
	require.NoError(t, err)
	assert.Equal(t, event.StateMechanized, snap.State)
	assert.Equal(t, 30.0, snap.Focal.Strike)
	assert.Equal(t, 2, snap.FocalUpdates)
	assert.Equal(t, 4.4, *snap.Magnitude())

	stats := engine.Stats()
	assert.Equal(t, 1, stats.Events)
	assert.Equal(t, 1, stats.ByState[event.StateMechanized])
	assert.Equal(t, int64(5), stats.Accepted)
	assert.Zero(t, stats.Rejected)
	require.NoError(t, engine.Close())
}

func TestEngine_Rejections(t *testing.T) {
	rejects := reject.NewLog(reject.DefaultConfig)
	var onReject []*reject.Rejection
	engine := quakerelay.New(
		quakerelay.WithRejectLog(rejects),
		quakerelay.WithOnReject(func(r *reject.Rejection) { onReject = append(onReject, r) }),
	)
	ctx := context.Background()

	t.Run("update_location on unknown event", func(t *testing.T) {
		_, err := engine.Submit(ctx, updateLocation(1, 3.0))
		var unknown *event.UnknownEventError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, event.StateUnknown, engine.State(1))
	})

	t.Run("update_focal on unknown event", func(t *testing.T) {
		_, err := engine.Submit(ctx, updateFocal(2, 10))
		var premature *event.PrematureFocalError
		require.ErrorAs(t, err, &premature)
	})

	t.Run("update_focal on detected event", func(t *testing.T) {
		_, err := engine.Submit(ctx, addEvent(3))
		require.NoError(t, err)

		_, err = engine.Submit(ctx, updateFocal(3, 10))
		var premature *event.PrematureFocalError
		require.ErrorAs(t, err, &premature)
		assert.Equal(t, event.StateDetected, premature.State)
		assert.Equal(t, event.StateDetected, engine.State(3))
	})

	t.Run("duplicate add_event leaves snapshot unchanged", func(t *testing.T) {
		before, err := engine.Snapshot(3)
		require.NoError(t, err)

		moved := strings.Replace(string(addEvent(3)), `"latitude": 23.8871`, `"latitude": -10`, 1)
		_, err = engine.Submit(ctx, []byte(moved))
		var dup *event.DuplicateEventError
		require.ErrorAs(t, err, &dup)

		after, err := engine.Snapshot(3)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("latitude out of range never touches the store", func(t *testing.T) {
		bad := strings.Replace(string(addEvent(4)), `"latitude": 23.8871`, `"latitude": 95`, 1)
		_, err := engine.Submit(ctx, []byte(bad))
		var fieldErr *event.FieldError
		require.ErrorAs(t, err, &fieldErr)
		assert.True(t, fieldErr.Has("latitude"))

		_, err = engine.Snapshot(4)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("malformed envelope", func(t *testing.T) {
		_, err := engine.Submit(ctx, []byte(`{"add_event": {}, "update_focal": {}}`))
		assert.Equal(t, event.CodeMalformedEnvelope, event.Code(err))
	})

	counts, err := rejects.CountByCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		event.CodeUnknownEvent:      1,
		event.CodePrematureFocal:    2,
		event.CodeDuplicateEvent:    1,
		event.CodeFieldError:        1,
		event.CodeMalformedEnvelope: 1,
	}, counts)
	assert.Len(t, onReject, 6)

	byEvent, err := rejects.ListByEvent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, byEvent, 2)
	assert.Equal(t, event.KindUpdateFocal, byEvent[0].Kind)

	stats := engine.Stats()
	assert.Equal(t, int64(6), stats.Rejected)
	assert.Equal(t, int64(1), stats.Accepted)
	assert.Equal(t, 1, stats.Events)
}

func TestEngine_RejectedMessagesAreNotPublished(t *testing.T) {
	engine := quakerelay.New()
	c := &collector{name: "ui"}
	engine.Subscribe(c)

	ctx := context.Background()
	_, err := engine.Submit(ctx, updateFocal(1, 10))
	require.Error(t, err)
	_, err = engine.Submit(ctx, addEvent(1))
	require.NoError(t, err)
	_, err = engine.Submit(ctx, addEvent(1))
	require.Error(t, err)
	require.NoError(t, engine.Close())

	got := c.received()
	require.Len(t, got, 1)
	assert.Equal(t, event.KindAddEvent, got[0].Kind())
}

func TestEngine_DeliveryOrderPerEvent(t *testing.T) {
	engine := quakerelay.New()
	sinks := []*collector{{name: "a"}, {name: "b"}, {name: "c"}}
	for _, s := range sinks {
		require.NotNil(t, engine.Subscribe(s))
	}

	const events = 20
	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(events)
	for i := 1; i <= events; i++ {
		go func(id int64) {
			defer wg.Done()
			for _, raw := range [][]byte{addEvent(id), updateLocation(id, 3.3), updateFocal(id, 100)} {
				_, err := engine.Submit(ctx, raw)
				assert.NoError(t, err)
			}
		}(int64(i))
	}
	wg.Wait()
	require.NoError(t, engine.Close())

	want := []event.Kind{event.KindAddEvent, event.KindUpdateLocation, event.KindUpdateFocal}
	for _, s := range sinks {
		perEvent := map[int64][]event.Kind{}
		for _, msg := range s.received() {
			perEvent[msg.EventID()] = append(perEvent[msg.EventID()], msg.Kind())
		}
		require.Len(t, perEvent, events, "sink %s", s.name)
		for id, kinds := range perEvent {
			assert.Equal(t, want, kinds, "sink %s event %d", s.name, id)
		}
	}
}

func TestEngine_ConcurrentDuplicateAdd(t *testing.T) {
	engine := quakerelay.New()
	ctx := context.Background()

	const n = 32
	var ok, dup atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := engine.Submit(ctx, addEvent(77))
			var dupErr *event.DuplicateEventError
			switch {
			case err == nil:
				ok.Add(1)
			case errors.As(err, &dupErr):
				dup.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), dup.Load())
}

func TestEngine_FailingSinkDoesNotAffectEngine(t *testing.T) {
	engine := quakerelay.New()
	healthy := &collector{name: "healthy"}
	engine.Subscribe(dispatch.SinkFunc("broken", func(context.Context, *event.Message) error {
		panic("socket gone")
	}))
	engine.Subscribe(healthy)

	ctx := context.Background()
	_, err := engine.Submit(ctx, addEvent(9))
	require.NoError(t, err)
	_, err = engine.Submit(ctx, updateLocation(9, 2.0))
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	assert.Len(t, healthy.received(), 2)
	assert.Equal(t, event.StateLocated, engine.State(9))
}

func TestEngine_Accept(t *testing.T) {
	engine := quakerelay.New()
	ctx := context.Background()

	mag := 2.5
	snap, err := engine.Accept(ctx, event.NewMessage(event.Detection{
		EventID:   5,
		EventTime: "2024-04-02T23:58:09.123",
		Magnitude: &mag,
		AssociatedPicks: map[string]event.StationPicks{
			"SHUL": {S: &event.SPick{PhaseTime: "2024-04-02T23:58:15.789", PhaseScore: 0.5}},
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, event.StateDetected, snap.State)
	assert.Equal(t, 2.5, *snap.Magnitude())

	_, err = engine.Accept(ctx, nil)
	assert.ErrorIs(t, err, quakerelay.ErrNilMessage)

	_, err = engine.Submit(nil, addEvent(6))
	assert.ErrorIs(t, err, quakerelay.ErrNilContext)
}

func TestEngine_AcceptChecksFields(t *testing.T) {
	rejects := reject.NewLog(reject.DefaultConfig)
	engine := quakerelay.New(quakerelay.WithRejectLog(rejects))
	got := &collector{name: "ui"}
	engine.Subscribe(got)
	ctx := context.Background()

	_, err := engine.Accept(ctx, event.NewMessage(event.Detection{
		EventID:         9,
		EventTime:       "yesterday",
		Latitude:        95,
		DepthKm:         -3,
		AssociatedPicks: map[string]event.StationPicks{"": {}},
	}))
	var fieldErr *event.FieldError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, event.StateUnknown, engine.State(9))
	_, err = engine.Snapshot(9)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, engine.Close())
	assert.Empty(t, got.received())
	assert.Equal(t, 1, rejects.Stats().Size)
	assert.Equal(t, int64(1), engine.Stats().Rejected)
}

func TestEngine_AcceptSameMessageTwice(t *testing.T) {
	j := journal.NewMemoryJournal()
	engine := quakerelay.New()
	engine.Subscribe(journal.Sink(j))

	gate := make(chan struct{})
	var mu sync.Mutex
	var revisions []uint64
	engine.Subscribe(dispatch.SinkFunc("slow", func(_ context.Context, msg *event.Message) error {
		<-gate
		mu.Lock()
		revisions = append(revisions, msg.Revision)
		mu.Unlock()
		return nil
	}))

	ctx := context.Background()
	add, err := schema.Validate(addEvent(3))
	require.NoError(t, err)
	loc, err := schema.Validate(updateLocation(3, 2.5))
	require.NoError(t, err)

	_, err = engine.Accept(ctx, add)
	require.NoError(t, err)
	_, err = engine.Accept(ctx, loc)
	require.NoError(t, err)
	snap, err := engine.Accept(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Revision)
	assert.Zero(t, loc.Revision, "caller's message is not modified")

	close(gate)
	require.NoError(t, engine.Close())

	assert.Equal(t, []uint64{1, 2, 3}, revisions)
	n, err := j.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestEngine_ClosedEngineRefusesMessages(t *testing.T) {
	engine := quakerelay.New()
	ctx := context.Background()
	_, err := engine.Submit(ctx, addEvent(1))
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	_, err = engine.Submit(ctx, updateLocation(1, 3.0))
	assert.ErrorIs(t, err, dispatch.ErrClosed)

	loc, err := schema.Validate(updateLocation(1, 3.0))
	require.NoError(t, err)
	_, err = engine.Accept(ctx, loc)
	assert.ErrorIs(t, err, dispatch.ErrClosed)

	assert.Equal(t, event.StateDetected, engine.State(1))
	assert.Equal(t, int64(1), engine.Stats().Accepted)
	assert.Zero(t, engine.Stats().Rejected)
	assert.NoError(t, engine.Close())
}

func TestEngine_LogsCarryMessageContext(t *testing.T) {
	var logs bytes.Buffer
	engine := quakerelay.New(quakerelay.WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	ctx := context.Background()

	msg, err := engine.Submit(ctx, addEvent(11))
	require.NoError(t, err)
	_, err = engine.Submit(ctx, addEvent(11))
	require.Error(t, err)
	require.NoError(t, engine.Close())

	var accepted, rejected map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(logs.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		switch rec["msg"] {
		case "message accepted":
			accepted = rec
		case "message rejected":
			rejected = rec
		}
	}
	require.NotNil(t, accepted)
	assert.Equal(t, msg.ID, accepted["message_id"])
	assert.Equal(t, "add_event", accepted["kind"])
	assert.Equal(t, float64(11), accepted["event_id"])

	require.NotNil(t, rejected)
	assert.Equal(t, event.CodeDuplicateEvent, rejected["code"])
	assert.Equal(t, float64(11), rejected["event_id"])
}

func TestEngine_WithClock(t *testing.T) {
	at := time.Date(2024, 4, 3, 0, 0, 0, 0, time.UTC)
	engine := quakerelay.New(quakerelay.WithClock(func() time.Time { return at }))

	msg, err := engine.Submit(context.Background(), addEvent(1))
	require.NoError(t, err)
	assert.Equal(t, at, msg.ReceivedAt)

	snap, err := engine.Snapshot(1)
	require.NoError(t, err)
	assert.Equal(t, at, snap.CreatedAt)
}

func TestEngine_RestoreFromJournal(t *testing.T) {
	j := journal.NewMemoryJournal()
	ctx := context.Background()

	first := quakerelay.New()
	first.Subscribe(journal.Sink(j))
	for _, raw := range [][]byte{
		addEvent(1), updateLocation(1, 3.1), updateFocal(1, 45),
		addEvent(2),
		updateLocation(2, 2.2),
	} {
		_, err := first.Submit(ctx, raw)
		require.NoError(t, err)
	}
	require.NoError(t, first.Close())

	n, err := j.Len()
	require.NoError(t, err)
	require.Equal(t, 5, n)

	second := quakerelay.New()
	relayed := &collector{name: "ui"}
	second.Subscribe(relayed)

	applied, err := second.Restore(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, 5, applied)
	assert.Equal(t, event.StateMechanized, second.State(1))
	assert.Equal(t, event.StateLocated, second.State(2))
	assert.Equal(t, int64(5), second.Stats().Replayed)
	assert.Zero(t, second.Stats().Accepted)

	snap, err := second.Snapshot(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Revision)

	require.NoError(t, second.Close())
	assert.Empty(t, relayed.received(), "restore must not re-publish")
}

func TestEngine_RestoreStopsOnConflict(t *testing.T) {
	j := journal.NewMemoryJournal()
	require.NoError(t, j.Append(journal.Record{EventID: 1, Revision: 1, Kind: event.KindAddEvent, Payload: addEvent(1)}))
	require.NoError(t, j.Append(journal.Record{EventID: 2, Revision: 1, Kind: event.KindUpdateFocal, Payload: updateFocal(2, 1)}))

	engine := quakerelay.New()
	applied, err := engine.Restore(context.Background(), j)
	assert.Equal(t, 1, applied)

	var restoreErr *quakerelay.RestoreError
	require.ErrorAs(t, err, &restoreErr)
	assert.Equal(t, int64(2), restoreErr.Sequence)
	assert.Equal(t, event.CodePrematureFocal, event.Code(err))
}

func TestEngine_Tracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		_ = tp.Shutdown(context.Background())
	})

	engine := quakerelay.New(quakerelay.WithTracing(true))
	engine.Subscribe(&collector{name: "ui"})

	ctx := context.Background()
	_, err := engine.Submit(ctx, addEvent(1))
	require.NoError(t, err)
	_, err = engine.Submit(ctx, updateFocal(1, 10))
	require.Error(t, err)
	require.NoError(t, engine.Close())

	var submits, delivers int
	var failed bool
	for _, s := range exporter.GetSpans() {
		switch s.Name {
		case "quakerelay.submit":
			submits++
			if s.Status.Code == codes.Error {
				failed = true
			}
		case "quakerelay.deliver":
			delivers++
		}
	}
	assert.Equal(t, 2, submits)
	assert.Equal(t, 1, delivers)
	assert.True(t, failed)
}

func TestEngine_WithSettings(t *testing.T) {
	settings := config.DefaultSettings
	settings.Shards = 4
	settings.RejectLogSize = 2

	engine := quakerelay.New(quakerelay.WithSettings(settings))
	t.Cleanup(func() { _ = engine.Close() })
	require.NotNil(t, engine.Rejections())

	ctx := context.Background()
	_, err := engine.Submit(ctx, addEvent(1))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = engine.Submit(ctx, addEvent(1))
		require.Error(t, err)
	}

	stats := engine.Rejections().Stats()
	assert.Equal(t, 2, stats.Size)
	assert.EqualValues(t, 3, stats.Total)
	assert.EqualValues(t, 1, stats.Evicted)
	assert.Equal(t, event.StateDetected, engine.State(1))
}

func TestEngine_WithoutRejectLog(t *testing.T) {
	engine := quakerelay.New()
	t.Cleanup(func() { _ = engine.Close() })
	assert.Nil(t, engine.Rejections())
}

func TestEngine_WithRetry(t *testing.T) {
	var attempts atomic.Int32
	got := &collector{name: "flaky"}

	engine := quakerelay.New(quakerelay.WithRetry(dispatch.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}))
	engine.Subscribe(dispatch.SinkFunc("flaky", func(ctx context.Context, msg *event.Message) error {
		if attempts.Add(1) == 1 {
			return errors.New("connection reset")
		}
		return got.Deliver(ctx, msg)
	}))

	_, err := engine.Submit(context.Background(), addEvent(1))
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	assert.Len(t, got.received(), 1)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Nil(t, engine.Subscribe(nil))
}
