package reject_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/event"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/reject"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejection(t *testing.T) {
	t.Run("field error keeps violations and peeks envelope", func(t *testing.T) {
		err := &event.FieldError{
			Kind:       event.KindAddEvent,
			Violations: []event.Violation{{Path: "latitude", Constraint: "must be within [-90, 90]"}},
		}
		r := reject.NewRejection([]byte(`{"add_event":{"event_id":123,"latitude":95}}`), err)

		assert.NotEmpty(t, r.ID)
		assert.Equal(t, event.CodeFieldError, r.Code)
		assert.Equal(t, event.KindAddEvent, r.Kind)
		assert.Equal(t, int64(123), r.EventID)
		assert.True(t, r.HasEventID)
		require.Len(t, r.Violations, 1)
		assert.Equal(t, "latitude", r.Violations[0].Path)
		assert.False(t, r.RejectedAt.IsZero())
	})

	t.Run("malformed body", func(t *testing.T) {
		r := reject.NewRejection([]byte(`not json`), &event.MalformedEnvelopeError{Reason: "invalid JSON"})

		assert.Equal(t, event.CodeMalformedEnvelope, r.Code)
		assert.Empty(t, r.Kind)
		assert.Zero(t, r.EventID)
		assert.False(t, r.HasEventID)
	})

	t.Run("non-numeric event id", func(t *testing.T) {
		r := reject.NewRejection([]byte(`{"update_focal":{"event_id":"7"}}`), errors.New("x"))

		assert.Equal(t, event.KindUpdateFocal, r.Kind)
		assert.Zero(t, r.EventID)
		assert.False(t, r.HasEventID)
		assert.Equal(t, event.CodeInternal, r.Code)
	})
}

func TestLog_EvictsOldest(t *testing.T) {
	log := reject.NewLog(reject.Config{MaxSize: 3})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		raw := fmt.Sprintf(`{"update_location":{"event_id":%d}}`, i)
		require.NoError(t, log.Enqueue(ctx, reject.NewRejection([]byte(raw), &event.UnknownEventError{EventID: int64(i)})))
	}

	count, err := log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	all, err := log.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].EventID)
	assert.Equal(t, int64(5), all[2].EventID)

	recent, err := log.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(4), recent[0].EventID)

	stats := log.Stats()
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, int64(2), stats.Evicted)
}

func TestLog_TruncatesRaw(t *testing.T) {
	log := reject.NewLog(reject.Config{MaxRawBytes: 8})
	raw := []byte(`{"add_event":{}}`)

	r := reject.NewRejection(raw, errors.New("x"))
	require.NoError(t, log.Enqueue(context.Background(), r))

	assert.True(t, r.Truncated)
	assert.Equal(t, []byte(`{"add_ev`), r.Raw)

	// The stored body does not alias the caller's buffer.
	raw[0] = 'X'
	assert.Equal(t, byte('{'), r.Raw[0])
}

func TestLog_CountByCodeAndEvent(t *testing.T) {
	log := reject.NewLog(reject.DefaultConfig)
	ctx := context.Background()

	require.NoError(t, log.Enqueue(ctx, reject.NewRejection([]byte(`{"add_event":{"event_id":1}}`), &event.DuplicateEventError{EventID: 1})))
	require.NoError(t, log.Enqueue(ctx, reject.NewRejection([]byte(`{"update_focal":{"event_id":1}}`), &event.PrematureFocalError{EventID: 1})))
	require.NoError(t, log.Enqueue(ctx, reject.NewRejection([]byte(`{"update_focal":{"event_id":2}}`), &event.PrematureFocalError{EventID: 2})))

	counts, err := log.CountByCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		event.CodeDuplicateEvent: 1,
		event.CodePrematureFocal: 2,
	}, counts)

	forOne, err := log.ListByEvent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, forOne, 2)

	require.NoError(t, log.Clear(ctx))
	count, err := log.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, int64(3), log.Stats().Total)
}

func TestLog_ListByEventSeparatesMissingIDs(t *testing.T) {
	log := reject.NewLog(reject.DefaultConfig)
	ctx := context.Background()

	require.NoError(t, log.Enqueue(ctx, reject.NewRejection([]byte(`{"add_event":{"event_id":0}}`), &event.DuplicateEventError{EventID: 0})))
	require.NoError(t, log.Enqueue(ctx, reject.NewRejection([]byte(`not json`), &event.MalformedEnvelopeError{Reason: "invalid JSON"})))
	require.NoError(t, log.Enqueue(ctx, reject.NewRejection([]byte(`{"update_focal":{"strike":10}}`), &event.FieldError{Kind: event.KindUpdateFocal})))
	require.NoError(t, log.Enqueue(ctx, reject.NewRejection([]byte(`{"update_focal":{"event_id":0.5}}`), &event.FieldError{Kind: event.KindUpdateFocal})))

	forZero, err := log.ListByEvent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, forZero, 1)
	assert.Equal(t, event.CodeDuplicateEvent, forZero[0].Code)
	assert.True(t, forZero[0].HasEventID)
}

func TestLog_OnEnqueue(t *testing.T) {
	var seen []*reject.Rejection
	log := reject.NewLog(reject.Config{
		OnEnqueue: func(r *reject.Rejection) { seen = append(seen, r) },
	})

	require.NoError(t, log.Enqueue(context.Background(), reject.NewRejection(nil, errors.New("x"))))
	assert.Len(t, seen, 1)
	assert.Error(t, log.Enqueue(context.Background(), nil))
}

func TestLog_Concurrent(t *testing.T) {
	log := reject.NewLog(reject.Config{MaxSize: 50})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(20)
	for i := 0; i < 20; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = log.Enqueue(ctx, reject.NewRejection([]byte(`{}`), errors.New("x")))
				_, _ = log.List(ctx, 5)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(400), log.Stats().Total)
	assert.Equal(t, 50, log.Stats().Size)
}
