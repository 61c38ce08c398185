package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/event"
)

// RetryPolicy configures redelivery of a failing sink.
type RetryPolicy struct {
	// MaxAttempts counts the first delivery. Values below 2 disable retry.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the wait after each attempt.
	BackoffFactor float64

	// Jitter randomizes each wait by +/- this fraction (0.0-1.0).
	Jitter float64

	// Retryable overrides the default check, which retries everything
	// except permanent errors, panics and context cancellation.
	Retryable func(error) bool
}

// DefaultRetry retries a sink three times over a few seconds.
var DefaultRetry = RetryPolicy{
	MaxAttempts:    4,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry delivers once.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// PermanentError marks a sink failure that redelivery cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so retrying sinks give up on it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RetryError reports a delivery that failed on every attempt.
type RetryError struct {
	Sink     string
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("sink %s: gave up after %d attempts: %v", e.Sink, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

func defaultRetryable(err error) bool {
	var pe *PanicError
	switch {
	case IsPermanent(err), errors.As(err, &pe),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// WithRetry wraps sink so failed deliveries are retried under policy.
// The wrapper runs inside the subscriber's worker, so later messages for
// that subscriber wait until the retries finish.
func WithRetry(sink Sink, policy RetryPolicy) Sink {
	if policy.MaxAttempts < 2 {
		return sink
	}
	if policy.Retryable == nil {
		policy.Retryable = defaultRetryable
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = 1
	}
	return &retrySink{sink: sink, policy: policy}
}

type retrySink struct {
	sink   Sink
	policy RetryPolicy
}

func (r *retrySink) Name() string { return r.sink.Name() }

func (r *retrySink) Deliver(ctx context.Context, msg *event.Message) error {
	backoff := r.policy.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := r.sink.Deliver(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if !r.policy.Retryable(err) {
			return err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(jittered(backoff, r.policy.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return &RetryError{Sink: r.sink.Name(), Attempts: attempt, Err: lastErr}
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * r.policy.BackoffFactor)
		if r.policy.MaxBackoff > 0 && backoff > r.policy.MaxBackoff {
			backoff = r.policy.MaxBackoff
		}
	}

	return &RetryError{Sink: r.sink.Name(), Attempts: r.policy.MaxAttempts, Err: lastErr}
}

func jittered(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	delta := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + delta)
}
