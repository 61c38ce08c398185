package quakerelay

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/config"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/dispatch"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/observability"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/reject"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/schema"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/store"
)

// engineConfig holds the collaborators of an Engine.
type engineConfig struct {
	store      *store.Store
	validator  *schema.Validator
	dispatcher *dispatch.Dispatcher
	rejects    *reject.Log
	onReject   func(*reject.Rejection)
	retry      dispatch.RetryPolicy

	// Used only when store or dispatcher is built by New.
	storeConfig    store.Config
	dispatchConfig dispatch.Config

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	clock   func() time.Time
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		retry:          dispatch.NoRetry,
		storeConfig:    store.DefaultConfig,
		dispatchConfig: dispatch.DefaultConfig,
		metrics:        observability.NoopMetrics{},
		spans:          observability.NoopSpanManager{},
		clock:          func() time.Time { return time.Now().UTC() },
	}
}

// Option configures an Engine.
type Option func(*engineConfig)

// WithStore sets the event table. Default: a fresh store.New(store.DefaultConfig)
// using the engine clock.
func WithStore(s *store.Store) Option {
	return func(c *engineConfig) {
		c.store = s
	}
}

// WithValidator sets the message validator. Default: the three standard
// kinds, stamped with the engine clock.
func WithValidator(v *schema.Validator) Option {
	return func(c *engineConfig) {
		c.validator = v
	}
}

// WithDispatcher sets the dispatcher. Default: an unbounded dispatcher
// sharing the engine's logger, metrics and tracing.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(c *engineConfig) {
		c.dispatcher = d
	}
}

// WithRetry wraps every sink passed to Subscribe so failed deliveries are
// retried under policy. Default: dispatch.NoRetry
func WithRetry(policy dispatch.RetryPolicy) Option {
	return func(c *engineConfig) {
		c.retry = policy
	}
}

// WithLogger enables structured logging. Default: no logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder. Default: NoopMetrics.
//
// Example:
//
//	engine := quakerelay.New(quakerelay.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *engineConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables OpenTelemetry spans for submit and delivery.
// Default: disabled
func WithTracing(enabled bool) Option {
	return func(c *engineConfig) {
		if enabled {
			c.spans = observability.NewSpanManager()
		} else {
			c.spans = observability.NoopSpanManager{}
		}
	}
}

// WithRejectLog records every rejection in log.
func WithRejectLog(log *reject.Log) Option {
	return func(c *engineConfig) {
		c.rejects = log
	}
}

// WithOnReject calls fn for every rejection, after it is logged.
func WithOnReject(fn func(*reject.Rejection)) Option {
	return func(c *engineConfig) {
		c.onReject = fn
	}
}

// WithClock sets the time source for receive and update stamps.
// Only affects the default store and validator.
func WithClock(now func() time.Time) Option {
	return func(c *engineConfig) {
		if now != nil {
			c.clock = now
		}
	}
}

// WithSettings applies loaded relay settings: store shards, mailbox
// limits, sink retry, a reject log sized from the settings, and the
// metrics and tracing toggles. Later options override it.
//
// Example:
//
//	settings, err := config.Load("relay.yaml")
//	if err != nil {
//	    return err
//	}
//	engine := quakerelay.New(
//	    quakerelay.WithSettings(settings),
//	    quakerelay.WithLogger(settings.Logger(os.Stderr)),
//	)
func WithSettings(s config.Settings) Option {
	return func(c *engineConfig) {
		c.storeConfig = s.StoreConfig()
		c.dispatchConfig = s.DispatchConfig()
		c.rejects = reject.NewLog(s.RejectConfig())
		c.retry = s.RetryPolicy()
		if s.Metrics {
			c.metrics = observability.NewMetricsRecorder()
		}
		WithTracing(s.Tracing)(c)
	}
}
