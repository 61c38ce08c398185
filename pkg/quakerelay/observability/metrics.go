package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records quakerelay metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordAccepted records an accepted message and the time spent applying it.
	RecordAccepted(ctx context.Context, kind string, duration time.Duration)

	// RecordRejected records a rejected message with its rejection code.
	RecordRejected(ctx context.Context, kind, code string)

	// RecordDelivery records one delivery attempt to a subscriber.
	RecordDelivery(ctx context.Context, subscriber string, duration time.Duration, err error)

	// RecordDropped records a message discarded by a full mailbox.
	RecordDropped(ctx context.Context, subscriber string)
}

type otelMetrics struct {
	accepted        metric.Int64Counter
	rejected        metric.Int64Counter
	applyLatency    metric.Float64Histogram
	deliveries      metric.Int64Counter
	deliveryErrors  metric.Int64Counter
	deliveryLatency metric.Float64Histogram
	dropped         metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("quakerelay")

	accepted, err := meter.Int64Counter("quakerelay.messages.accepted",
		metric.WithDescription("Number of accepted lifecycle messages"),
	)
	if err != nil {
		return nil, err
	}

	rejected, err := meter.Int64Counter("quakerelay.messages.rejected",
		metric.WithDescription("Number of rejected lifecycle messages"),
	)
	if err != nil {
		return nil, err
	}

	applyLatency, err := meter.Float64Histogram("quakerelay.apply.latency_ms",
		metric.WithDescription("Time to validate and apply a message in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter("quakerelay.dispatch.deliveries",
		metric.WithDescription("Number of delivery attempts to subscribers"),
	)
	if err != nil {
		return nil, err
	}

	deliveryErrors, err := meter.Int64Counter("quakerelay.dispatch.errors",
		metric.WithDescription("Number of failed deliveries"),
	)
	if err != nil {
		return nil, err
	}

	deliveryLatency, err := meter.Float64Histogram("quakerelay.dispatch.latency_ms",
		metric.WithDescription("Subscriber delivery latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("quakerelay.dispatch.dropped",
		metric.WithDescription("Number of messages dropped by full mailboxes"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		accepted:        accepted,
		rejected:        rejected,
		applyLatency:    applyLatency,
		deliveries:      deliveries,
		deliveryErrors:  deliveryErrors,
		deliveryLatency: deliveryLatency,
		dropped:         dropped,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// RecordAccepted records an accepted message.
func (m *otelMetrics) RecordAccepted(ctx context.Context, kind string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.accepted.Add(ctx, 1, attrs)
	m.applyLatency.Record(ctx, ms(duration), attrs)
}

// RecordRejected records a rejected message.
func (m *otelMetrics) RecordRejected(ctx context.Context, kind, code string) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("code", code),
	))
}

// RecordDelivery records a delivery attempt.
func (m *otelMetrics) RecordDelivery(ctx context.Context, subscriber string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("subscriber", subscriber))
	m.deliveries.Add(ctx, 1, attrs)
	m.deliveryLatency.Record(ctx, ms(duration), attrs)
	if err != nil {
		m.deliveryErrors.Add(ctx, 1, attrs)
	}
}

// RecordDropped records a dropped message.
func (m *otelMetrics) RecordDropped(ctx context.Context, subscriber string) {
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", subscriber)))
}
