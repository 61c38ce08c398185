package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics records the same measurements as the OTel recorder
// into a Prometheus registry, for deployments that scrape /metrics.
type PrometheusMetrics struct {
	gatherer prometheus.Gatherer

	accepted     *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	applyLatency *prometheus.HistogramVec
	deliveries   *prometheus.CounterVec
	deliveryDur  *prometheus.HistogramVec
	dropped      *prometheus.CounterVec
}

// NewPrometheusMetrics registers the relay collectors with reg. A nil reg
// gets a fresh registry. Registration fails if reg already holds them.
func NewPrometheusMetrics(reg *prometheus.Registry) (*PrometheusMetrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &PrometheusMetrics{
		gatherer: reg,
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quakerelay",
			Name:      "messages_accepted_total",
			Help:      "Number of accepted lifecycle messages",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quakerelay",
			Name:      "messages_rejected_total",
			Help:      "Number of rejected lifecycle messages",
		}, []string{"kind", "code"}),
		applyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quakerelay",
			Name:      "apply_latency_seconds",
			Help:      "Time from receipt to committed state change",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quakerelay",
			Name:      "dispatch_deliveries_total",
			Help:      "Delivery attempts by subscriber and outcome",
		}, []string{"subscriber", "status"}),
		deliveryDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quakerelay",
			Name:      "dispatch_latency_seconds",
			Help:      "Time spent in a subscriber's Deliver",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subscriber"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quakerelay",
			Name:      "dispatch_dropped_total",
			Help:      "Messages discarded by full mailboxes",
		}, []string{"subscriber"}),
	}

	for _, c := range []prometheus.Collector{
		m.accepted, m.rejected, m.applyLatency,
		m.deliveries, m.deliveryDur, m.dropped,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordAccepted records an accepted message.
func (m *PrometheusMetrics) RecordAccepted(_ context.Context, kind string, duration time.Duration) {
	m.accepted.WithLabelValues(kind).Inc()
	m.applyLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordRejected records a rejected message.
func (m *PrometheusMetrics) RecordRejected(_ context.Context, kind, code string) {
	m.rejected.WithLabelValues(kind, code).Inc()
}

// RecordDelivery records a delivery attempt.
func (m *PrometheusMetrics) RecordDelivery(_ context.Context, subscriber string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.deliveries.WithLabelValues(subscriber, status).Inc()
	m.deliveryDur.WithLabelValues(subscriber).Observe(duration.Seconds())
}

// RecordDropped records a dropped message.
func (m *PrometheusMetrics) RecordDropped(_ context.Context, subscriber string) {
	m.dropped.WithLabelValues(subscriber).Inc()
}

// Multi fans every measurement out to each recorder. Nil recorders are
// skipped.
func Multi(recorders ...MetricsRecorder) MetricsRecorder {
	var out multiMetrics
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	switch len(out) {
	case 0:
		return NoopMetrics{}
	case 1:
		return out[0]
	}
	return out
}

type multiMetrics []MetricsRecorder

func (mm multiMetrics) RecordAccepted(ctx context.Context, kind string, duration time.Duration) {
	for _, m := range mm {
		m.RecordAccepted(ctx, kind, duration)
	}
}

func (mm multiMetrics) RecordRejected(ctx context.Context, kind, code string) {
	for _, m := range mm {
		m.RecordRejected(ctx, kind, code)
	}
}

func (mm multiMetrics) RecordDelivery(ctx context.Context, subscriber string, duration time.Duration, err error) {
	for _, m := range mm {
		m.RecordDelivery(ctx, subscriber, duration, err)
	}
}

func (mm multiMetrics) RecordDropped(ctx context.Context, subscriber string) {
	for _, m := range mm {
		m.RecordDropped(ctx, subscriber)
	}
}

var (
	_ MetricsRecorder = (*PrometheusMetrics)(nil)
	_ MetricsRecorder = multiMetrics(nil)
)
