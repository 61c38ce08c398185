package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("quakerelay")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartSubmitSpan starts a span covering validation and apply of one
	// raw message.
	StartSubmitSpan(ctx context.Context, size int) (context.Context, trace.Span)

	// StartDeliverSpan starts a span for one delivery to a subscriber.
	StartDeliverSpan(ctx context.Context, subscriber, messageID, kind string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// Configure the global provider before calling this function:
//
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartSubmitSpan starts the quakerelay.submit span.
func (m *otelSpanManager) StartSubmitSpan(ctx context.Context, size int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "quakerelay.submit",
		trace.WithAttributes(attribute.Int("message.size", size)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartDeliverSpan starts the quakerelay.deliver span.
func (m *otelSpanManager) StartDeliverSpan(ctx context.Context, subscriber, messageID, kind string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "quakerelay.deliver",
		trace.WithAttributes(
			attribute.String("subscriber", subscriber),
			attribute.String("message.id", messageID),
			attribute.String("message.kind", kind),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// EndSpanWithError completes a span.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
