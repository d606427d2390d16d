package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetTracer attaches an OpenTelemetry tracer the orchestrator uses to
// open one span per node invocation attempt, labeled with the session
// and turn trace IDs so a node's span can be correlated back to the
// broadcast event stream carrying the same trace ID. A nil tracer (the
// default) disables span creation entirely.
func (o *Orchestrator) SetTracer(tracer trace.Tracer) {
	o.tracer = tracer
}

func (o *Orchestrator) startNodeSpan(ctx context.Context, sessionID, traceID, nodeName string, attempt int) (context.Context, trace.Span) {
	if o.tracer == nil {
		return ctx, nil
	}
	return o.tracer.Start(ctx, "node."+nodeName, trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("trace_id", traceID),
		attribute.Int("attempt", attempt),
	))
}

// endNodeSpan is safe to call with a nil span, so callers don't need to
// branch on whether tracing is enabled.
func endNodeSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
