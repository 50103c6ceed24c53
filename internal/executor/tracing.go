// Tracing instrumentation for the dispatcher.
package executor

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"github.com/vinayprograms/chatty/internal/action"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// startBatchSpan starts a span for one batch.
func (d *Dispatcher) startBatchSpan(ctx context.Context, size int) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "batch.run")
	span.SetAttributes(attribute.Int("batch.size", size))
	return ctx, span
}

// endBatchSpan ends the batch span with a failure count.
func (d *Dispatcher) endBatchSpan(span trace.Span, results []action.Result) {
	span.SetAttributes(attribute.Int("batch.failed", countFailed(results)))
	span.End()
}

// startActionSpan starts a span for one action.
func (d *Dispatcher) startActionSpan(ctx context.Context, a action.Action) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "action."+a.Name)
	span.SetAttributes(
		attribute.String("action.call_id", a.CallID),
		attribute.String("action.kind", string(a.Kind)),
	)
	return ctx, span
}

// endActionSpan ends the action span with the result status.
func (d *Dispatcher) endActionSpan(span trace.Span, r action.Result) {
	tracer := telemetry.GetTracer()
	span.SetAttributes(attribute.String("action.status", string(r.Status)))
	if tracer.Debug() {
		span.SetAttributes(attribute.String("action.payload", truncateForLog(r.Text(), 2000)))
	}
	if r.IsError {
		span.SetStatus(codes.Error, truncateForLog(r.Text(), 200))
	}
	span.End()
}
