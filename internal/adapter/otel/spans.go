package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentry"

// StartExecutionSpan starts a span covering one task execution on a worker.
func StartExecutionSpan(ctx context.Context, taskID, agentID, jobHandle string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("agent.id", agentID),
			attribute.String("job.handle", jobHandle),
		),
	)
}

// StartCancelSpan starts a span covering a cancellation request.
func StartCancelSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.cancel",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
		),
	)
}
