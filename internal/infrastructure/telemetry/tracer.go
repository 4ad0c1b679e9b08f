package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartEvaluationSpan starts a span covering one engine evaluation pass.
func StartEvaluationSpan(ctx context.Context, tracer trace.Tracer, permissions, rules int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "engine.evaluate", trace.WithAttributes(
		attribute.Int("permissions.active", permissions),
		attribute.Int("rules.active", rules),
	))
}

// StartLifecycleSpan starts a span for one permission state transition.
func StartLifecycleSpan(ctx context.Context, tracer trace.Tracer, operation, permissionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("lifecycle.%s", operation), trace.WithAttributes(
		attribute.String("permission.id", permissionID),
		attribute.String("lifecycle.operation", operation),
	))
}

// StartDatabaseSpan starts a span for a repository operation.
func StartDatabaseSpan(ctx context.Context, tracer trace.Tracer, operation, table string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("db.%s %s", operation, table), trace.WithAttributes(
		attribute.String("db.operation", operation),
		attribute.String("db.table", table),
		attribute.String("db.system", "postgresql"),
	))
}

// WithSpanError records an error and marks the span failed
func WithSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
