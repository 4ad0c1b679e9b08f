package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds all domain-specific metrics for the engine
type Registry struct {
	meter metric.Meter

	// Evaluation metrics
	EvaluationDuration    metric.Float64Histogram
	EvaluationPermissions metric.Int64Histogram
	RuleFiredCounter      metric.Int64Counter

	// Lifecycle metrics
	TransitionCounter metric.Int64Counter
	DecisionCounter   metric.Int64Counter
	DecisionLatency   metric.Float64Histogram
}

// NewRegistry creates a new metrics registry with all engine metrics
func NewRegistry(meterName string) (*Registry, error) {
	meter := otel.Meter(meterName)
	r := &Registry{meter: meter}

	var err error
	if r.EvaluationDuration, err = meter.Float64Histogram(
		"engine.evaluation.duration",
		metric.WithDescription("Duration of full rule evaluation passes"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if r.EvaluationPermissions, err = meter.Int64Histogram(
		"engine.evaluation.permissions",
		metric.WithDescription("Active permissions examined per pass"),
	); err != nil {
		return nil, err
	}
	if r.RuleFiredCounter, err = meter.Int64Counter(
		"engine.rules.fired",
		metric.WithDescription("Auto-revoke rule firings by signal and action"),
	); err != nil {
		return nil, err
	}
	if r.TransitionCounter, err = meter.Int64Counter(
		"engine.lifecycle.transitions",
		metric.WithDescription("Permission state transitions by operation"),
	); err != nil {
		return nil, err
	}
	if r.DecisionCounter, err = meter.Int64Counter(
		"engine.evaluator.decisions",
		metric.WithDescription("Action permission decisions by outcome"),
	); err != nil {
		return nil, err
	}
	if r.DecisionLatency, err = meter.Float64Histogram(
		"engine.evaluator.latency",
		metric.WithDescription("Latency of single-action permission checks"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	return r, nil
}

// RecordEvaluation implements the engine's instrumentation hook.
func (r *Registry) RecordEvaluation(ctx context.Context, duration time.Duration, permissions, fired int) {
	r.EvaluationDuration.Record(ctx, float64(duration.Milliseconds()))
	r.EvaluationPermissions.Record(ctx, int64(permissions))
	if fired > 0 {
		r.RuleFiredCounter.Add(ctx, int64(fired), metric.WithAttributes(
			attribute.String("scope", "pass_total"),
		))
	}
}

// RecordRuleFired counts one rule firing.
func (r *Registry) RecordRuleFired(ctx context.Context, signal, action string) {
	r.RuleFiredCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("signal", signal),
		attribute.String("action", action),
	))
}

// RecordTransition counts one lifecycle transition.
func (r *Registry) RecordTransition(ctx context.Context, operation string) {
	r.TransitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordDecision counts one evaluator decision and its latency.
func (r *Registry) RecordDecision(ctx context.Context, permitted bool, elapsed time.Duration) {
	outcome := "denied"
	if permitted {
		outcome = "permitted"
	}
	r.DecisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	r.DecisionLatency.Record(ctx, float64(elapsed.Microseconds())/1000.0)
}
