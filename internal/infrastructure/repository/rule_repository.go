package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"github.com/tradewarden/delegation-engine/internal/domain/errors"
	"github.com/tradewarden/delegation-engine/internal/domain/rule"
	"github.com/tradewarden/delegation-engine/internal/infrastructure/telemetry"
)

// RuleRepository persists the auto-revoke rule set. The engine holds rules
// in memory; this repository is the durable source they are loaded from at
// startup and written back to on every change.
type RuleRepository struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

func NewRuleRepository(db *pgxpool.Pool) *RuleRepository {
	return &RuleRepository{
		db:     db,
		tracer: telemetry.Tracer("repository.rule"),
	}
}

// Save upserts a rule.
func (r *RuleRepository) Save(ctx context.Context, ar *rule.AutoRevokeRule) (err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "save", "auto_revoke_rules")
	defer func() {
		telemetry.WithSpanError(span, err)
		span.End()
	}()

	if ar == nil {
		return ErrInvalidInput
	}

	query := `
		INSERT INTO auto_revoke_rules (
			id, name, signal, threshold, action, severity, is_active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			signal = EXCLUDED.signal,
			threshold = EXCLUDED.threshold,
			action = EXCLUDED.action,
			severity = EXCLUDED.severity,
			is_active = EXCLUDED.is_active`

	_, err = r.db.Exec(ctx, query,
		ar.ID, ar.Name, ar.Signal.String(), ar.Threshold.String(),
		ar.Action.String(), ar.Severity.String(), ar.IsActive, ar.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

// Delete removes a rule.
func (r *RuleRepository) Delete(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "delete", "auto_revoke_rules")
	defer func() {
		telemetry.WithSpanError(span, err)
		span.End()
	}()

	tag, err := r.db.Exec(ctx, `DELETE FROM auto_revoke_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrRuleNotFound
	}
	return nil
}

// FindByID loads one rule.
func (r *RuleRepository) FindByID(ctx context.Context, id uuid.UUID) (_ *rule.AutoRevokeRule, err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "find_by_id", "auto_revoke_rules")
	defer func() {
		telemetry.WithSpanError(span, err)
		span.End()
	}()

	query := `
		SELECT id, name, signal, threshold, action, severity, is_active, created_at
		FROM auto_revoke_rules WHERE id = $1`

	ar, err := scanRule(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to query rule: %w", err)
	}
	return ar, nil
}

// FindAll returns every persisted rule in creation order.
func (r *RuleRepository) FindAll(ctx context.Context) (_ []*rule.AutoRevokeRule, err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "find_all", "auto_revoke_rules")
	defer func() {
		telemetry.WithSpanError(span, err)
		span.End()
	}()

	query := `
		SELECT id, name, signal, threshold, action, severity, is_active, created_at
		FROM auto_revoke_rules ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []*rule.AutoRevokeRule
	for rows.Next() {
		ar, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, ar)
	}
	return rules, rows.Err()
}

func scanRule(row pgx.Row) (*rule.AutoRevokeRule, error) {
	var (
		ar                                 rule.AutoRevokeRule
		signalStr, thresholdStr, actionStr string
		severityStr                        string
	)
	err := row.Scan(&ar.ID, &ar.Name, &signalStr, &thresholdStr,
		&actionStr, &severityStr, &ar.IsActive, &ar.CreatedAt)
	if err != nil {
		return nil, err
	}

	if ar.Signal, err = rule.ParseSignal(signalStr); err != nil {
		return nil, err
	}
	if ar.Threshold, err = decimal.NewFromString(thresholdStr); err != nil {
		return nil, fmt.Errorf("invalid threshold: %w", err)
	}
	if ar.Action, err = rule.ParseAction(actionStr); err != nil {
		return nil, err
	}
	if ar.Severity, err = rule.ParseSeverity(severityStr); err != nil {
		return nil, err
	}
	return &ar, nil
}
