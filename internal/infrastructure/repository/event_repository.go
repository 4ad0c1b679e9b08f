package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/tradewarden/delegation-engine/internal/domain/rule"
	"github.com/tradewarden/delegation-engine/internal/infrastructure/telemetry"
)

// EventRepository stores auto-revoke events. The table is insert-only;
// events are the immutable history the analytics queries run over.
type EventRepository struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{
		db:     db,
		tracer: telemetry.Tracer("repository.event"),
	}
}

// Record inserts one event. Events are written once; re-recording an
// event already persisted (an engine pass replayed after a crash) is a
// no-op rather than an error.
func (r *EventRepository) Record(ctx context.Context, ev *rule.AutoRevokeEvent) (err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "record", "auto_revoke_events")
	defer func() {
		telemetry.WithSpanError(span, err)
		span.End()
	}()

	if ev == nil {
		return ErrInvalidInput
	}

	marketJSON, err := json.Marshal(ev.MarketData)
	if err != nil {
		return fmt.Errorf("failed to marshal market data: %w", err)
	}

	query := `
		INSERT INTO auto_revoke_events (
			id, rule_id, permission_id, user_id, action, reason,
			market_data, severity, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = r.db.Exec(ctx, query,
		ev.ID, ev.RuleID, ev.PermissionID, ev.UserID,
		ev.Action.String(), ev.Reason, marketJSON,
		ev.Severity.String(), ev.Timestamp,
	)
	if err != nil {
		if IsDuplicateKeyViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ListSince returns events recorded at or after the cutoff, oldest first.
func (r *EventRepository) ListSince(ctx context.Context, since time.Time) (_ []*rule.AutoRevokeEvent, err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "list_since", "auto_revoke_events")
	defer func() {
		telemetry.WithSpanError(span, err)
		span.End()
	}()

	query := `
		SELECT id, rule_id, permission_id, user_id, action, reason,
			market_data, severity, occurred_at
		FROM auto_revoke_events
		WHERE occurred_at >= $1
		ORDER BY occurred_at`

	rows, err := r.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*rule.AutoRevokeEvent
	for rows.Next() {
		var (
			ev                     rule.AutoRevokeEvent
			actionStr, severityStr string
			marketJSON             []byte
		)
		if err := rows.Scan(&ev.ID, &ev.RuleID, &ev.PermissionID, &ev.UserID,
			&actionStr, &ev.Reason, &marketJSON, &severityStr, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		switch actionStr {
		case "restricted":
			ev.Action = rule.EventRestricted
		case "escalated":
			ev.Action = rule.EventEscalated
		default:
			ev.Action = rule.EventRevoked
		}
		if ev.Severity, err = rule.ParseSeverity(severityStr); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(marketJSON, &ev.MarketData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal market data: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
