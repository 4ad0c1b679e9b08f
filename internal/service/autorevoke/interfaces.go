package autorevoke

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tradewarden/delegation-engine/internal/domain/permission"
	"github.com/tradewarden/delegation-engine/internal/domain/rule"
)

// Lifecycle is the slice of the permission lifecycle manager the engine
// drives. Every action a rule fires goes through it, so the state machine's
// guards and audit trail apply to automated actions exactly as they do to
// user actions.
type Lifecycle interface {
	AllActive(ctx context.Context) ([]*permission.Permission, error)
	Revoke(ctx context.Context, id uuid.UUID, reason string, triggeredBy permission.TriggerSource) (*permission.Permission, error)
	Restrict(ctx context.Context, id uuid.UUID, newScope permission.Scope, reason string, triggeredBy permission.TriggerSource) (*permission.Permission, error)
	Escalate(ctx context.Context, id uuid.UUID, reason string, triggeredBy permission.TriggerSource) (*permission.Permission, error)
}

// EventStore persists auto-revoke events and serves the analytics queries
// over them. Records are insert-only.
type EventStore interface {
	Record(ctx context.Context, event *rule.AutoRevokeEvent) error
	ListSince(ctx context.Context, since time.Time) ([]*rule.AutoRevokeEvent, error)
}

// Instrumentation receives engine measurements. Implementations must be
// cheap; the engine calls these on the evaluation path.
type Instrumentation interface {
	RecordEvaluation(ctx context.Context, duration time.Duration, permissions, fired int)
	RecordRuleFired(ctx context.Context, signal, action string)
}
