package lifecycle

import (
	"context"

	"github.com/google/uuid"

	"github.com/tradewarden/delegation-engine/internal/domain/permission"
)

// Store is the durable permission repository. Save persists the
// permission's fields and its audit log in one atomic write: a status
// change and the audit entry describing it are committed together or not
// at all.
type Store interface {
	FindByID(ctx context.Context, id uuid.UUID) (*permission.Permission, error)
	FindActiveByUser(ctx context.Context, userID uuid.UUID) ([]*permission.Permission, error)
	FindAllActive(ctx context.Context) ([]*permission.Permission, error)
	Save(ctx context.Context, p *permission.Permission) error
}

// StatusPublisher receives every permission status change for downstream
// notification and broadcast. Publishing is fire-and-forget: delivery
// guarantees belong to the sink, not the engine.
type StatusPublisher interface {
	PublishStatusChange(ctx context.Context, p *permission.Permission, entry permission.AuditEntry)
}

// VoteProposer opens a community vote over an escalated permission. The
// verdict arrives asynchronously and is applied through ApplyVoteOutcome.
type VoteProposer interface {
	ProposeVote(ctx context.Context, permissionID uuid.UUID, reasoning string) (uuid.UUID, error)
}

// Instrumentation counts completed state transitions by operation.
type Instrumentation interface {
	RecordTransition(ctx context.Context, operation string)
}
