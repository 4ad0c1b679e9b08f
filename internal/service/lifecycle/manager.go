package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tradewarden/delegation-engine/internal/domain/errors"
	"github.com/tradewarden/delegation-engine/internal/domain/permission"
	"github.com/tradewarden/delegation-engine/internal/infrastructure/telemetry"
)

// Manager owns every permission state transition. All mutations follow the
// same shape: load, clone, mutate the clone, persist, publish. A failed
// persist discards the clone, so callers never observe a half-applied
// transition.
type Manager struct {
	store       Store
	publisher   StatusPublisher
	votes       VoteProposer
	validate    *validator.Validate
	logger      *zap.Logger
	tracer      trace.Tracer
	instruments Instrumentation
}

// Option configures a Manager.
type Option func(*Manager)

// WithInstrumentation wires transition metrics.
func WithInstrumentation(i Instrumentation) Option {
	return func(m *Manager) { m.instruments = i }
}

func NewManager(store Store, publisher StatusPublisher, votes VoteProposer, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:     store,
		publisher: publisher,
		votes:     votes,
		validate:  validator.New(),
		logger:    logger,
		tracer:    telemetry.Tracer("lifecycle.manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create builds a pending permission from the request and persists it. The
// returned permission awaits an explicit Grant before it authorizes anything.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*permission.Permission, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, errors.NewValidationError("INVALID_REQUEST", "create request validation failed").WithCause(err)
	}

	permType, err := permission.ParseType(req.Type)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_TYPE", err.Error())
	}

	metadata := permission.Metadata{
		Description:         req.Description,
		AutoRenew:           req.AutoRenew,
		EscalationThreshold: req.EscalationThreshold,
	}
	if req.RiskLevel != "" {
		level, err := permission.ParseRiskLevel(req.RiskLevel)
		if err != nil {
			return nil, errors.NewValidationError("INVALID_RISK_LEVEL", err.Error())
		}
		metadata.RiskLevel = level
	}

	p, err := permission.New(req.UserID, req.AgentID, permType, req.Scope, metadata)
	if err != nil {
		return nil, err
	}
	p.Conditions = req.Conditions

	if req.TTL > 0 {
		expires := time.Now().UTC().Add(req.TTL)
		p.ExpiresAt = &expires
	}

	if err := m.store.Save(ctx, p); err != nil {
		return nil, errors.NewPersistenceError("failed to persist permission").WithCause(err)
	}

	m.logger.Info("permission created",
		zap.String("permission_id", p.ID.String()),
		zap.String("user_id", p.UserID.String()),
		zap.String("agent_id", p.AgentID.String()),
		zap.String("type", p.Type.String()),
	)
	return p, nil
}

// Grant activates a pending permission.
func (m *Manager) Grant(ctx context.Context, id uuid.UUID, triggeredBy permission.TriggerSource) (*permission.Permission, error) {
	return m.transition(ctx, id, "grant", func(p *permission.Permission) error {
		return p.Grant(triggeredBy)
	})
}

// Revoke transitions a permission to revoked. Revoking an already revoked
// permission returns AlreadyRevoked without touching the store.
func (m *Manager) Revoke(ctx context.Context, id uuid.UUID, reason string, triggeredBy permission.TriggerSource) (*permission.Permission, error) {
	return m.transition(ctx, id, "revoke", func(p *permission.Permission) error {
		return p.Revoke(reason, triggeredBy)
	})
}

// Restrict replaces the scope of an active permission.
func (m *Manager) Restrict(ctx context.Context, id uuid.UUID, newScope permission.Scope, reason string, triggeredBy permission.TriggerSource) (*permission.Permission, error) {
	return m.transition(ctx, id, "restrict", func(p *permission.Permission) error {
		return p.Restrict(newScope, reason, triggeredBy)
	})
}

// Escalate enables community voting on the permission and opens a vote when
// a proposer is wired. The permission stays active while the vote runs.
func (m *Manager) Escalate(ctx context.Context, id uuid.UUID, reason string, triggeredBy permission.TriggerSource) (*permission.Permission, error) {
	p, err := m.transition(ctx, id, "escalate", func(p *permission.Permission) error {
		return p.Escalate(reason, triggeredBy)
	})
	if err != nil {
		return nil, err
	}

	if m.votes != nil {
		voteID, err := m.votes.ProposeVote(ctx, p.ID, reason)
		if err != nil {
			// The escalation itself is already durable; a failed vote
			// proposal is logged and retried by the next escalation.
			m.logger.Warn("vote proposal failed",
				zap.String("permission_id", p.ID.String()),
				zap.Error(err),
			)
		} else {
			m.logger.Info("community vote opened",
				zap.String("permission_id", p.ID.String()),
				zap.String("vote_id", voteID.String()),
			)
		}
	}
	return p, nil
}

// ApplyVoteOutcome resolves a community vote over an escalated permission.
// A rejecting vote revokes the permission; an approving vote records the
// verdict and leaves it active.
func (m *Manager) ApplyVoteOutcome(ctx context.Context, id uuid.UUID, approved bool, reasoning string) (*permission.Permission, error) {
	if approved {
		return m.transition(ctx, id, "vote_approved", func(p *permission.Permission) error {
			if p.Status != permission.StatusActive {
				return errors.NewInvalidStateError("INVALID_VOTE_OUTCOME",
					fmt.Sprintf("cannot apply vote outcome in status %s", p.Status))
			}
			p.AuditLog = append(p.AuditLog,
				permission.NewAuditEntry("vote_approved", permission.TriggerCommunity, reasoning, nil))
			p.UpdatedAt = time.Now().UTC()
			return nil
		})
	}
	return m.transition(ctx, id, "vote_rejected", func(p *permission.Permission) error {
		return p.Revoke(fmt.Sprintf("community vote rejected: %s", reasoning), permission.TriggerCommunity)
	})
}

// Get loads a permission, materializing expiry at the read boundary. A
// materialized expiry is persisted before the permission is returned.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*permission.Permission, error) {
	p, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Materialize(time.Now().UTC()) {
		if err := m.store.Save(ctx, p); err != nil {
			return nil, errors.NewPersistenceError("failed to persist materialized expiry").WithCause(err)
		}
		m.publishLast(ctx, p)
	}
	return p, nil
}

// ActiveForUser returns the user's permissions that are still active after
// expiry materialization.
func (m *Manager) ActiveForUser(ctx context.Context, userID uuid.UUID) ([]*permission.Permission, error) {
	perms, err := m.store.FindActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.materializeAll(ctx, perms), nil
}

// AllActive returns every active permission across users, used by the
// auto-revoke engine's evaluation pass.
func (m *Manager) AllActive(ctx context.Context) ([]*permission.Permission, error) {
	perms, err := m.store.FindAllActive(ctx)
	if err != nil {
		return nil, err
	}
	return m.materializeAll(ctx, perms), nil
}

func (m *Manager) materializeAll(ctx context.Context, perms []*permission.Permission) []*permission.Permission {
	now := time.Now().UTC()
	active := perms[:0]
	for _, p := range perms {
		if p.Materialize(now) {
			if err := m.store.Save(ctx, p); err != nil {
				m.logger.Error("persisting materialized expiry failed",
					zap.String("permission_id", p.ID.String()),
					zap.Error(err),
				)
				continue
			}
			m.publishLast(ctx, p)
			continue
		}
		if p.Status == permission.StatusActive {
			active = append(active, p)
		}
	}
	return active
}

// transition runs one lifecycle mutation with clone-mutate-persist
// semantics and publishes the resulting audit entry on success.
func (m *Manager) transition(ctx context.Context, id uuid.UUID, op string, mutate func(*permission.Permission) error) (*permission.Permission, error) {
	ctx, span := telemetry.StartLifecycleSpan(ctx, m.tracer, op, id.String())
	defer span.End()

	p, err := m.store.FindByID(ctx, id)
	if err != nil {
		telemetry.WithSpanError(span, err)
		return nil, err
	}
	p.Materialize(time.Now().UTC())

	clone := p.Clone()
	if err := mutate(clone); err != nil {
		telemetry.WithSpanError(span, err)
		return nil, err
	}

	if err := m.store.Save(ctx, clone); err != nil {
		m.logger.Error("lifecycle transition persist failed",
			zap.String("permission_id", id.String()),
			zap.String("operation", op),
			zap.Error(err),
		)
		telemetry.WithSpanError(span, err)
		return nil, errors.NewPersistenceError(fmt.Sprintf("failed to persist %s", op)).WithCause(err)
	}

	if m.instruments != nil {
		m.instruments.RecordTransition(ctx, op)
	}

	m.logger.Info("permission transitioned",
		zap.String("permission_id", clone.ID.String()),
		zap.String("operation", op),
		zap.String("status", clone.Status.String()),
	)
	m.publishLast(ctx, clone)
	return clone, nil
}

func (m *Manager) publishLast(ctx context.Context, p *permission.Permission) {
	if m.publisher == nil || len(p.AuditLog) == 0 {
		return
	}
	m.publisher.PublishStatusChange(ctx, p, p.AuditLog[len(p.AuditLog)-1])
}
