package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradewarden/delegation-engine/internal/domain/permission"
	"github.com/tradewarden/delegation-engine/internal/domain/rule"
)

// Broadcaster delivers a message to every connection of one user.
type Broadcaster interface {
	Broadcast(ctx context.Context, userID uuid.UUID, msg Message)
}

// Publisher turns permission transitions and rule firings into client
// notifications. Publishing is fire-and-forget: a lifecycle transition
// never blocks on, or fails because of, notification delivery.
type Publisher struct {
	broadcaster Broadcaster
	logger      *zap.Logger
	timeout     time.Duration
}

func NewPublisher(broadcaster Broadcaster, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		broadcaster: broadcaster,
		logger:      logger,
		timeout:     5 * time.Second,
	}
}

// PublishStatusChange notifies the permission's owner of a state
// transition.
func (p *Publisher) PublishStatusChange(_ context.Context, perm *permission.Permission, entry permission.AuditEntry) {
	msg := Message{
		Type:       "permission_" + entry.Action,
		Permission: perm.Clone(),
		Timestamp:  time.Now().UTC(),
	}
	p.dispatch(perm.UserID, msg)
}

// PublishAutoRevoke notifies the affected user that a rule fired against
// their permission.
func (p *Publisher) PublishAutoRevoke(_ context.Context, event *rule.AutoRevokeEvent) {
	msg := Message{
		Type:      "auto_revoke_" + event.Action.String(),
		Event:     event,
		Timestamp: time.Now().UTC(),
	}
	p.dispatch(event.UserID, msg)
}

func (p *Publisher) dispatch(userID uuid.UUID, msg Message) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("publish panicked", zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		p.broadcaster.Broadcast(ctx, userID, msg)
	}()
}
