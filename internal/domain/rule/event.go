package rule

import (
	"time"

	"github.com/google/uuid"

	"github.com/tradewarden/delegation-engine/internal/domain/errors"
	"github.com/tradewarden/delegation-engine/internal/domain/market"
)

// AutoRevokeEvent is the immutable record of one rule firing against one
// permission. Events are write-once: they feed analytics and the
// user-facing notification layer and are never mutated after creation.
type AutoRevokeEvent struct {
	ID           uuid.UUID        `json:"id"`
	RuleID       uuid.UUID        `json:"rule_id"`
	PermissionID uuid.UUID        `json:"permission_id"`
	UserID       uuid.UUID        `json:"user_id"`
	Action       EventAction      `json:"action"`
	Reason       string           `json:"reason"`
	MarketData   market.Condition `json:"market_data"`
	Timestamp    time.Time        `json:"timestamp"`
	Severity     Severity         `json:"severity"`
}

// EventAction is the applied outcome recorded on an event. It is past
// tense relative to the rule's Action: a rule that says "revoke" produces
// an event that says "revoked".
type EventAction int

const (
	EventRevoked EventAction = iota
	EventRestricted
	EventEscalated
)

func (a EventAction) String() string {
	switch a {
	case EventRevoked:
		return "revoked"
	case EventRestricted:
		return "restricted"
	case EventEscalated:
		return "escalated"
	default:
		return "unknown"
	}
}

// Applied maps a rule action to the event action recording it
func (a Action) Applied() EventAction {
	switch a {
	case ActionRestrict:
		return EventRestricted
	case ActionEscalate:
		return EventEscalated
	default:
		return EventRevoked
	}
}

// NewAutoRevokeEvent records a rule firing against a permission
func NewAutoRevokeEvent(r *AutoRevokeRule, permissionID, userID uuid.UUID, reason string, snapshot market.Condition) (*AutoRevokeEvent, error) {
	if r == nil {
		return nil, errors.NewValidationError("MISSING_RULE", "rule is required")
	}
	if permissionID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_PERMISSION_ID", "permission ID is required")
	}
	if userID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_USER_ID", "user ID is required")
	}

	return &AutoRevokeEvent{
		ID:           uuid.New(),
		RuleID:       r.ID,
		PermissionID: permissionID,
		UserID:       userID,
		Action:       r.Action.Applied(),
		Reason:       reason,
		MarketData:   snapshot,
		Timestamp:    time.Now().UTC(),
		Severity:     r.Severity,
	}, nil
}
