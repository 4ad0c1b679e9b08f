package lifecycle

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradewarden/delegation-engine/internal/domain/permission"
)

// CreateRequest carries everything needed to create a pending permission.
// Validation happens in Manager.Create before any domain object is built.
type CreateRequest struct {
	UserID      uuid.UUID              `json:"user_id" validate:"required"`
	AgentID     uuid.UUID              `json:"agent_id" validate:"required"`
	Type        string                 `json:"type" validate:"required"`
	Scope       permission.Scope       `json:"scope"`
	Conditions  []permission.Condition `json:"conditions" validate:"dive"`
	Description string                 `json:"description" validate:"max=512"`
	RiskLevel   string                 `json:"risk_level" validate:"omitempty,oneof=low medium high"`
	AutoRenew   bool                   `json:"auto_renew"`
	TTL         time.Duration          `json:"ttl" validate:"omitempty,min=0"`

	EscalationThreshold decimal.Decimal `json:"escalation_threshold"`
}
