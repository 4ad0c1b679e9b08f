package permission

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradewarden/delegation-engine/internal/domain/errors"
)

// Permission is a scoped, conditional grant of authority from a user to an
// autonomous agent. Status, scope and the audit log are only ever mutated
// through the lifecycle methods below; every transition appends exactly one
// audit entry describing cause and trigger source.
type Permission struct {
	ID      uuid.UUID `json:"id"`
	UserID  uuid.UUID `json:"user_id"`
	AgentID uuid.UUID `json:"agent_id"`

	Type   Type   `json:"type"`
	Status Status `json:"status"`

	Scope      Scope       `json:"scope"`
	Conditions []Condition `json:"conditions"`

	Metadata Metadata `json:"metadata"`

	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	AuditLog []AuditEntry `json:"audit_log"`
}

type Type int

const (
	TypeTradeExecution Type = iota
	TypePortfolioRebalancing
	TypeYieldOptimization
	TypeDCAExecution
	TypeRiskManagement
	TypeEmergencyActions
)

func (t Type) String() string {
	switch t {
	case TypeTradeExecution:
		return "trade_execution"
	case TypePortfolioRebalancing:
		return "portfolio_rebalancing"
	case TypeYieldOptimization:
		return "yield_optimization"
	case TypeDCAExecution:
		return "dca_execution"
	case TypeRiskManagement:
		return "risk_management"
	case TypeEmergencyActions:
		return "emergency_actions"
	default:
		return "unknown"
	}
}

// ParseType parses the wire form of a permission type
func ParseType(s string) (Type, error) {
	switch s {
	case "trade_execution":
		return TypeTradeExecution, nil
	case "portfolio_rebalancing":
		return TypePortfolioRebalancing, nil
	case "yield_optimization":
		return TypeYieldOptimization, nil
	case "dca_execution":
		return TypeDCAExecution, nil
	case "risk_management":
		return TypeRiskManagement, nil
	case "emergency_actions":
		return TypeEmergencyActions, nil
	default:
		return 0, fmt.Errorf("unknown permission type: %s", s)
	}
}

type Status int

const (
	StatusPending Status = iota
	StatusActive
	StatusRevoked
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusRevoked:
		return "revoked"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ParseStatus parses the wire form of a permission status
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "active":
		return StatusActive, nil
	case "revoked":
		return StatusRevoked, nil
	case "expired":
		return StatusExpired, nil
	default:
		return 0, fmt.Errorf("unknown permission status: %s", s)
	}
}

// Terminal reports whether the status admits no further transitions
func (s Status) Terminal() bool {
	return s == StatusRevoked || s == StatusExpired
}

type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseRiskLevel parses the wire form of a risk level
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch s {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	default:
		return 0, fmt.Errorf("unknown risk level: %s", s)
	}
}

// Metadata carries grant-level policy knobs that do not bound individual
// actions the way Scope does.
type Metadata struct {
	Description            string          `json:"description"`
	RiskLevel              RiskLevel       `json:"risk_level"`
	AutoRenew              bool            `json:"auto_renew"`
	RequiresConfirmation   bool            `json:"requires_confirmation"`
	CommunityVotingEnabled bool            `json:"community_voting_enabled"`
	EscalationThreshold    decimal.Decimal `json:"escalation_threshold"`
	Version                int             `json:"version"`
}

// New creates a pending permission with its initial audit entry
func New(userID, agentID uuid.UUID, permType Type, scope Scope, metadata Metadata) (*Permission, error) {
	if userID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_USER_ID", "user ID is required")
	}
	if agentID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_AGENT_ID", "agent ID is required")
	}
	if err := scope.Validate(); err != nil {
		return nil, errors.NewValidationError("INVALID_SCOPE", "scope validation failed").WithCause(err)
	}
	if err := validateMetadata(metadata); err != nil {
		return nil, errors.NewValidationError("INVALID_METADATA", "metadata validation failed").WithCause(err)
	}

	now := time.Now().UTC()
	if metadata.Version == 0 {
		metadata.Version = 1
	}

	p := &Permission{
		ID:        uuid.New(),
		UserID:    userID,
		AgentID:   agentID,
		Type:      permType,
		Status:    StatusPending,
		Scope:     scope,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	p.appendAudit("created", TriggerUser, "", map[string]interface{}{
		"type":       permType.String(),
		"risk_level": metadata.RiskLevel.String(),
	})

	return p, nil
}

// Grant activates a pending permission
func (p *Permission) Grant(triggeredBy TriggerSource) error {
	if p.Status != StatusPending {
		return errors.NewInvalidStateError("INVALID_GRANT",
			fmt.Sprintf("cannot grant permission in status %s", p.Status))
	}

	now := time.Now().UTC()
	p.Status = StatusActive
	p.GrantedAt = now
	p.UpdatedAt = now
	p.appendAudit("granted", triggeredBy, "", nil)
	return nil
}

// Revoke transitions an active permission to revoked. Revoking an already
// revoked permission is an idempotent no-op reported as AlreadyRevoked.
func (p *Permission) Revoke(reason string, triggeredBy TriggerSource) error {
	switch p.Status {
	case StatusRevoked:
		return errors.ErrAlreadyRevoked
	case StatusExpired:
		return errors.ErrAlreadyExpired
	case StatusActive:
		// proceed
	default:
		return errors.NewInvalidStateError("INVALID_REVOKE",
			fmt.Sprintf("cannot revoke permission in status %s", p.Status))
	}

	now := time.Now().UTC()
	p.Status = StatusRevoked
	p.RevokedAt = &now
	p.UpdatedAt = now
	p.appendAudit("revoked", triggeredBy, reason, nil)
	return nil
}

// Restrict replaces the scope of an active permission in place. The status
// is unchanged; restriction is a scope mutation, not a separate state.
func (p *Permission) Restrict(newScope Scope, reason string, triggeredBy TriggerSource) error {
	if p.Status != StatusActive {
		return errors.NewInvalidStateError("INVALID_RESTRICT",
			fmt.Sprintf("cannot restrict permission in status %s", p.Status))
	}
	if err := newScope.Validate(); err != nil {
		return errors.NewValidationError("INVALID_SCOPE", "restricted scope validation failed").WithCause(err)
	}

	previous := p.Scope
	p.Scope = newScope
	p.Metadata.Version++
	p.UpdatedAt = time.Now().UTC()
	p.appendAudit("restricted", triggeredBy, reason, map[string]interface{}{
		"previous_max_amount": previous.MaxAmount.String(),
		"new_max_amount":      newScope.MaxAmount.String(),
		"version":             p.Metadata.Version,
	})
	return nil
}

// Escalate hands the permission's fate to community voting: voting is
// enabled and the escalation threshold is halved so the vote resolves
// sooner. The permission stays active while the vote is open.
func (p *Permission) Escalate(reason string, triggeredBy TriggerSource) error {
	if p.Status != StatusActive {
		return errors.NewInvalidStateError("INVALID_ESCALATE",
			fmt.Sprintf("cannot escalate permission in status %s", p.Status))
	}

	p.Metadata.CommunityVotingEnabled = true
	p.Metadata.EscalationThreshold = p.Metadata.EscalationThreshold.Div(decimal.NewFromInt(2))
	p.UpdatedAt = time.Now().UTC()
	p.appendAudit("escalated", triggeredBy, reason, map[string]interface{}{
		"escalation_threshold": p.Metadata.EscalationThreshold.String(),
	})
	return nil
}

// Materialize forces expiry if ExpiresAt has passed. It is applied at every
// load boundary instead of a background sweep, so an expired permission
// surfaces as expired no matter who reads it. Returns true if the status
// changed.
func (p *Permission) Materialize(now time.Time) bool {
	if p.Status != StatusActive || p.ExpiresAt == nil {
		return false
	}
	if now.Before(*p.ExpiresAt) {
		return false
	}

	p.Status = StatusExpired
	p.UpdatedAt = now.UTC()
	p.appendAudit("expired", TriggerSystem, "expiry time passed", nil)
	return true
}

// IsActive reports whether the permission currently authorizes anything
func (p *Permission) IsActive(now time.Time) bool {
	if p.Status != StatusActive {
		return false
	}
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return false
	}
	return true
}

// Age returns how long the permission has been granted
func (p *Permission) Age(now time.Time) time.Duration {
	if p.GrantedAt.IsZero() {
		return 0
	}
	return now.Sub(p.GrantedAt)
}

// ActiveConditions returns the conditions with IsActive set, in declaration order
func (p *Permission) ActiveConditions() []Condition {
	active := make([]Condition, 0, len(p.Conditions))
	for _, c := range p.Conditions {
		if c.IsActive {
			active = append(active, c)
		}
	}
	return active
}

// Clone returns a deep copy. Lifecycle transitions mutate a clone first so
// a failed persist leaves the original untouched.
func (p *Permission) Clone() *Permission {
	clone := *p

	clone.Scope = p.Scope.Clone()

	if p.Conditions != nil {
		clone.Conditions = make([]Condition, len(p.Conditions))
		for i, c := range p.Conditions {
			clone.Conditions[i] = c.Clone()
		}
	}

	if p.AuditLog != nil {
		clone.AuditLog = make([]AuditEntry, len(p.AuditLog))
		for i, e := range p.AuditLog {
			clone.AuditLog[i] = e.Clone()
		}
	}

	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		clone.ExpiresAt = &t
	}
	if p.RevokedAt != nil {
		t := *p.RevokedAt
		clone.RevokedAt = &t
	}

	return &clone
}

func (p *Permission) appendAudit(action string, triggeredBy TriggerSource, reason string, details map[string]interface{}) {
	p.AuditLog = append(p.AuditLog, NewAuditEntry(action, triggeredBy, reason, details))
}

func validateMetadata(m Metadata) error {
	if m.EscalationThreshold.IsNegative() {
		return fmt.Errorf("escalation threshold cannot be negative")
	}
	if m.EscalationThreshold.Cmp(decimal.NewFromInt(1)) > 0 {
		return fmt.Errorf("escalation threshold cannot exceed 1.0")
	}
	return nil
}
