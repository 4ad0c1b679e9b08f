package fixtures

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradewarden/delegation-engine/internal/domain/permission"
	"github.com/tradewarden/delegation-engine/internal/domain/values"
)

// PermissionBuilder builds test Permission aggregates
type PermissionBuilder struct {
	userID     uuid.UUID
	agentID    uuid.UUID
	permType   permission.Type
	scope      permission.Scope
	conditions []permission.Condition
	metadata   permission.Metadata
	ttl        time.Duration
	granted    bool
}

// NewPermissionBuilder creates a builder with sane defaults: a trade
// execution grant over ETH and USDC, capped at 1000 and 10% of portfolio.
func NewPermissionBuilder() *PermissionBuilder {
	return &PermissionBuilder{
		userID:   uuid.New(),
		agentID:  uuid.New(),
		permType: permission.TypeTradeExecution,
		scope: permission.Scope{
			Tokens:        []string{"ETH", "USDC"},
			MaxAmount:     values.MustNewAmount("1000"),
			MaxPercentage: values.MustNewPercentage("0.1"),
		},
		metadata: permission.Metadata{
			Description:         "test grant",
			RiskLevel:           permission.RiskMedium,
			EscalationThreshold: decimal.RequireFromString("0.8"),
		},
		granted: true,
	}
}

func (b *PermissionBuilder) WithUser(id uuid.UUID) *PermissionBuilder {
	b.userID = id
	return b
}

func (b *PermissionBuilder) WithAgent(id uuid.UUID) *PermissionBuilder {
	b.agentID = id
	return b
}

func (b *PermissionBuilder) WithType(t permission.Type) *PermissionBuilder {
	b.permType = t
	return b
}

func (b *PermissionBuilder) WithScope(s permission.Scope) *PermissionBuilder {
	b.scope = s
	return b
}

func (b *PermissionBuilder) WithConditions(conditions ...permission.Condition) *PermissionBuilder {
	b.conditions = conditions
	return b
}

func (b *PermissionBuilder) WithMetadata(m permission.Metadata) *PermissionBuilder {
	b.metadata = m
	return b
}

func (b *PermissionBuilder) WithTTL(ttl time.Duration) *PermissionBuilder {
	b.ttl = ttl
	return b
}

// Pending leaves the permission ungranted
func (b *PermissionBuilder) Pending() *PermissionBuilder {
	b.granted = false
	return b
}

// Build constructs the permission, granting it unless Pending was called
func (b *PermissionBuilder) Build(t *testing.T) *permission.Permission {
	t.Helper()

	p, err := permission.New(b.userID, b.agentID, b.permType, b.scope, b.metadata)
	require.NoError(t, err)
	p.Conditions = b.conditions

	if b.ttl > 0 {
		expires := time.Now().UTC().Add(b.ttl)
		p.ExpiresAt = &expires
	}
	if b.granted {
		require.NoError(t, p.Grant(permission.TriggerUser))
	}
	return p
}
