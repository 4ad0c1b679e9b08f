package events_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradewarden/delegation-engine/internal/domain/market"
	"github.com/tradewarden/delegation-engine/internal/domain/permission"
	"github.com/tradewarden/delegation-engine/internal/domain/rule"
	"github.com/tradewarden/delegation-engine/internal/domain/values"
	"github.com/tradewarden/delegation-engine/internal/infrastructure/events"
)

type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []events.Message
	users    []uuid.UUID
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, userID uuid.UUID, msg events.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	b.users = append(b.users, userID)
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

func TestPublisher_StatusChangeReachesOwner(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	pub := events.NewPublisher(broadcaster, zap.NewNop())

	p, err := permission.New(uuid.New(), uuid.New(), permission.TypeTradeExecution,
		permission.Scope{MaxAmount: values.MustNewAmount("100")}, permission.Metadata{})
	require.NoError(t, err)
	require.NoError(t, p.Grant(permission.TriggerUser))

	pub.PublishStatusChange(context.Background(), p, p.AuditLog[len(p.AuditLog)-1])

	assert.Eventually(t, func() bool { return broadcaster.count() == 1 },
		time.Second, 5*time.Millisecond)

	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	assert.Equal(t, "permission_granted", broadcaster.messages[0].Type)
	assert.Equal(t, p.UserID, broadcaster.users[0])
	require.NotNil(t, broadcaster.messages[0].Permission)
	assert.Equal(t, p.ID, broadcaster.messages[0].Permission.ID)
}

func TestPublisher_AutoRevokeEvent(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	pub := events.NewPublisher(broadcaster, zap.NewNop())

	r := rule.NewAutoRevokeRule("guard", rule.SignalMarketVolatility,
		decimal.RequireFromString("0.8"), rule.ActionRevoke, rule.SeverityHigh)
	userID := uuid.New()
	event, err := rule.NewAutoRevokeEvent(r, uuid.New(), userID, "volatility spike", market.Condition{
		Volatility: decimal.RequireFromString("0.9"),
		Timestamp:  time.Now().UTC(),
	})
	require.NoError(t, err)

	pub.PublishAutoRevoke(context.Background(), event)

	assert.Eventually(t, func() bool { return broadcaster.count() == 1 },
		time.Second, 5*time.Millisecond)

	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	assert.Equal(t, "auto_revoke_revoked", broadcaster.messages[0].Type)
	assert.Equal(t, userID, broadcaster.users[0])
}
