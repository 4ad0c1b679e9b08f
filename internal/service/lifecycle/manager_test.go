package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domainerrors "github.com/tradewarden/delegation-engine/internal/domain/errors"
	"github.com/tradewarden/delegation-engine/internal/domain/permission"
	"github.com/tradewarden/delegation-engine/internal/domain/values"
	"github.com/tradewarden/delegation-engine/internal/service/lifecycle"
)

type fakeStore struct {
	mu      sync.Mutex
	perms   map[uuid.UUID]*permission.Permission
	saveErr error
	saves   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{perms: make(map[uuid.UUID]*permission.Permission)}
}

func (s *fakeStore) FindByID(_ context.Context, id uuid.UUID) (*permission.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.perms[id]
	if !ok {
		return nil, domainerrors.ErrPermissionNotFound
	}
	return p.Clone(), nil
}

func (s *fakeStore) FindActiveByUser(_ context.Context, userID uuid.UUID) ([]*permission.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*permission.Permission
	for _, p := range s.perms {
		if p.UserID == userID && p.Status == permission.StatusActive {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *fakeStore) FindAllActive(_ context.Context) ([]*permission.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*permission.Permission
	for _, p := range s.perms {
		if p.Status == permission.StatusActive {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *fakeStore) Save(_ context.Context, p *permission.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.perms[p.ID] = p.Clone()
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	entries []permission.AuditEntry
}

func (f *fakePublisher) PublishStatusChange(_ context.Context, _ *permission.Permission, entry permission.AuditEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

func (f *fakePublisher) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.Action
	}
	return out
}

type fakeProposer struct {
	proposed []uuid.UUID
	err      error
}

func (f *fakeProposer) ProposeVote(_ context.Context, permissionID uuid.UUID, _ string) (uuid.UUID, error) {
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.proposed = append(f.proposed, permissionID)
	return uuid.New(), nil
}

func createRequest() lifecycle.CreateRequest {
	return lifecycle.CreateRequest{
		UserID:  uuid.New(),
		AgentID: uuid.New(),
		Type:    "trade_execution",
		Scope: permission.Scope{
			Tokens:        []string{"ETH", "USDC"},
			MaxAmount:     values.MustNewAmount("1000"),
			MaxPercentage: values.MustNewPercentage("0.1"),
		},
		Description:         "swap authority",
		RiskLevel:           "medium",
		EscalationThreshold: decimal.RequireFromString("0.8"),
	}
}

func TestManager_CreateAndGrant(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	mgr := lifecycle.NewManager(store, pub, nil, zap.NewNop())
	ctx := context.Background()

	p, err := mgr.Create(ctx, createRequest())
	require.NoError(t, err)
	assert.Equal(t, permission.StatusPending, p.Status)
	assert.Equal(t, 1, p.Metadata.Version)
	require.Len(t, p.AuditLog, 1)
	assert.Equal(t, "created", p.AuditLog[0].Action)

	granted, err := mgr.Grant(ctx, p.ID, permission.TriggerUser)
	require.NoError(t, err)
	assert.Equal(t, permission.StatusActive, granted.Status)
	assert.False(t, granted.GrantedAt.IsZero())

	// transition went through the store, not the in-memory object
	stored, err := store.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, permission.StatusActive, stored.Status)
	assert.Equal(t, []string{"granted"}, pub.actions())
}

func TestManager_CreateRejectsInvalidRequest(t *testing.T) {
	mgr := lifecycle.NewManager(newFakeStore(), nil, nil, zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*lifecycle.CreateRequest)
	}{
		{"missing user", func(r *lifecycle.CreateRequest) { r.UserID = uuid.Nil }},
		{"missing agent", func(r *lifecycle.CreateRequest) { r.AgentID = uuid.Nil }},
		{"unknown type", func(r *lifecycle.CreateRequest) { r.Type = "world_domination" }},
		{"unknown risk level", func(r *lifecycle.CreateRequest) { r.RiskLevel = "extreme" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := createRequest()
			tt.mutate(&req)
			_, err := mgr.Create(ctx, req)
			require.Error(t, err)
			assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeValidation))
		})
	}
}

func TestManager_RevokeIdempotency(t *testing.T) {
	store := newFakeStore()
	mgr := lifecycle.NewManager(store, nil, nil, zap.NewNop())
	ctx := context.Background()

	p, err := mgr.Create(ctx, createRequest())
	require.NoError(t, err)
	_, err = mgr.Grant(ctx, p.ID, permission.TriggerUser)
	require.NoError(t, err)

	revoked, err := mgr.Revoke(ctx, p.ID, "user request", permission.TriggerUser)
	require.NoError(t, err)
	assert.Equal(t, permission.StatusRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedAt)

	savesBefore := store.saves
	_, err = mgr.Revoke(ctx, p.ID, "again", permission.TriggerUser)
	assert.True(t, domainerrors.IsAlreadyRevoked(err))
	assert.Equal(t, savesBefore, store.saves, "second revoke must not write")

	stored, err := store.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, stored.AuditLog, 3, "created, granted, revoked and nothing else")
}

func TestManager_FailedPersistLeavesStateUntouched(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	mgr := lifecycle.NewManager(store, pub, nil, zap.NewNop())
	ctx := context.Background()

	p, err := mgr.Create(ctx, createRequest())
	require.NoError(t, err)
	_, err = mgr.Grant(ctx, p.ID, permission.TriggerUser)
	require.NoError(t, err)

	store.saveErr = errors.New("connection reset")
	_, err = mgr.Revoke(ctx, p.ID, "market crash", permission.TriggerSystem)
	require.Error(t, err)
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypePersistence))

	store.saveErr = nil
	stored, err := store.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, permission.StatusActive, stored.Status, "failed persist must roll back")
	assert.Equal(t, []string{"granted"}, pub.actions(), "no event for the failed transition")
}

func TestManager_RestrictBumpsVersion(t *testing.T) {
	store := newFakeStore()
	mgr := lifecycle.NewManager(store, nil, nil, zap.NewNop())
	ctx := context.Background()

	p, err := mgr.Create(ctx, createRequest())
	require.NoError(t, err)
	_, err = mgr.Grant(ctx, p.ID, permission.TriggerUser)
	require.NoError(t, err)

	tightened := permission.Scope{
		Tokens:        []string{"USDC"},
		MaxAmount:     values.MustNewAmount("500"),
		MaxPercentage: values.MustNewPercentage("0.05"),
	}
	restricted, err := mgr.Restrict(ctx, p.ID, tightened, "volatility spike", permission.TriggerSystem)
	require.NoError(t, err)
	assert.Equal(t, permission.StatusActive, restricted.Status)
	assert.Equal(t, 2, restricted.Metadata.Version)
	assert.True(t, restricted.Scope.MaxAmount.Equal(values.MustNewAmount("500")))
	assert.Equal(t, "restricted", restricted.AuditLog[len(restricted.AuditLog)-1].Action)
}

func TestManager_EscalateOpensVote(t *testing.T) {
	store := newFakeStore()
	votes := &fakeProposer{}
	mgr := lifecycle.NewManager(store, nil, votes, zap.NewNop())
	ctx := context.Background()

	p, err := mgr.Create(ctx, createRequest())
	require.NoError(t, err)
	_, err = mgr.Grant(ctx, p.ID, permission.TriggerUser)
	require.NoError(t, err)

	escalated, err := mgr.Escalate(ctx, p.ID, "sustained drawdown", permission.TriggerAI)
	require.NoError(t, err)
	assert.True(t, escalated.Metadata.CommunityVotingEnabled)
	assert.True(t, escalated.Metadata.EscalationThreshold.Equal(decimal.RequireFromString("0.4")))
	require.Len(t, votes.proposed, 1)
	assert.Equal(t, p.ID, votes.proposed[0])
}

func TestManager_EscalateSurvivesVoteProposalFailure(t *testing.T) {
	store := newFakeStore()
	votes := &fakeProposer{err: errors.New("governance unavailable")}
	mgr := lifecycle.NewManager(store, nil, votes, zap.NewNop())
	ctx := context.Background()

	p, err := mgr.Create(ctx, createRequest())
	require.NoError(t, err)
	_, err = mgr.Grant(ctx, p.ID, permission.TriggerUser)
	require.NoError(t, err)

	escalated, err := mgr.Escalate(ctx, p.ID, "sustained drawdown", permission.TriggerAI)
	require.NoError(t, err, "escalation is durable even when the vote proposal fails")
	assert.True(t, escalated.Metadata.CommunityVotingEnabled)
}

func TestManager_ApplyVoteOutcome(t *testing.T) {
	store := newFakeStore()
	mgr := lifecycle.NewManager(store, nil, nil, zap.NewNop())
	ctx := context.Background()

	setup := func(t *testing.T) uuid.UUID {
		p, err := mgr.Create(ctx, createRequest())
		require.NoError(t, err)
		_, err = mgr.Grant(ctx, p.ID, permission.TriggerUser)
		require.NoError(t, err)
		_, err = mgr.Escalate(ctx, p.ID, "risk breach", permission.TriggerSystem)
		require.NoError(t, err)
		return p.ID
	}

	t.Run("rejection revokes", func(t *testing.T) {
		id := setup(t)
		p, err := mgr.ApplyVoteOutcome(ctx, id, false, "majority against")
		require.NoError(t, err)
		assert.Equal(t, permission.StatusRevoked, p.Status)
		last := p.AuditLog[len(p.AuditLog)-1]
		assert.Equal(t, permission.TriggerCommunity, last.TriggeredBy)
		assert.Contains(t, last.Reason, "majority against")
	})

	t.Run("approval keeps active", func(t *testing.T) {
		id := setup(t)
		p, err := mgr.ApplyVoteOutcome(ctx, id, true, "majority in favor")
		require.NoError(t, err)
		assert.Equal(t, permission.StatusActive, p.Status)
		assert.Equal(t, "vote_approved", p.AuditLog[len(p.AuditLog)-1].Action)
	})
}

func TestManager_GetMaterializesExpiry(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	mgr := lifecycle.NewManager(store, pub, nil, zap.NewNop())
	ctx := context.Background()

	req := createRequest()
	req.TTL = time.Nanosecond
	p, err := mgr.Create(ctx, req)
	require.NoError(t, err)
	_, err = mgr.Grant(ctx, p.ID, permission.TriggerUser)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	got, err := mgr.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, permission.StatusExpired, got.Status)

	stored, err := store.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, permission.StatusExpired, stored.Status, "materialized expiry is persisted")
	assert.Contains(t, pub.actions(), "expired")
}

func TestManager_AllActiveFiltersExpired(t *testing.T) {
	store := newFakeStore()
	mgr := lifecycle.NewManager(store, nil, nil, zap.NewNop())
	ctx := context.Background()

	fresh, err := mgr.Create(ctx, createRequest())
	require.NoError(t, err)
	_, err = mgr.Grant(ctx, fresh.ID, permission.TriggerUser)
	require.NoError(t, err)

	stale := createRequest()
	stale.TTL = time.Nanosecond
	expired, err := mgr.Create(ctx, stale)
	require.NoError(t, err)
	_, err = mgr.Grant(ctx, expired.ID, permission.TriggerUser)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	active, err := mgr.AllActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, fresh.ID, active[0].ID)
}

// fakeInstruments records transition operations for assertions
type fakeInstruments struct {
	mu  sync.Mutex
	ops []string
}

func (f *fakeInstruments) RecordTransition(_ context.Context, operation string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, operation)
}

func TestManager_TransitionsRecorded(t *testing.T) {
	store := newFakeStore()
	instruments := &fakeInstruments{}
	mgr := lifecycle.NewManager(store, nil, nil, zap.NewNop(),
		lifecycle.WithInstrumentation(instruments))
	ctx := context.Background()

	p, err := mgr.Create(ctx, createRequest())
	require.NoError(t, err)
	_, err = mgr.Grant(ctx, p.ID, permission.TriggerUser)
	require.NoError(t, err)
	narrowed := permission.Scope{
		Tokens:        []string{"ETH"},
		MaxAmount:     values.MustNewAmount("500"),
		MaxPercentage: values.MustNewPercentage("0.05"),
	}
	_, err = mgr.Restrict(ctx, p.ID, narrowed, "volatility spike", permission.TriggerSystem)
	require.NoError(t, err)
	_, err = mgr.Revoke(ctx, p.ID, "user request", permission.TriggerUser)
	require.NoError(t, err)

	assert.Equal(t, []string{"grant", "restrict", "revoke"}, instruments.ops)
}

func TestManager_FailedTransitionNotRecorded(t *testing.T) {
	store := newFakeStore()
	instruments := &fakeInstruments{}
	mgr := lifecycle.NewManager(store, nil, nil, zap.NewNop(),
		lifecycle.WithInstrumentation(instruments))
	ctx := context.Background()

	p, err := mgr.Create(ctx, createRequest())
	require.NoError(t, err)
	_, err = mgr.Grant(ctx, p.ID, permission.TriggerUser)
	require.NoError(t, err)

	store.saveErr = errors.New("connection reset")
	_, err = mgr.Revoke(ctx, p.ID, "user request", permission.TriggerUser)
	require.Error(t, err)

	assert.Equal(t, []string{"grant"}, instruments.ops)
}
