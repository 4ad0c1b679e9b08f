package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tradewarden/delegation-engine/internal/domain/market"
)

// snapshotKey holds the most recent market snapshot.
const snapshotKey = "market:snapshot:latest"

// defaultMaxAge bounds snapshot staleness; a snapshot older than this is
// treated as unavailable rather than served to the engine.
const defaultMaxAge = 15 * time.Minute

// SnapshotStore keeps the latest market condition in Redis. Ingest
// processes publish snapshots as they arrive; the scheduler reads the
// current one at the start of every evaluation pass.
type SnapshotStore struct {
	client *redis.Client
	logger *zap.Logger
	maxAge time.Duration
}

func NewSnapshotStore(client *redis.Client, logger *zap.Logger) *SnapshotStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotStore{client: client, logger: logger, maxAge: defaultMaxAge}
}

// WithMaxAge overrides the staleness bound.
func (s *SnapshotStore) WithMaxAge(maxAge time.Duration) *SnapshotStore {
	s.maxAge = maxAge
	return s
}

// Publish stores a validated snapshot as the current one. The key expires
// at the staleness bound so a dead feed surfaces as "no snapshot" instead
// of an ever-older reading.
func (s *SnapshotStore) Publish(ctx context.Context, cond market.Condition) error {
	if err := cond.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	payload, err := json.Marshal(cond)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := s.client.Set(ctx, snapshotKey, payload, s.maxAge).Err(); err != nil {
		s.logger.Error("snapshot publish failed", zap.Error(err))
		return fmt.Errorf("snapshot publish failed: %w", err)
	}
	return nil
}

// Current returns the latest published snapshot. Missing or stale data is
// an error; callers skip the pass rather than evaluate on a guess.
func (s *SnapshotStore) Current(ctx context.Context) (market.Condition, error) {
	payload, err := s.client.Get(ctx, snapshotKey).Bytes()
	if err == redis.Nil {
		return market.Condition{}, fmt.Errorf("no market snapshot available")
	}
	if err != nil {
		return market.Condition{}, fmt.Errorf("snapshot read failed: %w", err)
	}

	var cond market.Condition
	if err := json.Unmarshal(payload, &cond); err != nil {
		return market.Condition{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if age := cond.Age(time.Now()); age > s.maxAge {
		return market.Condition{}, fmt.Errorf("market snapshot stale by %s", age)
	}
	return cond, nil
}
