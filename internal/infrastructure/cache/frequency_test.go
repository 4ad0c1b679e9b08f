package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradewarden/delegation-engine/internal/infrastructure/cache"
)

func setupLimiter(t *testing.T) (*cache.FrequencyLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewFrequencyLimiter(client, zap.NewNop()), mr
}

func TestFrequencyLimiter_RecordAndCount(t *testing.T) {
	limiter, _ := setupLimiter(t)
	ctx := context.Background()
	permID := uuid.New()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Record(ctx, permID, "swap"))
	}
	require.NoError(t, limiter.Record(ctx, permID, "transfer"))

	count, err := limiter.Count(ctx, permID, "swap", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = limiter.Count(ctx, permID, "transfer", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = limiter.Count(ctx, permID, "", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, count, "empty action type aggregates everything")
}

func TestFrequencyLimiter_WindowExcludesOldEntries(t *testing.T) {
	limiter, _ := setupLimiter(t)
	ctx := context.Background()
	permID := uuid.New()

	require.NoError(t, limiter.Record(ctx, permID, "swap"))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, limiter.Record(ctx, permID, "swap"))

	count, err := limiter.Count(ctx, permID, "swap", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "the older record has left the window")

	count, err = limiter.Count(ctx, permID, "swap", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "window trimming removed the older record for good")
}

func TestFrequencyLimiter_IsolatesPermissions(t *testing.T) {
	limiter, _ := setupLimiter(t)
	ctx := context.Background()
	first, second := uuid.New(), uuid.New()

	require.NoError(t, limiter.Record(ctx, first, "swap"))
	require.NoError(t, limiter.Record(ctx, first, "swap"))
	require.NoError(t, limiter.Record(ctx, second, "swap"))

	count, err := limiter.Count(ctx, first, "swap", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = limiter.Count(ctx, second, "swap", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFrequencyLimiter_Reset(t *testing.T) {
	limiter, _ := setupLimiter(t)
	ctx := context.Background()
	permID := uuid.New()

	require.NoError(t, limiter.Record(ctx, permID, "swap"))
	require.NoError(t, limiter.Record(ctx, permID, "transfer"))
	require.NoError(t, limiter.Reset(ctx, permID))

	count, err := limiter.Count(ctx, permID, "", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, count)
}
