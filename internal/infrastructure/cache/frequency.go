package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// frequencyPrefix namespaces the sliding-window keys
const frequencyPrefix = "txfreq:"

// maxWindow caps key TTLs; a frequency limit never looks further back than
// a month.
const maxWindow = 31 * 24 * time.Hour

// FrequencyLimiter counts permitted actions per permission in a sliding
// window, backed by Redis sorted sets scored by timestamp. Each recorded
// action lands in a per-action-type set and an aggregate per-permission
// set, so the evaluator can ask about one action type and the rule engine
// about overall activity.
type FrequencyLimiter struct {
	client *redis.Client
	logger *zap.Logger
}

func NewFrequencyLimiter(client *redis.Client, logger *zap.Logger) *FrequencyLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrequencyLimiter{client: client, logger: logger}
}

// Record registers one permitted action at the current time.
func (f *FrequencyLimiter) Record(ctx context.Context, permissionID uuid.UUID, actionType string) error {
	now := time.Now()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), now.Nanosecond()%1000)
	entry := redis.Z{Score: float64(now.UnixNano()), Member: member}

	pipe := f.client.Pipeline()
	for _, key := range f.keys(permissionID, actionType) {
		pipe.ZAdd(ctx, key, entry)
		pipe.Expire(ctx, key, maxWindow)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		f.logger.Error("frequency record failed",
			zap.String("permission_id", permissionID.String()),
			zap.String("action_type", actionType),
			zap.Error(err))
		return fmt.Errorf("frequency record failed: %w", err)
	}
	return nil
}

// Count returns the number of recorded actions inside the window ending
// now. An empty actionType counts all actions for the permission.
func (f *FrequencyLimiter) Count(ctx context.Context, permissionID uuid.UUID, actionType string, window time.Duration) (int, error) {
	key := f.key(permissionID, actionType)
	windowStart := time.Now().Add(-window)

	pipe := f.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		f.logger.Error("frequency count failed",
			zap.String("permission_id", permissionID.String()),
			zap.String("action_type", actionType),
			zap.Duration("window", window),
			zap.Error(err))
		return 0, fmt.Errorf("frequency count failed: %w", err)
	}
	return int(countCmd.Val()), nil
}

// Reset clears every recorded action for a permission, including the
// per-action-type sets.
func (f *FrequencyLimiter) Reset(ctx context.Context, permissionID uuid.UUID) error {
	pattern := frequencyPrefix + permissionID.String() + ":*"

	var cursor uint64
	for {
		keys, next, err := f.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("frequency reset scan failed: %w", err)
		}
		if len(keys) > 0 {
			if err := f.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("frequency reset delete failed: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

func (f *FrequencyLimiter) key(permissionID uuid.UUID, actionType string) string {
	if actionType == "" {
		actionType = "all"
	}
	return frequencyPrefix + permissionID.String() + ":" + actionType
}

// keys returns the aggregate key plus the per-action key, deduplicated
// when the action type is empty.
func (f *FrequencyLimiter) keys(permissionID uuid.UUID, actionType string) []string {
	all := f.key(permissionID, "")
	if actionType == "" {
		return []string{all}
	}
	return []string{all, f.key(permissionID, actionType)}
}
