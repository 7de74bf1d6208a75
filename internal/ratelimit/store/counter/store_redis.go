package counter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"rategate/internal/ratelimit/models"
	dErrors "rategate/pkg/domain-errors"
)

// RedisCounterStore implements the counter backend on Redis sorted sets.
// Each bucket is one set: member = "<nanos>:<success>", score = unix seconds.
// Shared across replicas, which is why it is preferred over memory.
type RedisCounterStore struct {
	client redis.Cmdable
	logger *slog.Logger
}

// NewRedisCounterStore creates a Redis-backed counter store.
func NewRedisCounterStore(client redis.Cmdable, logger *slog.Logger) *RedisCounterStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCounterStore{client: client, logger: logger}
}

// Increment records one event and refreshes the bucket TTL. The TTL is twice
// the window horizon so trailing-edge entries remain countable.
func (s *RedisCounterStore) Increment(ctx context.Context, key models.CounterKey, now time.Time, success bool) error {
	member := fmt.Sprintf("%d:%t", now.UnixNano(), success)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key.String(), redis.Z{
		Score:  unixScore(now),
		Member: member,
	})
	pipe.Expire(ctx, key.String(), key.Window().TTL())
	if _, err := pipe.Exec(ctx); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "increment counter")
	}
	return nil
}

// Count trims entries at or before the window start, then returns the
// cardinality. Backend errors read as zero so a Redis outage admits traffic
// instead of denying it.
func (s *RedisCounterStore) Count(ctx context.Context, key models.CounterKey, windowStart, now time.Time) (int, error) {
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key.String(), "-inf", formatScore(unixScore(windowStart)))
	card := pipe.ZCard(ctx, key.String())
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WarnContext(ctx, "counter read failed, counting zero",
			"key", key.String(),
			"error", err,
		)
		return 0, nil
	}
	return int(card.Val()), nil
}

// Clear deletes the given buckets.
func (s *RedisCounterStore) Clear(ctx context.Context, keys []models.CounterKey) error {
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, key.String())
	}
	if len(names) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, names...).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "clear counters")
	}
	return nil
}

func unixScore(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
