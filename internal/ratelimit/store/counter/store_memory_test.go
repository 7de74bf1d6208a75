package counter

import (
	"context"
	"testing"
	"time"

	"rategate/internal/ratelimit/models"

	"github.com/stretchr/testify/suite"
)

type InMemoryCounterStoreSuite struct {
	suite.Suite
	store *InMemoryCounterStore
}

func TestInMemoryCounterStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryCounterStoreSuite))
}

func (s *InMemoryCounterStoreSuite) SetupTest() {
	s.store = NewInMemoryCounterStore()
}

func (s *InMemoryCounterStoreSuite) TestCount() {
	ctx := context.Background()
	key := models.NewCounterKey(models.ActionLogin, models.ScopeIP, "192.168.1.10", models.WindowMinute)

	s.Run("missing bucket counts zero", func() {
		count, err := s.store.Count(ctx, key, time.Now().Add(-time.Minute), time.Now())
		s.NoError(err)
		s.Equal(0, count)
	})

	s.Run("counts only events inside the window", func() {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		s.NoError(s.store.Increment(ctx, key, now.Add(-90*time.Second), false))
		s.NoError(s.store.Increment(ctx, key, now.Add(-30*time.Second), false))
		s.NoError(s.store.Increment(ctx, key, now.Add(-5*time.Second), true))

		count, err := s.store.Count(ctx, key, now.Add(-time.Minute), now)
		s.NoError(err)
		s.Equal(2, count, "event before the window start must not be counted")
	})

	s.Run("event exactly at the window start is excluded", func() {
		key := models.NewCounterKey(models.ActionLogin, models.ScopeIP, "10.0.0.1", models.WindowMinute)
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		windowStart := now.Add(-time.Minute)

		s.NoError(s.store.Increment(ctx, key, windowStart, false))

		count, err := s.store.Count(ctx, key, windowStart, now)
		s.NoError(err)
		s.Equal(0, count)
	})
}

func (s *InMemoryCounterStoreSuite) TestBucketExpiry() {
	ctx := context.Background()
	key := models.NewCounterKey(models.ActionLogin, models.ScopeIP, "192.168.1.20", models.WindowMinute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.NoError(s.store.Increment(ctx, key, now, false))

	// Within the 2x-horizon TTL the bucket is alive, beyond it the whole
	// bucket reads as empty.
	count, err := s.store.Count(ctx, key, now.Add(time.Minute), now.Add(2*time.Minute))
	s.NoError(err)
	s.Equal(0, count)

	s.NoError(s.store.Increment(ctx, key, now, false))
	count, err = s.store.Count(ctx, key, now.Add(2*time.Minute), now.Add(3*time.Minute))
	s.NoError(err)
	s.Equal(0, count, "bucket past its TTL reads as empty")
}

func (s *InMemoryCounterStoreSuite) TestClear() {
	ctx := context.Background()
	now := time.Now()
	keys := models.KeysForScope(models.ActionLogin, models.ScopeIP, "192.168.1.30")

	for _, key := range keys {
		s.NoError(s.store.Increment(ctx, key, now, false))
	}

	s.NoError(s.store.Clear(ctx, keys))

	for _, key := range keys {
		count, err := s.store.Count(ctx, key, now.Add(-key.Window().Duration()), now)
		s.NoError(err)
		s.Equal(0, count)
	}
}

func (s *InMemoryCounterStoreSuite) TestKeyIsolation() {
	ctx := context.Background()
	now := time.Now()
	loginKey := models.NewCounterKey(models.ActionLogin, models.ScopeIP, "192.168.1.40", models.WindowMinute)
	apiKey := models.NewCounterKey(models.ActionAPI, models.ScopeIP, "192.168.1.40", models.WindowMinute)

	s.NoError(s.store.Increment(ctx, loginKey, now, false))

	count, err := s.store.Count(ctx, apiKey, now.Add(-time.Minute), now)
	s.NoError(err)
	s.Equal(0, count, "actions must not share buckets")
}
