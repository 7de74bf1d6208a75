package counter

import (
	"context"
	"sync"
	"time"

	"rategate/internal/ratelimit/models"
	psync "rategate/pkg/platform/sync"
)

// InMemoryCounterStore implements the counter backend with per-key event
// slices. It is the fallback when Redis is unreachable at startup; a single
// process sees a consistent view, multiple replicas do not share state.
type InMemoryCounterStore struct {
	locks   *psync.ShardedMutex
	mu      sync.RWMutex
	buckets map[string]*eventLog
}

// eventLog is the aggregate for one counter bucket.
type eventLog struct {
	events    []event
	expiresAt time.Time
}

type event struct {
	at      time.Time
	success bool
}

// evict drops events older than the window start. Counting always evicts
// first so a bucket never reports stale entries.
func (l *eventLog) evict(windowStart time.Time) {
	i := 0
	for ; i < len(l.events); i++ {
		if l.events[i].at.After(windowStart) {
			break
		}
	}
	l.events = l.events[i:]
}

func (l *eventLog) count(windowStart time.Time) int {
	l.evict(windowStart)
	return len(l.events)
}

// NewInMemoryCounterStore creates a new in-memory counter store.
func NewInMemoryCounterStore() *InMemoryCounterStore {
	return &InMemoryCounterStore{
		locks:   psync.NewShardedMutex(),
		buckets: make(map[string]*eventLog),
	}
}

// Increment appends one event to the bucket and refreshes its TTL.
func (s *InMemoryCounterStore) Increment(ctx context.Context, key models.CounterKey, now time.Time, success bool) error {
	k := key.String()
	s.locks.Lock(k)
	defer s.locks.Unlock(k)

	bucket := s.bucket(k)
	bucket.events = append(bucket.events, event{at: now, success: success})
	bucket.expiresAt = now.Add(key.Window().TTL())
	return nil
}

// Count returns the number of events in (windowStart, now]. Expired buckets
// read as empty and are dropped.
func (s *InMemoryCounterStore) Count(ctx context.Context, key models.CounterKey, windowStart, now time.Time) (int, error) {
	k := key.String()
	s.locks.Lock(k)
	defer s.locks.Unlock(k)

	s.mu.RLock()
	bucket, ok := s.buckets[k]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}

	if now.After(bucket.expiresAt) {
		s.mu.Lock()
		delete(s.buckets, k)
		s.mu.Unlock()
		return 0, nil
	}

	return bucket.count(windowStart), nil
}

// Clear removes the given buckets entirely.
func (s *InMemoryCounterStore) Clear(ctx context.Context, keys []models.CounterKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.buckets, key.String())
	}
	return nil
}

func (s *InMemoryCounterStore) bucket(k string) *eventLog {
	s.mu.RLock()
	bucket, ok := s.buckets[k]
	s.mu.RUnlock()
	if ok {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok = s.buckets[k]; ok {
		return bucket
	}
	bucket = &eventLog{}
	s.buckets[k] = bucket
	return bucket
}
