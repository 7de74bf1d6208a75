package twofactor

import (
	"context"
	"sync"
	"time"

	"rategate/internal/ratelimit/models"
)

// InMemoryAttemptStore keeps 2FA attempt rows in memory.
type InMemoryAttemptStore struct {
	mu       sync.RWMutex
	attempts []*models.TwoFactorAttempt
}

// NewInMemoryAttemptStore creates an in-memory 2FA attempt store.
func NewInMemoryAttemptStore() *InMemoryAttemptStore {
	return &InMemoryAttemptStore{}
}

// Append records one attempt.
func (s *InMemoryAttemptStore) Append(ctx context.Context, attempt *models.TwoFactorAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *attempt
	s.attempts = append(s.attempts, &copied)
	return nil
}

// UserFailures counts a user's failed attempts at or after the cutoff and
// returns the most recent failure time.
func (s *InMemoryAttemptStore) UserFailures(ctx context.Context, user string, since time.Time) (int, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		count  int
		latest time.Time
	)
	for _, a := range s.attempts {
		if a.Success || a.UserIdentifier != user || a.AttemptedAt.Before(since) {
			continue
		}
		count++
		if a.AttemptedAt.After(latest) {
			latest = a.AttemptedAt
		}
	}
	return count, latest, nil
}

// IPFailures counts failed attempts from an IP at or after the cutoff.
func (s *InMemoryAttemptStore) IPFailures(ctx context.Context, ip string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, a := range s.attempts {
		if !a.Success && a.IP == ip && !a.AttemptedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// DeleteOlderThan prunes attempts before the cutoff.
func (s *InMemoryAttemptStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.attempts[:0]
	deleted := 0
	for _, a := range s.attempts {
		if a.AttemptedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, a)
	}
	s.attempts = kept
	return deleted, nil
}
