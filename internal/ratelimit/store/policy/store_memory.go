package policy

import (
	"context"
	"sync"

	"rategate/internal/ratelimit/models"
)

// InMemoryPolicyStore holds policies in memory. At most one is active;
// saving an active policy deactivates the rest.
type InMemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*models.Policy // keyed by name
}

// NewInMemoryPolicyStore creates an in-memory policy store.
func NewInMemoryPolicyStore() *InMemoryPolicyStore {
	return &InMemoryPolicyStore{
		policies: make(map[string]*models.Policy),
	}
}

// GetActive returns the active policy, or nil when none exists.
func (s *InMemoryPolicyStore) GetActive(ctx context.Context) (*models.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.policies {
		if p.IsActive {
			copied := *p
			return &copied, nil
		}
	}
	return nil, nil
}

// Save upserts a policy by name. An active policy demotes all others so the
// single-active invariant holds.
func (s *InMemoryPolicyStore) Save(ctx context.Context, policy *models.Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if policy.IsActive {
		for _, p := range s.policies {
			p.IsActive = false
		}
	}
	copied := *policy
	s.policies[policy.Name] = &copied
	return nil
}
