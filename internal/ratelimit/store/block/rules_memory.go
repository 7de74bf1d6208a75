package block

import (
	"context"
	"sync"

	"rategate/internal/ratelimit/models"
)

// InMemoryRuleStore keeps escalation rules in memory, seeded at startup.
type InMemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]*models.BlockRule // keyed by name
}

// NewInMemoryRuleStore creates an in-memory rule store.
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*models.BlockRule),
	}
}

// Put upserts a rule by name.
func (s *InMemoryRuleStore) Put(ctx context.Context, rule *models.BlockRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rule
	s.rules[rule.Name] = &copied
	return nil
}

// ListActive returns all active rules.
func (s *InMemoryRuleStore) ListActive(ctx context.Context) ([]*models.BlockRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.BlockRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if rule.Active {
			copied := *rule
			out = append(out, &copied)
		}
	}
	return out, nil
}
