package block

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rategate/internal/ratelimit/models"

	"github.com/google/uuid"
)

// InMemoryBlockStore keeps block records keyed by IP. One record per IP;
// escalations mutate the existing record under the store mutex.
type InMemoryBlockStore struct {
	mu      sync.RWMutex
	records map[string]*models.BlockRecord
}

// NewInMemoryBlockStore creates a new in-memory block store.
func NewInMemoryBlockStore() *InMemoryBlockStore {
	return &InMemoryBlockStore{
		records: make(map[string]*models.BlockRecord),
	}
}

// Get returns the record for an IP, or nil when none exists.
func (s *InMemoryBlockStore) Get(ctx context.Context, ip string) (*models.BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[ip]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

// Block applies a manual block to the IP's record atomically: get-or-create
// under the store mutex, then overwrite reason, expiry, and blocker while
// preserving any attempt count accumulated by escalations.
func (s *InMemoryBlockStore) Block(ctx context.Context, ip, reason, blockedBy string, duration time.Duration, permanent bool, now time.Time) (*models.BlockRecord, error) {
	if ip == "" {
		return nil, fmt.Errorf("block record ip is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[ip]
	if !ok {
		record = &models.BlockRecord{
			ID: uuid.New(),
			IP: ip,
		}
		s.records[ip] = record
	}

	applyManualBlock(record, reason, blockedBy, duration, permanent, now)

	copied := *record
	return &copied, nil
}

// Escalate applies one rule trigger to the IP's record atomically:
// get-or-create, bump the attempt count, refresh last attempt and expiry,
// and activate once the count reaches the rule threshold.
func (s *InMemoryBlockStore) Escalate(ctx context.Context, ip string, rule *models.BlockRule, now time.Time) (*models.BlockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[ip]
	if !ok {
		record = &models.BlockRecord{
			ID:        uuid.New(),
			IP:        ip,
			BlockedAt: now,
		}
		s.records[ip] = record
	}

	applyEscalation(record, rule, now)

	copied := *record
	return &copied, nil
}

// Deactivate flips an active record inactive. Returns false when the IP has
// no active record, which makes unblock idempotent.
func (s *InMemoryBlockStore) Deactivate(ctx context.Context, ip string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[ip]
	if !ok || !record.Active {
		return false, nil
	}
	record.Active = false
	return true, nil
}

// ListActive returns active records, most recently blocked first.
func (s *InMemoryBlockStore) ListActive(ctx context.Context) ([]*models.BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.BlockRecord, 0)
	for _, record := range s.records {
		if record.Active {
			copied := *record
			out = append(out, &copied)
		}
	}
	sortRecordsByBlockedAt(out)
	return out, nil
}

// DeleteExpiredInactive removes inactive non-permanent records whose expiry
// passed before the cutoff. Used by the retention worker.
func (s *InMemoryBlockStore) DeleteExpiredInactive(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for ip, record := range s.records {
		if record.Active || record.Permanent || record.ExpiresAt == nil {
			continue
		}
		if record.ExpiresAt.Before(cutoff) {
			delete(s.records, ip)
			deleted++
		}
	}
	return deleted, nil
}

// applyEscalation is the shared rule-trigger mutation, also used by the
// postgres store inside its transaction.
func applyEscalation(record *models.BlockRecord, rule *models.BlockRule, now time.Time) {
	record.Reason = fmt.Sprintf("Triggered rule: %s", rule.Name)
	record.AttemptCount++
	record.LastAttemptAt = now
	ruleID := rule.ID
	record.RuleID = &ruleID

	if rule.Permanent {
		record.Permanent = true
		record.ExpiresAt = nil
	} else {
		expires := now.Add(rule.BlockDuration)
		record.ExpiresAt = &expires
	}

	if record.AttemptCount >= rule.MaxAttempts && !record.Active {
		record.Active = true
		record.BlockedAt = now
	}
}

// applyManualBlock is the shared manual-block mutation, also used by the
// postgres store inside its transaction. The attempt count is left alone.
func applyManualBlock(record *models.BlockRecord, reason, blockedBy string, duration time.Duration, permanent bool, now time.Time) {
	record.Reason = reason
	record.BlockedAt = now
	record.Permanent = permanent
	record.Active = true
	record.LastAttemptAt = now
	record.BlockedBy = blockedBy
	if permanent {
		record.ExpiresAt = nil
	} else {
		expires := now.Add(duration)
		record.ExpiresAt = &expires
	}
}

func sortRecordsByBlockedAt(records []*models.BlockRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].BlockedAt.After(records[j].BlockedAt)
	})
}
