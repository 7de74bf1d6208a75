package visitorlog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"rategate/internal/ratelimit/models"
)

// Filter narrows List queries. Zero values mean "no constraint".
type Filter struct {
	IP         string
	Suspicious *bool
	PathSubstr string
	Since      time.Time
	Limit      int
	Offset     int
}

// IPCount pairs an IP with how many suspicious entries it produced.
type IPCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// InMemoryVisitorLogStore keeps telemetry rows in an append-only slice.
type InMemoryVisitorLogStore struct {
	mu      sync.RWMutex
	entries []*models.VisitorLog
}

// NewInMemoryVisitorLogStore creates an in-memory visitor log store.
func NewInMemoryVisitorLogStore() *InMemoryVisitorLogStore {
	return &InMemoryVisitorLogStore{}
}

// Append records one telemetry entry.
func (s *InMemoryVisitorLogStore) Append(ctx context.Context, entry *models.VisitorLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry
	s.entries = append(s.entries, &copied)
	return nil
}

// List returns entries matching the filter, newest first, plus the total
// match count before pagination.
func (s *InMemoryVisitorLogStore) List(ctx context.Context, filter Filter) ([]*models.VisitorLog, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*models.VisitorLog, 0)
	for _, e := range s.entries {
		if !s.matches(e, filter) {
			continue
		}
		copied := *e
		matched = append(matched, &copied)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].RequestedAt.After(matched[j].RequestedAt)
	})

	total := len(matched)
	if filter.Offset >= total {
		return []*models.VisitorLog{}, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// CountSince returns total and suspicious entry counts after the cutoff.
func (s *InMemoryVisitorLogStore) CountSince(ctx context.Context, since time.Time) (total, suspicious int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.RequestedAt.Before(since) {
			continue
		}
		total++
		if e.Suspicious {
			suspicious++
		}
	}
	return total, suspicious, nil
}

// TopSuspiciousIPs returns the IPs with the most suspicious entries after
// the cutoff, descending.
func (s *InMemoryVisitorLogStore) TopSuspiciousIPs(ctx context.Context, since time.Time, limit int) ([]IPCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range s.entries {
		if e.Suspicious && !e.RequestedAt.Before(since) {
			counts[e.IP]++
		}
	}

	out := make([]IPCount, 0, len(counts))
	for ip, count := range counts {
		out = append(out, IPCount{IP: ip, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].IP < out[j].IP
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// DeleteOlderThan prunes entries before the cutoff. Used by the retention
// worker.
func (s *InMemoryVisitorLogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	deleted := 0
	for _, e := range s.entries {
		if e.RequestedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return deleted, nil
}

func (s *InMemoryVisitorLogStore) matches(e *models.VisitorLog, f Filter) bool {
	if f.IP != "" && e.IP != f.IP {
		return false
	}
	if f.Suspicious != nil && e.Suspicious != *f.Suspicious {
		return false
	}
	if f.PathSubstr != "" && !strings.Contains(e.Path, f.PathSubstr) {
		return false
	}
	if !f.Since.IsZero() && e.RequestedAt.Before(f.Since) {
		return false
	}
	return true
}
