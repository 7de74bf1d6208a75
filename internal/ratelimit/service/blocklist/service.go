// Package blocklist maintains the IP block registry and the rule-driven
// escalation path that feeds it.
//
// There is at most one block record per IP. Failed requests under monitored
// prefixes are matched against active rules; every match escalates the IP's
// record, and the record activates once its attempt count reaches the rule
// threshold. Expiry is lazy: a non-permanent block past its window is
// flipped inactive the next time it is consulted.
package blocklist

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"rategate/internal/platform/privacy"
	"rategate/internal/ratelimit/metrics"
	"rategate/internal/ratelimit/models"
	"rategate/internal/ratelimit/observability"
	dErrors "rategate/pkg/domain-errors"
	"rategate/pkg/requesttime"
)

// BlockStore persists block records.
type BlockStore interface {
	Get(ctx context.Context, ip string) (*models.BlockRecord, error)
	Block(ctx context.Context, ip, reason, blockedBy string, duration time.Duration, permanent bool, now time.Time) (*models.BlockRecord, error)
	Escalate(ctx context.Context, ip string, rule *models.BlockRule, now time.Time) (*models.BlockRecord, error)
	Deactivate(ctx context.Context, ip string, now time.Time) (bool, error)
	ListActive(ctx context.Context) ([]*models.BlockRecord, error)
}

// RuleStore serves active escalation rules.
type RuleStore interface {
	ListActive(ctx context.Context) ([]*models.BlockRule, error)
}

// Service is the block registry. Thread-safe for concurrent use by the
// interceptor and the admin surface.
type Service struct {
	blocks  BlockStore
	rules   RuleStore
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp // nil entry = pattern failed to compile
}

// Option configures a Service instance.
type Option func(*Service)

// WithLogger sets the structured logger for audit and debug logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics recorder for observability.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New creates a block registry service. Returns an error if required stores
// are nil.
func New(blocks BlockStore, rules RuleStore, opts ...Option) (*Service, error) {
	if blocks == nil {
		return nil, errors.New("block store is required")
	}
	if rules == nil {
		return nil, errors.New("rule store is required")
	}

	svc := &Service{
		blocks:   blocks,
		rules:    rules,
		compiled: make(map[string]*regexp.Regexp),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// IsBlocked reports whether the IP has an active block. Permanent blocks
// always deny; a non-permanent block past its expiry is flipped inactive as
// a side effect and no longer denies. Store failures read as not blocked so
// a registry outage admits traffic.
func (s *Service) IsBlocked(ctx context.Context, ip string) (bool, error) {
	record, err := s.blocks.Get(ctx, ip)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "block lookup failed, treating as unblocked",
				"ip", privacy.AnonymizeIP(ip),
				"error", err,
			)
		}
		return false, nil
	}
	if record == nil || !record.Active {
		return false, nil
	}
	if record.Permanent {
		return true, nil
	}

	now := requesttime.Now(ctx)
	if record.IsExpired(now) {
		if _, err := s.blocks.Deactivate(ctx, ip, now); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "expired block deactivation failed",
				"ip", privacy.AnonymizeIP(ip),
				"error", err,
			)
		}
		observability.LogAudit(ctx, s.logger, "ip_block_expired",
			"ip", privacy.AnonymizeIP(ip),
		)
		return false, nil
	}
	return true, nil
}

// OnFailedResponse matches a failed request path against all active rules
// and escalates the IP once per matching rule. Callers invoke it only for
// failed responses under monitored prefixes.
func (s *Service) OnFailedResponse(ctx context.Context, ip, path string) error {
	rules, err := s.rules.ListActive(ctx)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to list block rules")
	}

	now := requesttime.Now(ctx)
	for _, rule := range rules {
		if rule.PathPattern == "" || !s.patternMatches(ctx, rule.PathPattern, path) {
			continue
		}

		record, err := s.blocks.Escalate(ctx, ip, rule, now)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to escalate block")
		}

		if s.metrics != nil {
			s.metrics.IncrementEscalations(rule.Name)
		}
		observability.LogAudit(ctx, s.logger, "ip_block_escalated",
			"ip", privacy.AnonymizeIP(ip),
			"rule", rule.Name,
			"attempt_count", record.AttemptCount,
			"active", record.Active,
		)
	}
	return nil
}

// Block manually blocks an IP. Re-blocking an already blocked IP refreshes
// the reason and expiry, keeping the call idempotent; any attempt count
// accumulated by escalations is preserved. The mutation happens inside the
// store so a concurrent escalation cannot interleave with it.
func (s *Service) Block(ctx context.Context, ip, reason, blockedBy string, duration time.Duration, permanent bool) (*models.BlockRecord, error) {
	if ip == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "ip is required")
	}

	record, err := s.blocks.Block(ctx, ip, reason, blockedBy, duration, permanent, requesttime.Now(ctx))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save block record")
	}

	observability.LogAudit(ctx, s.logger, "ip_blocked_manually",
		"ip", privacy.AnonymizeIP(ip),
		"reason", reason,
		"permanent", permanent,
		"blocked_by", blockedBy,
	)
	return record, nil
}

// Unblock deactivates an IP's block. Returns false when nothing was active;
// unblocking an unknown IP is a no-op.
func (s *Service) Unblock(ctx context.Context, ip string) (bool, error) {
	if ip == "" {
		return false, dErrors.New(dErrors.CodeInvalidInput, "ip is required")
	}
	flipped, err := s.blocks.Deactivate(ctx, ip, requesttime.Now(ctx))
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to unblock ip")
	}
	if flipped {
		observability.LogAudit(ctx, s.logger, "ip_unblocked",
			"ip", privacy.AnonymizeIP(ip),
		)
	}
	return flipped, nil
}

// ActiveBlocks lists currently active block records and refreshes the
// active-blocks gauge.
func (s *Service) ActiveBlocks(ctx context.Context) ([]*models.BlockRecord, error) {
	records, err := s.blocks.ListActive(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list active blocks")
	}
	if s.metrics != nil {
		s.metrics.SetActiveBlocks(len(records))
	}
	return records, nil
}

// patternMatches tests a rule pattern as regex, falling back to substring
// containment when the pattern does not compile. The compile failure is
// logged once per pattern, when it first enters the cache.
func (s *Service) patternMatches(ctx context.Context, pattern, path string) bool {
	s.mu.RLock()
	re, seen := s.compiled[pattern]
	s.mu.RUnlock()

	if !seen {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			compiled = nil
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "block rule pattern does not compile, matching as substring",
					"pattern", pattern,
					"error", err,
				)
			}
		}
		s.mu.Lock()
		s.compiled[pattern] = compiled
		s.mu.Unlock()
		re = compiled
	}

	if re == nil {
		return strings.Contains(path, pattern)
	}
	return re.MatchString(path)
}
