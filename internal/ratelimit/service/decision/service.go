// Package decision computes allow/deny verdicts from sliding-window
// counters, the active policy, and the block registry.
//
// Checking and recording are split: Check reads counters and never mutates
// them, Record appends events once the response outcome is known. The
// interceptor skips Record for denied requests so a limited client cannot
// dig itself deeper while waiting out the window.
package decision

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rategate/internal/platform/privacy"
	"rategate/internal/ratelimit/metrics"
	"rategate/internal/ratelimit/models"
	"rategate/internal/ratelimit/observability"
	dErrors "rategate/pkg/domain-errors"
	"rategate/pkg/requesttime"
)

// CounterStore reads and appends sliding-window counter events.
type CounterStore interface {
	Increment(ctx context.Context, key models.CounterKey, now time.Time, success bool) error
	Count(ctx context.Context, key models.CounterKey, windowStart, now time.Time) (int, error)
	Clear(ctx context.Context, keys []models.CounterKey) error
}

// PolicyProvider resolves the active policy.
type PolicyProvider interface {
	Active(ctx context.Context) (*models.Policy, error)
}

// BlockChecker consults the block registry.
type BlockChecker interface {
	IsBlocked(ctx context.Context, ip string) (bool, error)
}

// TelemetrySink receives one visitor-log entry per check.
type TelemetrySink interface {
	Append(ctx context.Context, entry *models.VisitorLog) error
}

// Service is the decision engine. Thread-safe for concurrent use by the
// interceptor.
type Service struct {
	counters  CounterStore
	policies  PolicyProvider
	blocks    BlockChecker
	telemetry TelemetrySink
	logger    *slog.Logger
	metrics   *metrics.Metrics
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

// WithTelemetry sets the visitor-log sink. Without one, checks still work
// but leave no telemetry trail.
func WithTelemetry(sink TelemetrySink) Option {
	return func(s *Service) {
		s.telemetry = sink
	}
}

// New creates a decision engine. Returns an error if required dependencies
// are nil.
func New(counters CounterStore, policies PolicyProvider, blocks BlockChecker, opts ...Option) (*Service, error) {
	if counters == nil {
		return nil, errors.New("counter store is required")
	}
	if policies == nil {
		return nil, errors.New("policy provider is required")
	}
	if blocks == nil {
		return nil, errors.New("block checker is required")
	}

	svc := &Service{
		counters: counters,
		policies: policies,
		blocks:   blocks,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Check computes the verdict for one request without mutating counters.
// Every call appends a visitor-log entry, suspicious when limited, so denied
// requests are captured even though their handlers never run.
func (s *Service) Check(ctx context.Context, desc models.RequestDescriptor) (*models.Verdict, error) {
	start := time.Now()
	verdict, err := s.evaluate(ctx, desc)
	if err != nil {
		return nil, err
	}

	s.appendTelemetry(ctx, desc, verdict)

	if s.metrics != nil {
		outcome := "allowed"
		if verdict.Limited {
			outcome = "denied"
		}
		s.metrics.IncrementChecks(desc.Action.String(), outcome)
		s.metrics.ObserveCheckDuration(time.Since(start).Seconds())
	}

	if verdict.Limited {
		observability.LogAudit(ctx, s.logger, "rate_limit_exceeded",
			"ip", privacy.AnonymizeIP(desc.IP),
			"action", desc.Action.String(),
			"ip_blocked", verdict.IPBlocked,
			"retry_after", verdict.RetryAfter,
		)
	}
	return verdict, nil
}

// Status computes the same verdict as Check but leaves no telemetry and
// records no metrics. Used by the admin status endpoint for introspection.
func (s *Service) Status(ctx context.Context, desc models.RequestDescriptor) (*models.Verdict, error) {
	return s.evaluate(ctx, desc)
}

// Record appends one counter event per scope and window after the response
// outcome is known: three windows for the IP, three more when a user
// identifier is present.
func (s *Service) Record(ctx context.Context, desc models.RequestDescriptor, success bool) error {
	now := requesttime.Now(ctx)

	keys := models.KeysForScope(desc.Action, models.ScopeIP, desc.IP)
	if id := desc.Identifier(); id != "" {
		keys = append(keys, models.KeysForScope(desc.Action, models.ScopeUser, id)...)
	}

	for _, key := range keys {
		if err := s.counters.Increment(ctx, key, now, success); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record request")
		}
	}
	return nil
}

// Clear drops all counter buckets for the identity, both scopes. Used by
// the admin surface after resolving an incident.
func (s *Service) Clear(ctx context.Context, ip string, action models.Action, userIdentifier string) error {
	keys := models.KeysForScope(action, models.ScopeIP, ip)
	if userIdentifier != "" {
		keys = append(keys, models.KeysForScope(action, models.ScopeUser, userIdentifier)...)
	}
	if err := s.counters.Clear(ctx, keys); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to clear counters")
	}

	observability.LogAudit(ctx, s.logger, "rate_limit_cleared",
		"ip", privacy.AnonymizeIP(ip),
		"action", action.String(),
	)
	return nil
}

func (s *Service) evaluate(ctx context.Context, desc models.RequestDescriptor) (*models.Verdict, error) {
	now := requesttime.Now(ctx)

	policy, err := s.policies.Active(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve policy")
	}

	verdict := &models.Verdict{
		Action: desc.Action,
		IP:     s.checkScope(ctx, policy, desc.Action, models.ScopeIP, desc.IP, now),
	}
	if id := desc.Identifier(); id != "" {
		verdict.User = s.checkScope(ctx, policy, desc.Action, models.ScopeUser, id, now)
	} else {
		verdict.User = models.ScopeReport{Windows: map[models.Window]models.WindowInfo{}}
	}

	// The registry is consulted independently of counters; an active block
	// denies regardless of how empty the windows are.
	blocked, err := s.blocks.IsBlocked(ctx, desc.IP)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check block registry")
	}
	verdict.IPBlocked = blocked

	verdict.Limited = verdict.IP.Limited || verdict.User.Limited || verdict.IPBlocked
	verdict.RetryAfter = maxRetryAfter(verdict.IP, verdict.User)

	if s.metrics != nil {
		if verdict.IP.Limited {
			s.metrics.IncrementDenials(models.ScopeIP.String(), string(verdict.IP.TripWindow))
		}
		if verdict.User.Limited {
			s.metrics.IncrementDenials(models.ScopeUser.String(), string(verdict.User.TripWindow))
		}
		if verdict.IPBlocked {
			s.metrics.IncrementBlockedRequests()
		}
	}
	return verdict, nil
}

// checkScope reads every window for one scope. Counter failures read as
// zero inside the store, so a backend outage admits rather than denies.
func (s *Service) checkScope(ctx context.Context, policy *models.Policy, action models.Action, scope models.Scope, identifier string, now time.Time) models.ScopeReport {
	report := models.ScopeReport{
		Windows: make(map[models.Window]models.WindowInfo, len(models.Windows)),
	}

	for _, window := range models.Windows {
		limit, ok := policy.Limit(action, scope, window)
		if !ok {
			continue
		}

		key := models.NewCounterKey(action, scope, identifier, window)
		count, err := s.counters.Count(ctx, key, now.Add(-window.Duration()), now)
		if err != nil {
			if s.logger != nil {
				s.logger.WarnContext(ctx, "counter read failed, counting zero",
					"key", key.String(),
					"error", err,
				)
			}
			count = 0
		}

		remaining := limit - count
		if remaining < 0 {
			remaining = 0
		}
		report.Windows[window] = models.WindowInfo{Count: count, Limit: limit, Remaining: remaining}

		// First tripped window wins, in minute, hour, day order.
		if count >= limit && !report.Limited {
			report.Limited = true
			report.TripWindow = window
		}
	}
	return report
}

// maxRetryAfter takes the largest backoff over all tripped windows of both
// scopes. A verdict denied only by a block yields zero.
func maxRetryAfter(reports ...models.ScopeReport) int {
	max := 0
	for _, report := range reports {
		if !report.Limited {
			continue
		}
		for window, info := range report.Windows {
			if info.Count >= info.Limit && window.RetryAfterSeconds() > max {
				max = window.RetryAfterSeconds()
			}
		}
	}
	return max
}

// appendTelemetry writes the check-time visitor-log entry. Failures log and
// continue; telemetry never vetoes a verdict.
func (s *Service) appendTelemetry(ctx context.Context, desc models.RequestDescriptor, verdict *models.Verdict) {
	if s.telemetry == nil {
		return
	}

	now := requesttime.Now(ctx)
	status := 0
	if verdict.Limited {
		status = 429
	}

	entry := &models.VisitorLog{
		ID:                uuid.New(),
		UserIdentifier:    desc.UserIdentifier,
		IP:                desc.IP,
		Path:              desc.Path,
		Method:            desc.Method,
		Authenticated:     desc.Authenticated,
		AttemptedUsername: desc.AttemptedUsername,
		StatusCode:        status,
		Suspicious:        verdict.Limited,
		UserAgent:         desc.UserAgent,
		DeviceClass:       deviceClass(desc.UserAgent),
		SessionKey:        desc.SessionKey,
		RequestedAt:       now,
		UnixTimestamp:     now.Unix(),
	}
	if err := s.telemetry.Append(ctx, entry); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "visitor log append failed",
			"ip", privacy.AnonymizeIP(desc.IP),
			"error", err,
		)
	}
}
