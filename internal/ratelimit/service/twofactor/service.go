// Package twofactor rate limits two-factor verification attempts.
//
// Unlike the sliding-window engine, 2FA limiting is driven by persisted
// attempt rows: 5 failures per user or 10 per IP in a trailing 15 minutes
// deny further attempts, and 5 failures inside a trailing 30 minutes lock
// the user out until 30 minutes after the most recent failure.
package twofactor

import (
	"context"
	"errors"
	"fmt"
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

const (
	maxUserFailures = 5
	maxIPFailures   = 10
	failureWindow   = 15 * time.Minute
	lockoutDuration = 30 * time.Minute
)

// AttemptStore persists 2FA attempt rows.
type AttemptStore interface {
	Append(ctx context.Context, attempt *models.TwoFactorAttempt) error
	UserFailures(ctx context.Context, user string, since time.Time) (int, time.Time, error)
	IPFailures(ctx context.Context, ip string, since time.Time) (int, error)
}

// Service enforces 2FA attempt limits. Thread-safe.
type Service struct {
	attempts AttemptStore
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Service instance.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New creates a 2FA limiter. Returns an error if the store is nil.
func New(attempts AttemptStore, opts ...Option) (*Service, error) {
	if attempts == nil {
		return nil, errors.New("attempt store is required")
	}

	svc := &Service{attempts: attempts}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// IsRateLimited evaluates lockout first, then the 15-minute user and IP
// failure counts. Remaining counts are floored at zero.
func (s *Service) IsRateLimited(ctx context.Context, user, ip string) (*models.TwoFactorStatus, error) {
	if user == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "user identifier is required")
	}
	now := requesttime.Now(ctx)

	// Lockout scan over the trailing 30 minutes: enough failures there lock
	// the user until 30 minutes past the most recent one.
	lockoutCount, latest, err := s.attempts.UserFailures(ctx, user, now.Add(-lockoutDuration))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to scan 2fa lockout window")
	}
	if lockoutCount >= maxUserFailures {
		endsAt := latest.Add(lockoutDuration)
		if now.Before(endsAt) {
			if s.metrics != nil {
				s.metrics.IncrementTwoFactorLockouts()
			}
			observability.LogAudit(ctx, s.logger, "twofactor_lockout",
				"user", user,
				"ip", privacy.AnonymizeIP(ip),
				"lockout_ends_at", endsAt,
			)
			return &models.TwoFactorStatus{
				Limited:       true,
				Reason:        "account locked due to repeated 2FA failures",
				LockoutEndsAt: &endsAt,
			}, nil
		}
	}

	userCount, _, err := s.attempts.UserFailures(ctx, user, now.Add(-failureWindow))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count user 2fa failures")
	}
	ipCount, err := s.attempts.IPFailures(ctx, ip, now.Add(-failureWindow))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count ip 2fa failures")
	}

	status := &models.TwoFactorStatus{
		UserRemaining: floorZero(maxUserFailures - userCount),
		IPRemaining:   floorZero(maxIPFailures - ipCount),
	}

	switch {
	case userCount >= maxUserFailures:
		status.Limited = true
		status.Reason = fmt.Sprintf("too many failed 2FA attempts for this account (%d in 15 minutes)", userCount)
	case ipCount >= maxIPFailures:
		status.Limited = true
		status.Reason = fmt.Sprintf("too many failed 2FA attempts from this address (%d in 15 minutes)", ipCount)
	}

	if status.Limited {
		observability.LogAudit(ctx, s.logger, "twofactor_rate_limited",
			"user", user,
			"ip", privacy.AnonymizeIP(ip),
			"reason", status.Reason,
		)
	}
	return status, nil
}

// LogAttempt records one verification attempt, success or failure.
func (s *Service) LogAttempt(ctx context.Context, user, ip string, success bool, attemptType models.TwoFactorAttemptType) error {
	if user == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "user identifier is required")
	}
	if !attemptType.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, "invalid 2fa attempt type")
	}

	attempt := &models.TwoFactorAttempt{
		ID:             uuid.New(),
		UserIdentifier: user,
		IP:             ip,
		Success:        success,
		AttemptType:    attemptType,
		AttemptedAt:    requesttime.Now(ctx),
	}
	if err := s.attempts.Append(ctx, attempt); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to log 2fa attempt")
	}
	return nil
}

func floorZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
