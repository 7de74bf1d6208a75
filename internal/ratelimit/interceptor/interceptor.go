// Package interceptor is the request-path facade over the decision engine
// and the block registry.
//
// Evaluate runs before the handler and only reads state; Record runs after
// the response and appends counter events plus any rule escalations. The
// middleware never calls Record for denied requests, so waiting out a window
// cannot be prolonged by further denied attempts.
package interceptor

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"rategate/internal/platform/privacy"
	"rategate/internal/ratelimit/models"
)

// monitoredPrefixes gate rule escalation: only failed responses under these
// paths are matched against block rules.
var monitoredPrefixes = []string{"/auth/", "/admin/"}

// Decision computes verdicts and records outcomes.
type Decision interface {
	Check(ctx context.Context, desc models.RequestDescriptor) (*models.Verdict, error)
	Record(ctx context.Context, desc models.RequestDescriptor, success bool) error
}

// Escalator feeds failed requests into the block rule matcher.
type Escalator interface {
	OnFailedResponse(ctx context.Context, ip, path string) error
}

// Interceptor wires the decision engine and escalator into the request path.
type Interceptor struct {
	decisions Decision
	escalator Escalator
	logger    *slog.Logger
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Interceptor) {
		i.logger = logger
	}
}

// New creates an interceptor. Returns an error if dependencies are nil.
func New(decisions Decision, escalator Escalator, opts ...Option) (*Interceptor, error) {
	if decisions == nil {
		return nil, errors.New("decision engine is required")
	}
	if escalator == nil {
		return nil, errors.New("escalator is required")
	}

	i := &Interceptor{decisions: decisions, escalator: escalator}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Evaluate computes the pre-handler verdict. It reads counters and the block
// registry but mutates neither.
func (i *Interceptor) Evaluate(ctx context.Context, desc models.RequestDescriptor) (*models.Verdict, error) {
	return i.decisions.Check(ctx, desc)
}

// Record runs after the response. Failed responses under monitored prefixes
// feed the rule matcher before the counters are bumped; escalation failures
// log and continue so counter recording still happens.
func (i *Interceptor) Record(ctx context.Context, desc models.RequestDescriptor, status int) error {
	success := status < 400

	if !success && isMonitored(desc.Path) {
		if err := i.escalator.OnFailedResponse(ctx, desc.IP, desc.Path); err != nil && i.logger != nil {
			i.logger.WarnContext(ctx, "rule escalation failed",
				"ip", privacy.AnonymizeIP(desc.IP),
				"path", desc.Path,
				"error", err,
			)
		}
	}

	return i.decisions.Record(ctx, desc, success)
}

func isMonitored(path string) bool {
	for _, prefix := range monitoredPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ActionForPath derives the limiting action from the request path. Login,
// registration, password reset, and 2FA verification each have their own
// counters; everything else is generic api traffic.
func ActionForPath(path string) models.Action {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "/login"):
		return models.ActionLogin
	case strings.Contains(lower, "/register"), strings.Contains(lower, "/signup"):
		return models.ActionRegister
	case strings.Contains(lower, "/password-reset"), strings.Contains(lower, "/forgot-password"):
		return models.ActionPasswordReset
	case strings.Contains(lower, "/2fa"), strings.Contains(lower, "/two-factor"):
		return models.ActionTwoFactor
	default:
		return models.ActionAPI
	}
}
