// Package admin provides the operations surface for the rate limiting
// engine: status introspection, policy management, telemetry queries,
// manual blocks, and the dashboard summary.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rategate/internal/ratelimit/models"
	"rategate/internal/ratelimit/observability"
	"rategate/internal/ratelimit/store/visitorlog"
	dErrors "rategate/pkg/domain-errors"
	"rategate/pkg/requesttime"
)

// maxPageSize caps visitor log pagination.
const maxPageSize = 100

// DecisionEngine exposes status introspection and counter clearing.
type DecisionEngine interface {
	Status(ctx context.Context, desc models.RequestDescriptor) (*models.Verdict, error)
	Clear(ctx context.Context, ip string, action models.Action, userIdentifier string) error
}

// BlockRegistry exposes manual block management.
type BlockRegistry interface {
	Block(ctx context.Context, ip, reason, blockedBy string, duration time.Duration, permanent bool) (*models.BlockRecord, error)
	Unblock(ctx context.Context, ip string) (bool, error)
	ActiveBlocks(ctx context.Context) ([]*models.BlockRecord, error)
}

// PolicyManager exposes the active policy and updates to it.
type PolicyManager interface {
	Active(ctx context.Context) (*models.Policy, error)
	Update(ctx context.Context, policy *models.Policy) error
}

// TelemetryStore queries the visitor log.
type TelemetryStore interface {
	List(ctx context.Context, filter visitorlog.Filter) ([]*models.VisitorLog, int, error)
	CountSince(ctx context.Context, since time.Time) (total, suspicious int, err error)
	TopSuspiciousIPs(ctx context.Context, since time.Time, limit int) ([]visitorlog.IPCount, error)
}

// Service is the admin surface. Every mutating operation leaves an audit
// trail.
type Service struct {
	decisions DecisionEngine
	registry  BlockRegistry
	policies  PolicyManager
	telemetry TelemetryStore
	logger    *slog.Logger
}

// Option configures a Service instance.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates the admin service. Returns an error if dependencies are nil.
func New(decisions DecisionEngine, registry BlockRegistry, policies PolicyManager, telemetry TelemetryStore, opts ...Option) (*Service, error) {
	if decisions == nil {
		return nil, fmt.Errorf("decision engine is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("block registry is required")
	}
	if policies == nil {
		return nil, fmt.Errorf("policy manager is required")
	}
	if telemetry == nil {
		return nil, fmt.Errorf("telemetry store is required")
	}

	svc := &Service{
		decisions: decisions,
		registry:  registry,
		policies:  policies,
		telemetry: telemetry,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// StatusReport is the per-identity view returned by Status.
type StatusReport struct {
	IP       string                            `json:"ip"`
	User     string                            `json:"user,omitempty"`
	Verdicts map[models.Action]*models.Verdict `json:"verdicts"`
}

// Status reports the caller's standing across the limited actions without
// incrementing any counters.
func (s *Service) Status(ctx context.Context, ip, userIdentifier string) (*StatusReport, error) {
	if ip == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "ip is required")
	}

	report := &StatusReport{
		IP:       ip,
		User:     userIdentifier,
		Verdicts: make(map[models.Action]*models.Verdict, 2),
	}
	for _, action := range []models.Action{models.ActionLogin, models.ActionAPI} {
		verdict, err := s.decisions.Status(ctx, models.RequestDescriptor{
			IP:             ip,
			Action:         action,
			UserIdentifier: userIdentifier,
		})
		if err != nil {
			return nil, err
		}
		report.Verdicts[action] = verdict
	}
	return report, nil
}

// Policy returns the active policy, synthesizing the default when none has
// been stored yet.
func (s *Service) Policy(ctx context.Context) (*models.Policy, error) {
	return s.policies.Active(ctx)
}

// UpdatePolicy validates and persists the policy and invalidates caches.
func (s *Service) UpdatePolicy(ctx context.Context, policy *models.Policy) error {
	return s.policies.Update(ctx, policy)
}

// VisitorLogs returns telemetry entries with filters and pagination. Page
// sizes above the cap are clamped, not rejected.
func (s *Service) VisitorLogs(ctx context.Context, filter visitorlog.Filter) ([]*models.VisitorLog, int, error) {
	if filter.Limit <= 0 || filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.telemetry.List(ctx, filter)
}

// BlockIP manually blocks an address.
func (s *Service) BlockIP(ctx context.Context, ip, reason, blockedBy string, duration time.Duration, permanent bool) (*models.BlockRecord, error) {
	if !permanent && duration <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "non-permanent blocks need a duration")
	}
	return s.registry.Block(ctx, ip, reason, blockedBy, duration, permanent)
}

// UnblockIP lifts a block. Returns false when nothing was active.
func (s *Service) UnblockIP(ctx context.Context, ip string) (bool, error) {
	return s.registry.Unblock(ctx, ip)
}

// ClearLimits drops the counters for an identity after an incident.
func (s *Service) ClearLimits(ctx context.Context, ip string, action models.Action, userIdentifier string) error {
	if ip == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "ip is required")
	}
	if !action.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, "invalid action")
	}
	return s.decisions.Clear(ctx, ip, action, userIdentifier)
}

// Dashboard is the aggregate view served to the operations UI.
type Dashboard struct {
	WindowHours      int                   `json:"window_hours"`
	TotalRequests    int                   `json:"total_requests"`
	SuspiciousCount  int                   `json:"suspicious_count"`
	ActiveBlockCount int                   `json:"active_block_count"`
	ActiveBlocks     []*models.BlockRecord `json:"active_blocks"`
	TopSuspicious    []visitorlog.IPCount  `json:"top_suspicious_ips"`
}

// DashboardSummary aggregates the last 24 hours of telemetry with the
// current block registry state.
func (s *Service) DashboardSummary(ctx context.Context) (*Dashboard, error) {
	since := requesttime.Now(ctx).Add(-24 * time.Hour)

	total, suspicious, err := s.telemetry.CountSince(ctx, since)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count telemetry")
	}

	top, err := s.telemetry.TopSuspiciousIPs(ctx, since, 10)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to rank suspicious ips")
	}

	blocks, err := s.registry.ActiveBlocks(ctx)
	if err != nil {
		return nil, err
	}

	observability.LogAudit(ctx, s.logger, "rate_limit_dashboard_viewed",
		"total_requests", total,
		"suspicious", suspicious,
		"active_blocks", len(blocks),
	)

	return &Dashboard{
		WindowHours:      24,
		TotalRequests:    total,
		SuspiciousCount:  suspicious,
		ActiveBlockCount: len(blocks),
		ActiveBlocks:     blocks,
		TopSuspicious:    top,
	}, nil
}
