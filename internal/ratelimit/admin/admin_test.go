package admin

import (
	"context"
	"testing"
	"time"

	"rategate/internal/ratelimit/models"
	"rategate/internal/ratelimit/service/blocklist"
	"rategate/internal/ratelimit/service/decision"
	policysvc "rategate/internal/ratelimit/service/policy"
	"rategate/internal/ratelimit/store/block"
	"rategate/internal/ratelimit/store/counter"
	policystore "rategate/internal/ratelimit/store/policy"
	"rategate/internal/ratelimit/store/visitorlog"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

type AdminServiceSuite struct {
	suite.Suite
	counters  *counter.InMemoryCounterStore
	telemetry *visitorlog.InMemoryVisitorLogStore
	registry  *blocklist.Service
	service   *Service
}

func TestAdminServiceSuite(t *testing.T) {
	suite.Run(t, new(AdminServiceSuite))
}

func (s *AdminServiceSuite) SetupTest() {
	s.counters = counter.NewInMemoryCounterStore()
	s.telemetry = visitorlog.NewInMemoryVisitorLogStore()

	provider, err := policysvc.New(policystore.NewInMemoryPolicyStore())
	s.Require().NoError(err)

	s.registry, err = blocklist.New(block.NewInMemoryBlockStore(), block.NewInMemoryRuleStore())
	s.Require().NoError(err)

	engine, err := decision.New(s.counters, provider, s.registry)
	s.Require().NoError(err)

	s.service, err = New(engine, s.registry, provider, s.telemetry)
	s.Require().NoError(err)
}

func (s *AdminServiceSuite) appendTelemetry(ip string, suspicious bool, at time.Time) {
	s.Require().NoError(s.telemetry.Append(context.Background(), &models.VisitorLog{
		ID:            uuid.New(),
		IP:            ip,
		Path:          "/auth/login/",
		Method:        "POST",
		Suspicious:    suspicious,
		RequestedAt:   at,
		UnixTimestamp: at.Unix(),
	}))
}

func (s *AdminServiceSuite) TestStatusCoversLoginAndAPIWithoutCounting() {
	ctx := context.Background()

	report, err := s.service.Status(ctx, "203.0.113.1", "alice")
	s.Require().NoError(err)

	s.Len(report.Verdicts, 2)
	s.False(report.Verdicts[models.ActionLogin].Limited)
	s.Equal(5, report.Verdicts[models.ActionLogin].IP.Windows[models.WindowMinute].Limit)
	s.Equal(60, report.Verdicts[models.ActionAPI].IP.Windows[models.WindowMinute].Limit)

	// Status is read-only: a second call sees identical counts.
	again, err := s.service.Status(ctx, "203.0.113.1", "alice")
	s.Require().NoError(err)
	s.Equal(report.Verdicts[models.ActionLogin].IP.Windows[models.WindowMinute].Count,
		again.Verdicts[models.ActionLogin].IP.Windows[models.WindowMinute].Count)
}

func (s *AdminServiceSuite) TestStatusRequiresIP() {
	_, err := s.service.Status(context.Background(), "", "alice")
	s.Require().Error(err)
}

func (s *AdminServiceSuite) TestVisitorLogsClampPageSize() {
	now := time.Now()
	for i := 0; i < 150; i++ {
		s.appendTelemetry("203.0.113.2", false, now)
	}

	entries, total, err := s.service.VisitorLogs(context.Background(), visitorlog.Filter{Limit: 500})
	s.Require().NoError(err)
	s.Equal(150, total)
	s.Len(entries, 100)
}

func (s *AdminServiceSuite) TestBlockAndUnblockRoundTrip() {
	ctx := context.Background()

	record, err := s.service.BlockIP(ctx, "203.0.113.3", "credential stuffing", "ops", time.Hour, false)
	s.Require().NoError(err)
	s.True(record.Active)

	blocked, err := s.registry.IsBlocked(ctx, "203.0.113.3")
	s.Require().NoError(err)
	s.True(blocked)

	lifted, err := s.service.UnblockIP(ctx, "203.0.113.3")
	s.Require().NoError(err)
	s.True(lifted)
}

func (s *AdminServiceSuite) TestBlockRejectsMissingDuration() {
	_, err := s.service.BlockIP(context.Background(), "203.0.113.4", "manual", "ops", 0, false)
	s.Require().Error(err)
}

func (s *AdminServiceSuite) TestClearLimitsValidatesAction() {
	err := s.service.ClearLimits(context.Background(), "203.0.113.5", models.Action("bogus"), "")
	s.Require().Error(err)
}

func (s *AdminServiceSuite) TestDashboardAggregatesLastDay() {
	ctx := context.Background()
	now := time.Now()

	s.appendTelemetry("203.0.113.6", true, now.Add(-time.Hour))
	s.appendTelemetry("203.0.113.6", true, now.Add(-2*time.Hour))
	s.appendTelemetry("203.0.113.7", false, now.Add(-time.Hour))
	// Outside the 24h window, must not be counted.
	s.appendTelemetry("203.0.113.8", true, now.Add(-48*time.Hour))

	_, err := s.service.BlockIP(ctx, "203.0.113.6", "probing", "ops", time.Hour, false)
	s.Require().NoError(err)

	dash, err := s.service.DashboardSummary(ctx)
	s.Require().NoError(err)

	s.Equal(3, dash.TotalRequests)
	s.Equal(2, dash.SuspiciousCount)
	s.Equal(1, dash.ActiveBlockCount)
	s.Require().NotEmpty(dash.TopSuspicious)
	s.Equal("203.0.113.6", dash.TopSuspicious[0].IP)
	s.Equal(2, dash.TopSuspicious[0].Count)
}
