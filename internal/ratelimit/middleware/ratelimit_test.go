package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	platformMW "rategate/internal/platform/middleware"
	"rategate/internal/ratelimit/interceptor"
	"rategate/internal/ratelimit/models"
	"rategate/internal/ratelimit/service/blocklist"
	"rategate/internal/ratelimit/service/decision"
	policysvc "rategate/internal/ratelimit/service/policy"
	"rategate/internal/ratelimit/store/block"
	"rategate/internal/ratelimit/store/counter"
	policystore "rategate/internal/ratelimit/store/policy"
	"rategate/internal/ratelimit/store/visitorlog"

	"github.com/stretchr/testify/suite"
)

type RateLimitMiddlewareSuite struct {
	suite.Suite
	counters  *counter.InMemoryCounterStore
	blocks    *block.InMemoryBlockStore
	rules     *block.InMemoryRuleStore
	telemetry *visitorlog.InMemoryVisitorLogStore
	handler   http.Handler

	handlerStatus int
}

func TestRateLimitMiddlewareSuite(t *testing.T) {
	suite.Run(t, new(RateLimitMiddlewareSuite))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *RateLimitMiddlewareSuite) SetupTest() {
	s.counters = counter.NewInMemoryCounterStore()
	s.blocks = block.NewInMemoryBlockStore()
	s.rules = block.NewInMemoryRuleStore()
	s.telemetry = visitorlog.NewInMemoryVisitorLogStore()
	s.handlerStatus = http.StatusOK

	provider, err := policysvc.New(policystore.NewInMemoryPolicyStore())
	s.Require().NoError(err)

	registry, err := blocklist.New(s.blocks, s.rules)
	s.Require().NoError(err)

	engine, err := decision.New(s.counters, provider, registry, decision.WithTelemetry(s.telemetry))
	s.Require().NoError(err)

	icpt, err := interceptor.New(engine, registry)
	s.Require().NoError(err)

	logger := discardLogger()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(s.handlerStatus)
	})
	s.handler = platformMW.ClientIP(New(icpt, logger).RateLimit(inner))
}

func (s *RateLimitMiddlewareSuite) do(method, path, ip string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-Forwarded-For", ip)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *RateLimitMiddlewareSuite) TestAllowsAndSetsHeaders() {
	rec := s.do("POST", "/auth/login/", "203.0.113.1", `{"username":"alice"}`)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("5", rec.Header().Get("X-RateLimit-Limit"))
	s.Equal("5", rec.Header().Get("X-RateLimit-Remaining"))
}

func (s *RateLimitMiddlewareSuite) TestDeniesAfterLimitAndStopsRecording() {
	s.handlerStatus = http.StatusUnauthorized
	ip := "203.0.113.2"

	// Anonymous attempts, so only the IP scope counts: 5/minute for login.
	for i := 0; i < 5; i++ {
		rec := s.do("POST", "/auth/login/", ip, `{"password":"wrong"}`)
		s.Require().Equal(http.StatusUnauthorized, rec.Code)
	}

	rec := s.do("POST", "/auth/login/", ip, `{"password":"wrong"}`)
	s.Equal(http.StatusTooManyRequests, rec.Code)
	s.Equal("60", rec.Header().Get("Retry-After"))
	s.Equal("0", rec.Header().Get("X-RateLimit-Remaining"))
	s.Contains(rec.Body.String(), "rate_limit_exceeded")
	s.Contains(rec.Body.String(), `"action":"login"`)

	// Denied requests are not recorded: the minute count stays at the
	// limit instead of growing.
	for i := 0; i < 3; i++ {
		s.do("POST", "/auth/login/", ip, `{"password":"wrong"}`)
	}
	verdictRec := s.do("POST", "/auth/login/", ip, `{"password":"wrong"}`)
	s.Equal(http.StatusTooManyRequests, verdictRec.Code)

	key := models.NewCounterKey(models.ActionLogin, models.ScopeIP, ip, models.WindowMinute)
	count, err := s.counters.Count(context.Background(), key, time.Now().Add(-time.Minute), time.Now())
	s.NoError(err)
	s.Equal(5, count)
}

func (s *RateLimitMiddlewareSuite) TestExcludedPathsSkipEntirely() {
	rec := s.do("GET", "/health", "203.0.113.3", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Empty(rec.Header().Get("X-RateLimit-Limit"))

	_, total, err := s.telemetry.List(context.Background(), visitorlog.Filter{IP: "203.0.113.3"})
	s.NoError(err)
	s.Equal(0, total)
}

func (s *RateLimitMiddlewareSuite) TestFailedMonitoredRequestEscalates() {
	rule, err := models.NewBlockRule("admin probing", `^/admin/.*`, 2, time.Hour, false)
	s.Require().NoError(err)
	s.Require().NoError(s.rules.Put(context.Background(), rule))

	s.handlerStatus = http.StatusNotFound
	ip := "203.0.113.4"

	s.do("GET", "/admin/secret/", ip, "")
	rec := s.do("GET", "/admin/secret/", ip, "")
	s.Equal(http.StatusNotFound, rec.Code)

	// Third request hits the now-active block.
	rec = s.do("GET", "/admin/secret/", ip, "")
	s.Equal(http.StatusTooManyRequests, rec.Code)
	s.Equal("0", rec.Header().Get("Retry-After"), "block-only denials carry no retry hint")
}

func (s *RateLimitMiddlewareSuite) TestSuccessfulMonitoredRequestDoesNotEscalate() {
	rule, err := models.NewBlockRule("admin probing", `^/admin/.*`, 1, time.Hour, false)
	s.Require().NoError(err)
	s.Require().NoError(s.rules.Put(context.Background(), rule))

	ip := "203.0.113.5"
	rec := s.do("GET", "/admin/dashboard/", ip, "")
	s.Equal(http.StatusOK, rec.Code)

	record, err := s.blocks.Get(context.Background(), ip)
	s.NoError(err)
	s.Nil(record)
}

func (s *RateLimitMiddlewareSuite) TestMissingForwardingHeadersDefaultToLoopback() {
	req := httptest.NewRequest("GET", "/things/", nil)
	req.RemoteAddr = ""
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	s.Equal(http.StatusOK, rec.Code)

	entries, total, err := s.telemetry.List(context.Background(), visitorlog.Filter{IP: "127.0.0.1"})
	s.NoError(err)
	s.Equal(1, total)
	s.Equal("127.0.0.1", entries[0].IP)
}

func (s *RateLimitMiddlewareSuite) TestDeniedRequestStillLeavesTelemetry() {
	s.handlerStatus = http.StatusUnauthorized
	ip := "203.0.113.6"

	for i := 0; i < 6; i++ {
		s.do("POST", "/auth/login/", ip, `{"username":"carol"}`)
	}

	suspicious := true
	entries, total, err := s.telemetry.List(context.Background(), visitorlog.Filter{IP: ip, Suspicious: &suspicious})
	s.NoError(err)
	s.GreaterOrEqual(total, 1, "denied checks leave suspicious telemetry")
	s.Equal("carol", entries[0].AttemptedUsername)
}
