package twofactor

import (
	"context"
	"testing"
	"time"

	"rategate/internal/ratelimit/models"
	"rategate/internal/ratelimit/store/twofactor"
	"rategate/pkg/requesttime"

	"github.com/stretchr/testify/suite"
)

type TwoFactorServiceSuite struct {
	suite.Suite
	store *twofactor.InMemoryAttemptStore
	svc   *Service
	now   time.Time
}

func TestTwoFactorServiceSuite(t *testing.T) {
	suite.Run(t, new(TwoFactorServiceSuite))
}

func (s *TwoFactorServiceSuite) SetupTest() {
	s.store = twofactor.NewInMemoryAttemptStore()
	s.now = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	svc, err := New(s.store)
	s.Require().NoError(err)
	s.svc = svc
}

func (s *TwoFactorServiceSuite) at(t time.Time) context.Context {
	return requesttime.WithTime(context.Background(), t)
}

func (s *TwoFactorServiceSuite) failAt(user, ip string, t time.Time) {
	s.Require().NoError(s.svc.LogAttempt(s.at(t), user, ip, false, models.TwoFactorTypeTOTP))
}

func (s *TwoFactorServiceSuite) TestAllowsUnderLimits() {
	for i := 0; i < 4; i++ {
		s.failAt("alice", "203.0.113.1", s.now.Add(-time.Duration(i)*time.Minute))
	}

	status, err := s.svc.IsRateLimited(s.at(s.now), "alice", "203.0.113.1")
	s.NoError(err)
	s.False(status.Limited)
	s.Equal(1, status.UserRemaining)
	s.Equal(6, status.IPRemaining)
}

func (s *TwoFactorServiceSuite) TestUserLimitLockout() {
	latest := s.now.Add(-2 * time.Minute)
	for i := 0; i < 5; i++ {
		s.failAt("bob", "203.0.113.2", latest.Add(-time.Duration(i)*time.Minute))
	}

	status, err := s.svc.IsRateLimited(s.at(s.now), "bob", "203.0.113.2")
	s.NoError(err)
	s.True(status.Limited)
	s.Require().NotNil(status.LockoutEndsAt)
	s.Equal(latest.Add(30*time.Minute), *status.LockoutEndsAt,
		"lockout runs 30 minutes from the most recent failure")
}

func (s *TwoFactorServiceSuite) TestLockoutExpires() {
	// Five failures, all 31+ minutes old: outside both the lockout scan and
	// the 15-minute count.
	for i := 0; i < 5; i++ {
		s.failAt("carol", "203.0.113.3", s.now.Add(-31*time.Minute).Add(-time.Duration(i)*time.Minute))
	}

	status, err := s.svc.IsRateLimited(s.at(s.now), "carol", "203.0.113.3")
	s.NoError(err)
	s.False(status.Limited)
	s.Equal(5, status.UserRemaining)
}

func (s *TwoFactorServiceSuite) TestIPLimitAcrossUsers() {
	// Ten failures from one address spread over ten accounts: no single
	// user trips, the address does.
	users := []string{"u0", "u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8", "u9"}
	for i, u := range users {
		s.failAt(u, "203.0.113.4", s.now.Add(-time.Duration(i)*time.Minute))
	}

	status, err := s.svc.IsRateLimited(s.at(s.now), "u0", "203.0.113.4")
	s.NoError(err)
	s.True(status.Limited)
	s.Nil(status.LockoutEndsAt)
	s.Contains(status.Reason, "from this address")
	s.Equal(0, status.IPRemaining)
}

func (s *TwoFactorServiceSuite) TestSuccessfulAttemptsDoNotCount() {
	for i := 0; i < 10; i++ {
		s.Require().NoError(s.svc.LogAttempt(s.at(s.now), "dave", "203.0.113.5", true, models.TwoFactorTypeTOTP))
	}

	status, err := s.svc.IsRateLimited(s.at(s.now), "dave", "203.0.113.5")
	s.NoError(err)
	s.False(status.Limited)
	s.Equal(5, status.UserRemaining)
}

func (s *TwoFactorServiceSuite) TestLogAttemptValidation() {
	err := s.svc.LogAttempt(context.Background(), "", "203.0.113.6", false, models.TwoFactorTypeTOTP)
	s.Error(err)

	err = s.svc.LogAttempt(context.Background(), "erin", "203.0.113.6", false, models.TwoFactorAttemptType("sms"))
	s.Error(err)
}
