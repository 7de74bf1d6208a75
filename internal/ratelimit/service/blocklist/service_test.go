package blocklist

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"rategate/internal/ratelimit/models"
	"rategate/internal/ratelimit/store/block"
	"rategate/pkg/requesttime"

	"github.com/stretchr/testify/suite"
)

type BlocklistServiceSuite struct {
	suite.Suite
	blocks *block.InMemoryBlockStore
	rules  *block.InMemoryRuleStore
	svc    *Service
	now    time.Time
}

func TestBlocklistServiceSuite(t *testing.T) {
	suite.Run(t, new(BlocklistServiceSuite))
}

func (s *BlocklistServiceSuite) SetupTest() {
	s.blocks = block.NewInMemoryBlockStore()
	s.rules = block.NewInMemoryRuleStore()
	s.now = time.Date(2026, 7, 4, 8, 0, 0, 0, time.UTC)

	svc, err := New(s.blocks, s.rules)
	s.Require().NoError(err)
	s.svc = svc
}

func (s *BlocklistServiceSuite) at(t time.Time) context.Context {
	return requesttime.WithTime(context.Background(), t)
}

func (s *BlocklistServiceSuite) addRule(name, pattern string, maxAttempts int, permanent bool) *models.BlockRule {
	rule, err := models.NewBlockRule(name, pattern, maxAttempts, time.Hour, permanent)
	s.Require().NoError(err)
	s.Require().NoError(s.rules.Put(context.Background(), rule))
	return rule
}

func (s *BlocklistServiceSuite) TestEscalationActivatesAtThreshold() {
	s.addRule("admin probing", `^/admin/.*`, 3, false)
	ip := "203.0.113.1"

	for i := 0; i < 2; i++ {
		s.Require().NoError(s.svc.OnFailedResponse(s.at(s.now), ip, "/admin/login/"))
		blocked, err := s.svc.IsBlocked(s.at(s.now), ip)
		s.NoError(err)
		s.False(blocked, "below the threshold nothing denies")
	}

	s.Require().NoError(s.svc.OnFailedResponse(s.at(s.now), ip, "/admin/login/"))
	blocked, err := s.svc.IsBlocked(s.at(s.now), ip)
	s.NoError(err)
	s.True(blocked)
}

func (s *BlocklistServiceSuite) TestAllMatchingRulesFire() {
	s.addRule("admin probing", `^/admin/.*`, 5, false)
	s.addRule("login abuse", `login`, 5, false)
	ip := "203.0.113.2"

	s.Require().NoError(s.svc.OnFailedResponse(s.at(s.now), ip, "/admin/login/"))

	record, err := s.blocks.Get(context.Background(), ip)
	s.NoError(err)
	s.Equal(2, record.AttemptCount, "both rules match the path and each escalates once")
}

func (s *BlocklistServiceSuite) TestInvalidPatternFallsBackToSubstring() {
	s.addRule("broken regex", `[admin`, 1, false)
	ip := "203.0.113.3"

	s.Require().NoError(s.svc.OnFailedResponse(s.at(s.now), ip, "/auth/[admin/probe"))
	blocked, err := s.svc.IsBlocked(s.at(s.now), ip)
	s.NoError(err)
	s.True(blocked)

	s.Require().NoError(s.svc.OnFailedResponse(s.at(s.now), "203.0.113.4", "/auth/admin/probe"))
	blocked, err = s.svc.IsBlocked(s.at(s.now), "203.0.113.4")
	s.NoError(err)
	s.False(blocked, "substring containment, not regex semantics")
}

func (s *BlocklistServiceSuite) TestLazyExpiry() {
	s.addRule("admin probing", `^/admin/.*`, 1, false) // 1h block
	ip := "203.0.113.5"

	s.Require().NoError(s.svc.OnFailedResponse(s.at(s.now), ip, "/admin/"))
	blocked, err := s.svc.IsBlocked(s.at(s.now.Add(30*time.Minute)), ip)
	s.NoError(err)
	s.True(blocked)

	blocked, err = s.svc.IsBlocked(s.at(s.now.Add(2*time.Hour)), ip)
	s.NoError(err)
	s.False(blocked, "past expiry the block stops denying")

	record, err := s.blocks.Get(context.Background(), ip)
	s.NoError(err)
	s.False(record.Active, "expiry flips the record inactive as a side effect")
	s.Equal(1, record.AttemptCount, "attempt count survives expiry")
}

func (s *BlocklistServiceSuite) TestPermanentBlockNeverExpires() {
	s.addRule("instant ban", `^/admin/.*`, 1, true)
	ip := "203.0.113.6"

	s.Require().NoError(s.svc.OnFailedResponse(s.at(s.now), ip, "/admin/"))

	blocked, err := s.svc.IsBlocked(s.at(s.now.Add(365*24*time.Hour)), ip)
	s.NoError(err)
	s.True(blocked)
}

func (s *BlocklistServiceSuite) TestManualBlockAndUnblock() {
	ip := "203.0.113.7"

	record, err := s.svc.Block(s.at(s.now), ip, "abuse report", "ops", time.Hour, false)
	s.NoError(err)
	s.True(record.Active)
	s.Equal("ops", record.BlockedBy)

	blocked, err := s.svc.IsBlocked(s.at(s.now), ip)
	s.NoError(err)
	s.True(blocked)

	flipped, err := s.svc.Unblock(s.at(s.now), ip)
	s.NoError(err)
	s.True(flipped)

	blocked, err = s.svc.IsBlocked(s.at(s.now), ip)
	s.NoError(err)
	s.False(blocked)

	flipped, err = s.svc.Unblock(s.at(s.now), ip)
	s.NoError(err)
	s.False(flipped, "unblocking twice reports nothing flipped")

	flipped, err = s.svc.Unblock(s.at(s.now), "203.0.113.99")
	s.NoError(err)
	s.False(flipped, "unblocking an unknown ip is a no-op")
}

func (s *BlocklistServiceSuite) TestManualBlockKeepsEscalationCount() {
	s.addRule("admin probing", `^/admin/.*`, 5, false)
	ip := "203.0.113.10"

	for i := 0; i < 2; i++ {
		s.Require().NoError(s.svc.OnFailedResponse(s.at(s.now), ip, "/admin/login/"))
	}

	record, err := s.svc.Block(s.at(s.now), ip, "abuse report", "ops", time.Hour, false)
	s.NoError(err)
	s.True(record.Active)
	s.Equal(2, record.AttemptCount, "escalations already counted survive the manual block")
}

func (s *BlocklistServiceSuite) TestInvalidPatternLoggedOnce() {
	var buf bytes.Buffer
	svc, err := New(s.blocks, s.rules, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	s.Require().NoError(err)

	s.addRule("broken regex", `[admin`, 5, false)
	s.Require().NoError(svc.OnFailedResponse(s.at(s.now), "203.0.113.11", "/auth/[admin/probe"))
	s.Require().NoError(svc.OnFailedResponse(s.at(s.now), "203.0.113.11", "/auth/[admin/probe"))

	s.Equal(1, strings.Count(buf.String(), "does not compile"),
		"the compile failure is reported once, then served from the cache")
	s.Contains(buf.String(), "level=ERROR")
}

func (s *BlocklistServiceSuite) TestEmptyPatternNeverMatches() {
	rule := &models.BlockRule{Name: "empty", MaxAttempts: 1, BlockDuration: time.Hour, Active: true}
	s.Require().NoError(s.rules.Put(context.Background(), rule))

	s.Require().NoError(s.svc.OnFailedResponse(s.at(s.now), "203.0.113.8", "/admin/"))
	blocked, err := s.svc.IsBlocked(s.at(s.now), "203.0.113.8")
	s.NoError(err)
	s.False(blocked)
}

func (s *BlocklistServiceSuite) TestInactiveRulesIgnored() {
	rule, err := models.NewBlockRule("disabled", `^/admin/.*`, 1, time.Hour, false)
	s.Require().NoError(err)
	rule.Active = false
	s.Require().NoError(s.rules.Put(context.Background(), rule))

	s.Require().NoError(s.svc.OnFailedResponse(s.at(s.now), "203.0.113.9", "/admin/"))
	record, err := s.blocks.Get(context.Background(), "203.0.113.9")
	s.NoError(err)
	s.Nil(record)
}
