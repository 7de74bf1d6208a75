package block

import (
	"context"
	"testing"
	"time"

	"rategate/internal/ratelimit/models"

	"github.com/stretchr/testify/suite"
)

type InMemoryBlockStoreSuite struct {
	suite.Suite
	store *InMemoryBlockStore
}

func TestInMemoryBlockStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryBlockStoreSuite))
}

func (s *InMemoryBlockStoreSuite) SetupTest() {
	s.store = NewInMemoryBlockStore()
}

func (s *InMemoryBlockStoreSuite) rule(maxAttempts int, permanent bool) *models.BlockRule {
	rule, err := models.NewBlockRule("admin probing", `^/admin/.*$`, maxAttempts, time.Hour, permanent)
	s.Require().NoError(err)
	return rule
}

func (s *InMemoryBlockStoreSuite) TestEscalate() {
	ctx := context.Background()
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	s.Run("first trigger creates an inactive record", func() {
		rule := s.rule(3, false)

		record, err := s.store.Escalate(ctx, "203.0.113.5", rule, now)
		s.NoError(err)
		s.Equal(1, record.AttemptCount)
		s.False(record.Active, "activation requires reaching the rule threshold")
		s.Equal("Triggered rule: admin probing", record.Reason)
		s.NotNil(record.ExpiresAt)
		s.Equal(now.Add(time.Hour), *record.ExpiresAt)
	})

	s.Run("reaching the threshold activates the block", func() {
		rule := s.rule(3, false)
		ip := "203.0.113.6"

		var record *models.BlockRecord
		var err error
		for i := 0; i < 3; i++ {
			record, err = s.store.Escalate(ctx, ip, rule, now.Add(time.Duration(i)*time.Minute))
			s.NoError(err)
		}
		s.Equal(3, record.AttemptCount)
		s.True(record.Active)
		s.Equal(now.Add(2*time.Minute), record.BlockedAt)
	})

	s.Run("permanent rule clears expiry", func() {
		rule := s.rule(1, true)

		record, err := s.store.Escalate(ctx, "203.0.113.7", rule, now)
		s.NoError(err)
		s.True(record.Active)
		s.True(record.Permanent)
		s.Nil(record.ExpiresAt)
	})

	s.Run("attempt count keeps growing after activation", func() {
		rule := s.rule(1, false)
		ip := "203.0.113.8"

		for i := 0; i < 5; i++ {
			_, err := s.store.Escalate(ctx, ip, rule, now)
			s.NoError(err)
		}
		record, err := s.store.Get(ctx, ip)
		s.NoError(err)
		s.Equal(5, record.AttemptCount)
	})
}

func (s *InMemoryBlockStoreSuite) TestBlock() {
	ctx := context.Background()
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	s.Run("creates and activates a record", func() {
		record, err := s.store.Block(ctx, "203.0.113.20", "abuse report", "ops", time.Hour, false, now)
		s.NoError(err)
		s.True(record.Active)
		s.Equal("ops", record.BlockedBy)
		s.Require().NotNil(record.ExpiresAt)
		s.Equal(now.Add(time.Hour), *record.ExpiresAt)
	})

	s.Run("preserves the attempt count of prior escalations", func() {
		rule := s.rule(5, false)
		ip := "203.0.113.21"
		for i := 0; i < 2; i++ {
			_, err := s.store.Escalate(ctx, ip, rule, now)
			s.NoError(err)
		}

		record, err := s.store.Block(ctx, ip, "abuse report", "ops", time.Hour, false, now)
		s.NoError(err)
		s.True(record.Active)
		s.Equal(2, record.AttemptCount)
		s.Equal("abuse report", record.Reason)
	})

	s.Run("permanent block clears expiry", func() {
		record, err := s.store.Block(ctx, "203.0.113.22", "abuse report", "ops", 0, true, now)
		s.NoError(err)
		s.True(record.Permanent)
		s.Nil(record.ExpiresAt)
	})

	s.Run("empty ip is rejected", func() {
		_, err := s.store.Block(ctx, "", "abuse report", "ops", time.Hour, false, now)
		s.Error(err)
	})
}

func (s *InMemoryBlockStoreSuite) TestDeactivate() {
	ctx := context.Background()
	now := time.Now()

	s.Run("active record flips inactive", func() {
		rule := s.rule(1, false)
		ip := "198.51.100.1"
		_, err := s.store.Escalate(ctx, ip, rule, now)
		s.NoError(err)

		flipped, err := s.store.Deactivate(ctx, ip, now)
		s.NoError(err)
		s.True(flipped)

		record, err := s.store.Get(ctx, ip)
		s.NoError(err)
		s.False(record.Active)
	})

	s.Run("unknown ip is a no-op", func() {
		flipped, err := s.store.Deactivate(ctx, "198.51.100.99", now)
		s.NoError(err)
		s.False(flipped)
	})

	s.Run("second deactivate reports nothing flipped", func() {
		rule := s.rule(1, false)
		ip := "198.51.100.2"
		_, err := s.store.Escalate(ctx, ip, rule, now)
		s.NoError(err)

		_, err = s.store.Deactivate(ctx, ip, now)
		s.NoError(err)
		flipped, err := s.store.Deactivate(ctx, ip, now)
		s.NoError(err)
		s.False(flipped)
	})
}

func (s *InMemoryBlockStoreSuite) TestDeleteExpiredInactive() {
	ctx := context.Background()
	now := time.Now()
	rule := s.rule(1, false) // 1h duration

	// Expired and deactivated: eligible.
	_, err := s.store.Escalate(ctx, "192.0.2.1", rule, now.Add(-3*time.Hour))
	s.NoError(err)
	_, err = s.store.Deactivate(ctx, "192.0.2.1", now)
	s.NoError(err)

	// Still active: kept even though expiry passed.
	_, err = s.store.Escalate(ctx, "192.0.2.2", rule, now.Add(-3*time.Hour))
	s.NoError(err)

	deleted, err := s.store.DeleteExpiredInactive(ctx, now)
	s.NoError(err)
	s.Equal(1, deleted)

	record, err := s.store.Get(ctx, "192.0.2.1")
	s.NoError(err)
	s.Nil(record)

	record, err = s.store.Get(ctx, "192.0.2.2")
	s.NoError(err)
	s.NotNil(record)
}
