package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type mockDeletionStore struct {
	calls      int
	toReturn   int
	err        error
	lastCutoff time.Time
}

func (m *mockDeletionStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.calls++
	m.lastCutoff = cutoff
	return m.toReturn, m.err
}

func (m *mockDeletionStore) DeleteExpiredInactive(_ context.Context, cutoff time.Time) (int, error) {
	m.calls++
	m.lastCutoff = cutoff
	return m.toReturn, m.err
}

type RetentionWorkerSuite struct {
	suite.Suite
	visitorLogs *mockDeletionStore
	attempts    *mockDeletionStore
	blocks      *mockDeletionStore
	worker      *Worker
}

func TestRetentionWorkerSuite(t *testing.T) {
	suite.Run(t, new(RetentionWorkerSuite))
}

func (s *RetentionWorkerSuite) SetupTest() {
	s.visitorLogs = &mockDeletionStore{}
	s.attempts = &mockDeletionStore{}
	s.blocks = &mockDeletionStore{}
	s.worker = New(s.visitorLogs, s.attempts, s.blocks)
}

func (s *RetentionWorkerSuite) TestRunOncePrunesAllThreeStores() {
	s.visitorLogs.toReturn = 12
	s.attempts.toReturn = 4
	s.blocks.toReturn = 2

	res, err := s.worker.RunOnce(context.Background())
	s.Require().NoError(err)

	s.Equal(12, res.VisitorLogsDeleted)
	s.Equal(4, res.AttemptsDeleted)
	s.Equal(2, res.BlocksDeleted)
	s.Equal(1, s.visitorLogs.calls)
	s.Equal(1, s.attempts.calls)
	s.Equal(1, s.blocks.calls)
}

func (s *RetentionWorkerSuite) TestCutoffsFollowConfiguredRetention() {
	worker := New(s.visitorLogs, s.attempts, s.blocks,
		WithVisitorLogRetention(48*time.Hour),
		WithAttemptRetention(24*time.Hour),
	)

	before := time.Now()
	_, err := worker.RunOnce(context.Background())
	s.Require().NoError(err)
	after := time.Now()

	s.WithinRange(s.visitorLogs.lastCutoff, before.Add(-48*time.Hour), after.Add(-48*time.Hour))
	s.WithinRange(s.attempts.lastCutoff, before.Add(-24*time.Hour), after.Add(-24*time.Hour))
	// Expired inactive blocks are judged against now, not a retention window.
	s.WithinRange(s.blocks.lastCutoff, before, after)
}

func (s *RetentionWorkerSuite) TestStoreErrorStopsTheRun() {
	s.attempts.err = errors.New("connection reset")

	_, err := s.worker.RunOnce(context.Background())
	s.Require().Error(err)
	s.Equal(1, s.visitorLogs.calls)
	s.Equal(0, s.blocks.calls, "later stores are not touched after a failure")
}
