package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/patchforge/patchforge/internal/mocks"
)

// Mock-based coverage of the dispatch preflight: the ledger is consulted once
// per claimed job and the default branch is resolved per dispatch, not cached.
func TestSchedulerPreflightCallsPerDispatch(t *testing.T) {
	ctrl := gomock.NewController(t)

	user := "user-1"
	job := queuedTestJob(1)
	job.UserID = &user

	jobs := newStubJobs()
	jobs.enqueueForClaim(job)
	dispatcher := &stubDispatcher{}

	tracker := mocks.NewMockTracker(ctrl)
	ledger := mocks.NewMockCreditLedger(ctrl)
	ledger.EXPECT().Balance(gomock.Any(), user).Return(int64(12), nil)
	tracker.EXPECT().DefaultBranch(gomock.Any(), "acme", "widgets").Return("release", nil)

	s, err := NewScheduler(SchedulerOption{
		Jobs:    jobs,
		Tracker: tracker,
		Credits: ledger,
		Runner:  dispatcher,
		Config:  SchedulerConfig{PollInterval: time.Hour, MaxConcurrent: 2},
	})
	require.NoError(t, err)

	s.tick(context.Background())
	waitUntil(t, func() bool { return len(dispatcher.dispatched()) == 1 })
	assert.Equal(t, "release", dispatcher.dispatched()[0].DefaultBranch)
}
