package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchforge/patchforge/internal/core"
	"github.com/patchforge/patchforge/internal/domain/model"
)

func schedulerForTest(t *testing.T, jobs *stubJobs, dispatcher *stubDispatcher, opts ...func(*SchedulerOption)) (*Scheduler, *stubTracker, *stubLedger) {
	t.Helper()
	tracker := newStubTracker()
	ledger := newStubLedger()
	opt := SchedulerOption{
		Jobs:    jobs,
		Tracker: tracker,
		Credits: ledger,
		Runner:  dispatcher,
		Config:  SchedulerConfig{PollInterval: time.Hour, MaxConcurrent: 4},
	}
	for _, fn := range opts {
		fn(&opt)
	}
	s, err := NewScheduler(opt)
	require.NoError(t, err)
	return s, tracker, ledger
}

func queuedTestJob(n int) model.Job {
	return model.Job{
		Owner:      "acme",
		Repo:       "widgets",
		UnitNumber: n,
		Status:     model.JobStatusQueued,
		IssueTitle: "something broke",
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSchedulerDispatchesClaimedJobs(t *testing.T) {
	jobs := newStubJobs()
	jobs.enqueueForClaim(queuedTestJob(1))
	jobs.enqueueForClaim(queuedTestJob(2))
	dispatcher := &stubDispatcher{}

	s, _, _ := schedulerForTest(t, jobs, dispatcher)

	// One claim per tick: the second queued job waits for the next tick.
	s.tick(context.Background())
	waitUntil(t, func() bool { return len(dispatcher.dispatched()) == 1 })

	s.tick(context.Background())
	waitUntil(t, func() bool { return len(dispatcher.dispatched()) == 2 })

	reqs := dispatcher.dispatched()
	assert.Equal(t, "main", reqs[0].DefaultBranch)
	assert.Equal(t, model.JobStatusWorking, reqs[0].Job.Status)
}

func TestSchedulerRespectsConcurrencyCeiling(t *testing.T) {
	jobs := newStubJobs()
	jobs.enqueueForClaim(queuedTestJob(1))
	jobs.enqueueForClaim(queuedTestJob(2))

	dispatcher := &stubDispatcher{block: make(chan struct{})}
	s, _, _ := schedulerForTest(t, jobs, dispatcher, func(o *SchedulerOption) {
		o.Config.MaxConcurrent = 1
	})

	s.tick(context.Background())
	waitUntil(t, func() bool { return len(dispatcher.dispatched()) == 1 })

	// The slot is occupied; another tick must not claim the second job.
	s.tick(context.Background())
	assert.Len(t, dispatcher.dispatched(), 1)

	close(dispatcher.block)
	waitUntil(t, func() bool { return s.inFlight() == 0 })

	s.tick(context.Background())
	waitUntil(t, func() bool { return len(dispatcher.dispatched()) == 2 })
}

func TestSchedulerBudgetBlocksClaims(t *testing.T) {
	jobs := newStubJobs()
	jobs.usage = 5000
	jobs.enqueueForClaim(queuedTestJob(1))
	dispatcher := &stubDispatcher{}

	s, _, _ := schedulerForTest(t, jobs, dispatcher, func(o *SchedulerOption) {
		o.Budget = core.NewBudgetGate(core.BudgetGateOption{Store: jobs, HourlyLimit: 1000})
	})
	s.tick(context.Background())

	assert.Empty(t, dispatcher.dispatched())
	assert.Equal(t, model.JobStatusQueued, jobs.get("acme/widgets#1").Status)
}

func TestSchedulerCreditFailFast(t *testing.T) {
	user := "user-1"
	job := queuedTestJob(1)
	job.UserID = &user

	jobs := newStubJobs()
	jobs.enqueueForClaim(job)
	dispatcher := &stubDispatcher{}

	s, tracker, _ := schedulerForTest(t, jobs, dispatcher)
	s.tick(context.Background())

	assert.Empty(t, dispatcher.dispatched())
	final := jobs.get(job.Key())
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Contains(t, final.FailureReason, "credit")
	require.Len(t, tracker.comments, 1)
	assert.Contains(t, tracker.comments[0], "no remaining credit")
}

func TestSchedulerLedgerOutageRequeues(t *testing.T) {
	user := "user-1"
	job := queuedTestJob(1)
	job.UserID = &user

	jobs := newStubJobs()
	jobs.enqueueForClaim(job)
	dispatcher := &stubDispatcher{}

	s, _, ledger := schedulerForTest(t, jobs, dispatcher)
	ledger.balanceErr = errors.New("connection refused")
	s.tick(context.Background())

	assert.Empty(t, dispatcher.dispatched())
	assert.Equal(t, model.JobStatusQueued, jobs.get(job.Key()).Status)
	assert.Empty(t, jobs.get(job.Key()).FailureReason)
}

func TestSchedulerFundedJobDispatches(t *testing.T) {
	user := "user-1"
	job := queuedTestJob(1)
	job.UserID = &user

	jobs := newStubJobs()
	jobs.enqueueForClaim(job)
	dispatcher := &stubDispatcher{}

	s, _, ledger := schedulerForTest(t, jobs, dispatcher)
	ledger.balances[user] = 50
	s.tick(context.Background())

	waitUntil(t, func() bool { return len(dispatcher.dispatched()) == 1 })
}

func TestSchedulerEmptyQueueIsQuiet(t *testing.T) {
	jobs := newStubJobs()
	dispatcher := &stubDispatcher{}
	s, _, _ := schedulerForTest(t, jobs, dispatcher)

	s.tick(context.Background())
	assert.Empty(t, dispatcher.dispatched())
	assert.Equal(t, 0, s.inFlight())
}
