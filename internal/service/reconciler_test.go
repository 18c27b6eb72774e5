package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchforge/patchforge/internal/domain/model"
)

func reconcilerForTest(t *testing.T, jobs *stubJobs) (*Reconciler, *stubTracker) {
	t.Helper()
	tracker := newStubTracker()
	r, err := NewReconciler(ReconcilerOption{
		Jobs:    jobs,
		Tracker: tracker,
		Config: ReconcilerConfig{
			Interval:   time.Hour,
			RunTimeout: 30 * time.Minute,
			Grace:      5 * time.Minute,
		},
	})
	require.NoError(t, err)
	return r, tracker
}

func TestReconcilerRequeuesOrphans(t *testing.T) {
	jobs := newStubJobs()
	jobs.requeued = 3
	r, _ := reconcilerForTest(t, jobs)

	before := time.Now().UTC().Add(-35 * time.Minute)
	n := r.requeueOrphans(context.Background())

	assert.Equal(t, int64(3), n)
	// Cutoff is run timeout plus grace back from now.
	assert.WithinDuration(t, before, jobs.requeueCutoff, 5*time.Second)
}

func TestReconcilerCompletesMergedPR(t *testing.T) {
	jobs := newStubJobs()
	job := queuedTestJob(1)
	job.Status = model.JobStatusPROpened
	job.PRUrl = "https://github.com/acme/widgets/pull/9"
	jobs.put(job)

	r, tracker := reconcilerForTest(t, jobs)
	tracker.setUnit("acme", "widgets", &model.Unit{Number: 1, State: "open"})
	tracker.merged = true

	completed, closed := r.reconcileActive(context.Background())

	assert.Equal(t, int64(1), completed)
	assert.Equal(t, int64(0), closed)
	assert.Equal(t, model.JobStatusCompleted, jobs.get(job.Key()).Status)
}

func TestReconcilerClosesJobWhenIssueClosed(t *testing.T) {
	jobs := newStubJobs()
	job := queuedTestJob(1)
	jobs.put(job)

	r, tracker := reconcilerForTest(t, jobs)
	tracker.setUnit("acme", "widgets", &model.Unit{Number: 1, State: "closed"})

	_, closed := r.reconcileActive(context.Background())

	assert.Equal(t, int64(1), closed)
	assert.Equal(t, model.JobStatusClosed, jobs.get(job.Key()).Status)
}

func TestReconcilerClosesWorkingJobWhenIssueClosed(t *testing.T) {
	jobs := newStubJobs()
	job := queuedTestJob(1)
	job.Status = model.JobStatusWorking
	jobs.put(job)

	r, tracker := reconcilerForTest(t, jobs)
	tracker.setUnit("acme", "widgets", &model.Unit{Number: 1, State: "closed"})

	_, closed := r.reconcileActive(context.Background())

	assert.Equal(t, int64(1), closed)
	assert.Equal(t, model.JobStatusClosed, jobs.get(job.Key()).Status)
}

func TestReconcilerClosesJobWhenIssueDeleted(t *testing.T) {
	jobs := newStubJobs()
	job := queuedTestJob(1)
	jobs.put(job)

	r, _ := reconcilerForTest(t, jobs)
	// No unit registered in the stub: FetchUnit returns not-found.

	_, closed := r.reconcileActive(context.Background())

	assert.Equal(t, int64(1), closed)
	assert.Equal(t, model.JobStatusClosed, jobs.get(job.Key()).Status)
}

func TestReconcilerRequeuesOnNewReply(t *testing.T) {
	jobs := newStubJobs()
	job := queuedTestJob(1)
	job.Status = model.JobStatusWaitingForReply
	job.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	jobs.put(job)

	r, tracker := reconcilerForTest(t, jobs)
	tracker.setUnit("acme", "widgets", &model.Unit{Number: 1, State: "open"})
	tracker.replies = []model.Reply{
		{Author: "alice", Body: "use the staging DB", CreatedAt: time.Now().UTC()},
	}

	r.reconcileActive(context.Background())

	assert.Equal(t, model.JobStatusQueued, jobs.get(job.Key()).Status)
}

func TestReconcilerIgnoresOldReplies(t *testing.T) {
	jobs := newStubJobs()
	job := queuedTestJob(1)
	job.Status = model.JobStatusWaitingForReply
	job.UpdatedAt = time.Now().UTC()
	jobs.put(job)

	r, tracker := reconcilerForTest(t, jobs)
	tracker.setUnit("acme", "widgets", &model.Unit{Number: 1, State: "open"})
	tracker.replies = []model.Reply{
		{Author: "alice", Body: "old context", CreatedAt: time.Now().UTC().Add(-2 * time.Hour)},
	}

	r.reconcileActive(context.Background())

	assert.Equal(t, model.JobStatusWaitingForReply, jobs.get(job.Key()).Status)
}

func TestReconcilerLeavesOpenPRAlone(t *testing.T) {
	jobs := newStubJobs()
	job := queuedTestJob(1)
	job.Status = model.JobStatusPROpened
	job.PRUrl = "https://github.com/acme/widgets/pull/9"
	jobs.put(job)

	r, tracker := reconcilerForTest(t, jobs)
	tracker.setUnit("acme", "widgets", &model.Unit{Number: 1, State: "open"})

	completed, closed := r.reconcileActive(context.Background())

	assert.Zero(t, completed)
	assert.Zero(t, closed)
	assert.Equal(t, model.JobStatusPROpened, jobs.get(job.Key()).Status)
}

func TestReconcilerSweepAggregates(t *testing.T) {
	jobs := newStubJobs()
	jobs.requeued = 1
	jobs.purged = 2
	r, _ := reconcilerForTest(t, jobs)

	// Must not panic with no active jobs and no metrics sink.
	r.sweep(context.Background())
	assert.Equal(t, int64(0), jobs.purged)
}
