package data

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchforge/patchforge/internal/domain/model"
	"github.com/patchforge/patchforge/internal/testutil"
)

func testJob(owner, repo string, unit int) *model.Job {
	return &model.Job{
		Owner:      owner,
		Repo:       repo,
		UnitNumber: unit,
		Status:     model.JobStatusQueued,
		Branch:     "patchforge/issue-1",
		TriggerID:  42,
		IssueTitle: "flaky test in parser",
	}
}

func TestJobRepo_CreateAndGetByKey(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, JobRepoConfig{})
		ctx := context.Background()

		job := testJob("acme", "widgets", 7)
		job.UserID = testutil.StringPtr("user-1")
		require.NoError(t, repo.Create(ctx, job))

		got, err := repo.GetByKey(ctx, "acme/widgets#7")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, model.JobStatusQueued, got.Status)
		assert.Equal(t, "patchforge/issue-1", got.Branch)
		assert.Equal(t, int64(42), got.TriggerID)
		require.NotNil(t, got.UserID)
		assert.Equal(t, "user-1", *got.UserID)
		assert.False(t, got.UpdatedAt.IsZero())
	})
}

func TestJobRepo_CreateDuplicate(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, JobRepoConfig{})
		ctx := context.Background()

		require.NoError(t, repo.Create(ctx, testJob("acme", "widgets", 7)))
		err := repo.Create(ctx, testJob("acme", "widgets", 7))
		assert.ErrorIs(t, err, ErrJobAlreadyExists)
	})
}

func TestJobRepo_GetByKeyMissing(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, JobRepoConfig{})
		got, err := repo.GetByKey(context.Background(), "acme/widgets#404")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestJobRepo_UpsertReplacesRecord(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, JobRepoConfig{})
		ctx := context.Background()

		job := testJob("acme", "widgets", 7)
		require.NoError(t, repo.Create(ctx, job))

		job.Status = model.JobStatusPROpened
		job.PRUrl = "https://example.com/acme/widgets/pull/9"
		job.Tokens = model.TokenUsage{Input: 1000, Output: 500}
		job.Summary = "fixed the flaky parser test"
		require.NoError(t, repo.Upsert(ctx, job))

		got, err := repo.GetByKey(ctx, job.Key())
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPROpened, got.Status)
		assert.Equal(t, "https://example.com/acme/widgets/pull/9", got.PRUrl)
		assert.Equal(t, int64(1500), got.Tokens.Total())
		assert.Equal(t, "fixed the flaky parser test", got.Summary)
	})
}

func TestJobRepo_ClaimNext(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()

		// Pin time so queue order by updated_at is deterministic.
		older := FixedTimeProvider{Time: testutil.TestTime()}
		newer := FixedTimeProvider{Time: testutil.TestTime().Add(time.Minute)}

		require.NoError(t, NewJobRepo(db, JobRepoConfig{TimeProvider: older}).Create(ctx, testJob("acme", "widgets", 1)))
		require.NoError(t, NewJobRepo(db, JobRepoConfig{TimeProvider: newer}).Create(ctx, testJob("acme", "widgets", 2)))

		repo := NewJobRepo(db, JobRepoConfig{})
		claimed, err := repo.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, claimed.UnitNumber, "oldest queued job claimed first")
		assert.Equal(t, model.JobStatusWorking, claimed.Status)

		second, err := repo.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, second.UnitNumber)

		_, err = repo.ClaimNext(ctx)
		assert.ErrorIs(t, err, model.ErrNoJobsQueued)
	})
}

func TestJobRepo_ClaimNext_SingleClaimWins(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, JobRepoConfig{})
		ctx := context.Background()

		require.NoError(t, repo.Create(ctx, testJob("acme", "widgets", 1)))

		const claimers = 8
		var wg sync.WaitGroup
		results := make(chan *model.Job, claimers)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if job, err := repo.ClaimNext(ctx); err == nil {
					results <- job
				}
			}()
		}
		wg.Wait()
		close(results)

		var winners int
		for range results {
			winners++
		}
		assert.Equal(t, 1, winners, "exactly one concurrent claimer wins")
	})
}

func TestJobRepo_SetStatus(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, JobRepoConfig{})
		ctx := context.Background()

		job := testJob("acme", "widgets", 1)
		require.NoError(t, repo.Create(ctx, job))

		ok, err := repo.SetStatus(ctx, job.Key(), model.JobStatusStopped, model.JobStatusQueued, model.JobStatusWorking)
		require.NoError(t, err)
		assert.True(t, ok)

		// Precondition no longer holds.
		ok, err = repo.SetStatus(ctx, job.Key(), model.JobStatusWorking, model.JobStatusQueued)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := repo.GetByKey(ctx, job.Key())
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusStopped, got.Status)
	})
}

func TestJobRepo_UsageSince(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()

		recent := NewJobRepo(db, JobRepoConfig{TimeProvider: FixedTimeProvider{Time: now}})
		old := NewJobRepo(db, JobRepoConfig{TimeProvider: FixedTimeProvider{Time: now.Add(-2 * time.Hour)}})

		j1 := testJob("acme", "widgets", 1)
		j1.Tokens = model.TokenUsage{Input: 100, Output: 50}
		require.NoError(t, recent.Create(ctx, j1))

		j2 := testJob("acme", "widgets", 2)
		j2.Tokens = model.TokenUsage{Input: 1000, Output: 0}
		require.NoError(t, old.Create(ctx, j2))

		hourly, err := recent.UsageSince(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(150), hourly)

		daily, err := recent.UsageSince(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1150), daily)
	})
}

func TestJobRepo_RequeueStale(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()

		stale := NewJobRepo(db, JobRepoConfig{TimeProvider: FixedTimeProvider{Time: now.Add(-time.Hour)}})
		fresh := NewJobRepo(db, JobRepoConfig{TimeProvider: FixedTimeProvider{Time: now}})

		j1 := testJob("acme", "widgets", 1)
		j1.Status = model.JobStatusWorking
		j1.RetryCount = 2
		require.NoError(t, stale.Create(ctx, j1))

		j2 := testJob("acme", "widgets", 2)
		j2.Status = model.JobStatusWorking
		require.NoError(t, fresh.Create(ctx, j2))

		n, err := fresh.RequeueStale(ctx, now.Add(-30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := fresh.GetByKey(ctx, j1.Key())
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusQueued, got.Status)
		assert.Equal(t, 2, got.RetryCount, "requeue keeps retry count")

		got2, err := fresh.GetByKey(ctx, j2.Key())
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusWorking, got2.Status)
	})
}

func TestJobRepo_PurgeTerminal(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()

		old := NewJobRepo(db, JobRepoConfig{TimeProvider: FixedTimeProvider{Time: now.Add(-40 * 24 * time.Hour)}})
		fresh := NewJobRepo(db, JobRepoConfig{TimeProvider: FixedTimeProvider{Time: now}})
		logs := NewJobLogRepo(db)

		done := testJob("acme", "widgets", 1)
		done.Status = model.JobStatusCompleted
		require.NoError(t, old.Create(ctx, done))
		require.NoError(t, logs.AppendLines(ctx, done.Key(), []model.OutputLine{
			{Timestamp: now, Kind: model.LineText, Content: "bye"},
		}))

		active := testJob("acme", "widgets", 2)
		active.Status = model.JobStatusWorking
		require.NoError(t, old.Create(ctx, active))

		n, err := fresh.PurgeTerminal(ctx, now.Add(-30*24*time.Hour), 100)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := fresh.GetByKey(ctx, done.Key())
		require.NoError(t, err)
		assert.Nil(t, got)

		lines, err := logs.LogsAfter(ctx, done.Key(), 0, 10)
		require.NoError(t, err)
		assert.Empty(t, lines, "purge removes the durable log too")

		still, err := fresh.GetByKey(ctx, active.Key())
		require.NoError(t, err)
		require.NotNil(t, still, "non-terminal jobs survive the purge")
	})
}

func TestJobRepo_ListActive(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, JobRepoConfig{})
		ctx := context.Background()

		queued := testJob("acme", "widgets", 1)
		require.NoError(t, repo.Create(ctx, queued))

		waiting := testJob("acme", "widgets", 2)
		waiting.Status = model.JobStatusWaitingForReply
		require.NoError(t, repo.Create(ctx, waiting))

		failed := testJob("acme", "widgets", 3)
		failed.Status = model.JobStatusFailed
		require.NoError(t, repo.Create(ctx, failed))

		active, err := repo.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 2)
		for _, j := range active {
			assert.False(t, j.Status.Terminal())
		}
	})
}
