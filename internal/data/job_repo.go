package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/patchforge/patchforge/internal/data/pgxutil"
	"github.com/patchforge/patchforge/internal/domain/model"
)

// JobRepoConfig holds configuration options for the job repository.
type JobRepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides Postgres-backed storage for job records. It is the single
// cross-process synchronization point of the system: everything except
// ClaimNext is a plain read or full-record write.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo.
func NewJobRepo(db *sql.DB, cfg JobRepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  owner,
  repo,
  unit_number,
  status,
  branch,
  trigger_id,
  issue_title,
  input_tokens,
  output_tokens,
  pr_url,
  retry_count,
  failure_reason,
  summary,
  user_id,
  started_at,
  updated_at
`

// SQL used by ClaimNext to atomically move the oldest queued job to working.
// FOR UPDATE SKIP LOCKED makes concurrent claimers pick distinct rows instead
// of blocking on each other.
const claimNextUpdateSQL = `
  WITH cte AS (
    SELECT owner, repo, unit_number FROM jobs
    WHERE status = 'queued'
    ORDER BY updated_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'working',
    started_at = $1,
    updated_at = $1
  FROM cte
  WHERE j.owner = cte.owner AND j.repo = cte.repo AND j.unit_number = cte.unit_number
  RETURNING j.owner, j.repo, j.unit_number, j.status, j.branch, j.trigger_id, j.issue_title, j.input_tokens, j.output_tokens, j.pr_url, j.retry_count, j.failure_reason, j.summary, j.user_id, j.started_at, j.updated_at`

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	prURL, failureReason, summary, userID sql.NullString
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.Owner,
		&job.Repo,
		&job.UnitNumber,
		&job.Status,
		&job.Branch,
		&job.TriggerID,
		&job.IssueTitle,
		&job.Tokens.Input,
		&job.Tokens.Output,
		&d.prURL,
		&job.RetryCount,
		&d.failureReason,
		&d.summary,
		&d.userID,
		&job.StartedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.PRUrl = d.prURL.String
	job.FailureReason = d.failureReason.String
	job.Summary = d.summary.String
	if d.userID.Valid {
		uid := d.userID.String
		job.UserID = &uid
	}
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	data.apply(job)
	return job, nil
}

func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}
	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return job, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableUserID(userID *string) sql.NullString {
	if userID == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *userID, Valid: true}
}

func jobWriteArgs(job *model.Job, now time.Time) []any {
	startedAt := job.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}
	return []any{
		job.Owner,
		job.Repo,
		job.UnitNumber,
		job.Status,
		job.Branch,
		job.TriggerID,
		job.IssueTitle,
		job.Tokens.Input,
		job.Tokens.Output,
		nullable(job.PRUrl),
		job.RetryCount,
		nullable(job.FailureReason),
		nullable(job.Summary),
		nullableUserID(job.UserID),
		startedAt.UTC(),
		now,
	}
}

// Create inserts a new job record. Returns ErrJobAlreadyExists when the
// identity tuple is already present, which is how duplicate ingress (a webhook
// redelivery, a double manual enqueue) is detected.
func (r *JobRepo) Create(ctx context.Context, job *model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	now := r.timeProvider.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `
      INSERT INTO jobs(`+jobColumns+`)
      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
    `, jobWriteArgs(job, now)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrJobAlreadyExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Upsert writes the full job record, inserting or replacing by identity.
// Runners use this on every state change; the claim guarantees exclusive
// ownership so last-write-wins is safe.
func (r *JobRepo) Upsert(ctx context.Context, job *model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	now := r.timeProvider.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `
      INSERT INTO jobs(`+jobColumns+`)
      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
      ON CONFLICT (owner, repo, unit_number) DO UPDATE
      SET status = EXCLUDED.status,
          branch = EXCLUDED.branch,
          trigger_id = EXCLUDED.trigger_id,
          issue_title = EXCLUDED.issue_title,
          input_tokens = EXCLUDED.input_tokens,
          output_tokens = EXCLUDED.output_tokens,
          pr_url = EXCLUDED.pr_url,
          retry_count = EXCLUDED.retry_count,
          failure_reason = EXCLUDED.failure_reason,
          summary = EXCLUDED.summary,
          user_id = EXCLUDED.user_id,
          started_at = EXCLUDED.started_at,
          updated_at = EXCLUDED.updated_at
    `, jobWriteArgs(job, now)...)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// GetByKey retrieves a job by its serialized "owner/repo#N" key. Returns
// (nil, nil) when no such job exists.
func (r *JobRepo) GetByKey(ctx context.Context, key string) (*model.Job, error) {
	owner, repo, unit, err := model.ParseKey(key)
	if err != nil {
		return nil, err
	}

	row := r.DB.QueryRowContext(ctx, `
      SELECT `+jobColumns+`
      FROM jobs
      WHERE owner = $1 AND repo = $2 AND unit_number = $3
    `, owner, repo, unit)

	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListActive returns all non-terminal jobs ordered by last update.
func (r *JobRepo) ListActive(ctx context.Context) ([]*model.Job, error) {
	rows, err := r.DB.QueryContext(ctx, `
      SELECT `+jobColumns+`
      FROM jobs
      WHERE status NOT IN ('completed', 'failed', 'closed', 'stopped')
      ORDER BY updated_at DESC
    `)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, scanErr := scanJobFromRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return jobs, nil
}

// ClaimNext atomically claims the oldest queued job for this process. Returns
// model.ErrNoJobsQueued when the queue is empty. Single-claim-wins across
// concurrent workers is guaranteed by the row lock inside one transaction.
func (r *JobRepo) ClaimNext(ctx context.Context) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, claimNextUpdateSQL, r.timeProvider.Now().UTC())
			if qerr != nil {
				return fmt.Errorf("claim job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsQueued
			}
			if cerr != nil {
				return fmt.Errorf("claim job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsQueued) {
			return nil, model.ErrNoJobsQueued
		}
		return nil, err
	}
	return job, nil
}

// SetStatus transitions a job to the target status only when its current
// status matches one of from. Returns false when the precondition failed,
// which callers treat as "someone else got there first".
func (r *JobRepo) SetStatus(ctx context.Context, key string, to model.JobStatus, from ...model.JobStatus) (bool, error) {
	owner, repo, unit, err := model.ParseKey(key)
	if err != nil {
		return false, err
	}
	if !to.Valid() {
		return false, fmt.Errorf("invalid job status: %q", to)
	}
	if len(from) == 0 {
		return false, errors.New("at least one source status is required")
	}

	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	res, err := r.DB.ExecContext(ctx, `
      UPDATE jobs
      SET status = $4, updated_at = $5
      WHERE owner = $1 AND repo = $2 AND unit_number = $3
        AND status = ANY($6)
    `, owner, repo, unit, to, r.timeProvider.Now().UTC(), states)
	if err != nil {
		return false, fmt.Errorf("set job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set job status rows affected: %w", err)
	}
	return affected > 0, nil
}

// UsageSince sums token consumption over jobs updated at or after since. The
// attribution by updated_at makes this a coarse trailing-window measure, which
// is all the admission gate needs.
func (r *JobRepo) UsageSince(ctx context.Context, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `
      SELECT SUM(input_tokens + output_tokens)
      FROM jobs
      WHERE updated_at >= $1
    `, since.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum token usage: %w", err)
	}
	return total.Int64, nil
}

// Advisory lock key so only one process runs the stale-job sweep at a time.
const advisoryLockRequeueStale int64 = 2201

// RequeueStale moves working jobs whose updated_at is older than cutoff back
// to queued, leaving retry_count untouched: a dead owner process is an
// infrastructure event, not an attempt. Returns the number of jobs requeued.
func (r *JobRepo) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::bigint)", advisoryLockRequeueStale).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			res, err := tx.ExecContext(ctx, `
              UPDATE jobs
              SET status = 'queued', updated_at = $2
              WHERE status = 'working' AND updated_at < $1
            `, cutoff.UTC(), r.timeProvider.Now().UTC())
			if err != nil {
				return fmt.Errorf("requeue stale: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// PurgeTerminal deletes terminal jobs last touched before cutoff, along with
// their durable log lines, in batches of batchSize.
func (r *JobRepo) PurgeTerminal(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	res, err := r.DB.ExecContext(ctx, `
      WITH victims AS (
        SELECT owner, repo, unit_number FROM jobs
        WHERE status IN ('completed', 'failed', 'closed', 'stopped')
          AND updated_at < $1
        LIMIT $2
      ),
      purged_logs AS (
        DELETE FROM job_logs
        WHERE job_key IN (SELECT owner || '/' || repo || '#' || unit_number FROM victims)
      )
      DELETE FROM jobs j
      USING victims v
      WHERE j.owner = v.owner AND j.repo = v.repo AND j.unit_number = v.unit_number
    `, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return affected, nil
}
