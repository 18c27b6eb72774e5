// Package core defines the ports between the orchestration engine and its
// collaborators, plus the process-wide registries the engine owns.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/patchforge/patchforge/internal/domain/model"
)

// JobStore is the durable record store for jobs. Only ClaimNext requires
// atomicity across processes; all other operations are full-record replacements
// because the claim guarantees a single Runner owns a job at a time.
type JobStore interface {
	GetByKey(ctx context.Context, key string) (*model.Job, error)
	// Create inserts a new job and fails with a duplicate error when the
	// identity tuple already exists.
	Create(ctx context.Context, job *model.Job) error
	Upsert(ctx context.Context, job *model.Job) error
	ListActive(ctx context.Context) ([]*model.Job, error)

	// ClaimNext atomically selects one queued job and transitions it to working.
	// Returns model.ErrNoJobsQueued when nothing is eligible.
	ClaimNext(ctx context.Context) (*model.Job, error)

	// SetStatus transitions a job only when its current status is one of from.
	// Returns false when the precondition did not hold.
	SetStatus(ctx context.Context, key string, to model.JobStatus, from ...model.JobStatus) (bool, error)

	// UsageSince sums input+output tokens over jobs whose updated_at >= since.
	UsageSince(ctx context.Context, since time.Time) (int64, error)

	// RequeueStale moves working jobs with updated_at older than cutoff back to
	// queued without touching retry_count. Returns the number requeued.
	RequeueStale(ctx context.Context, cutoff time.Time) (int64, error)

	// PurgeTerminal deletes terminal jobs older than cutoff in bounded batches.
	PurgeTerminal(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// LogStore is the unbounded durable append log backing cross-process catch-up.
type LogStore interface {
	AppendLines(ctx context.Context, key string, lines []model.OutputLine) error
	// LogsAfter returns up to limit lines with seq greater than afterSeq, in
	// insertion order.
	LogsAfter(ctx context.Context, key string, afterSeq int64, limit int) ([]model.OutputLine, error)
}

// MessageStore persists operator chat messages for a job between runs.
type MessageStore interface {
	AppendMessage(ctx context.Context, key string, msg model.ChatMessage) error
	Messages(ctx context.Context, key string) ([]model.ChatMessage, error)
	// MarkDelivered flags all pending messages for the job as consumed by a run.
	MarkDelivered(ctx context.Context, key string) error
}

// ErrUnitNotFound is returned by trackers when the unit does not exist.
var ErrUnitNotFound = errors.New("unit not found")

// PullRequestParams describes a pull request to open.
type PullRequestParams struct {
	Branch string
	Base   string
	Title  string
	Body   string
}

// Tracker is the external issue-tracker collaborator. Implementations retry
// transient 403/429/5xx with backoff honoring rate-limit headers.
type Tracker interface {
	FetchUnit(ctx context.Context, owner, repo string, number int) (*model.Unit, error)
	FetchReplies(ctx context.Context, owner, repo string, number int) ([]model.Reply, error)
	PostComment(ctx context.Context, owner, repo string, number int, body string) error
	AddReaction(ctx context.Context, owner, repo string, number int, kind string) error
	CloseUnit(ctx context.Context, owner, repo string, number int) error
	OpenPullRequest(ctx context.Context, owner, repo string, params PullRequestParams) (string, error)
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
	PullRequestMerged(ctx context.Context, owner, repo string, prURL string) (bool, error)
}

// ErrInsufficientCredit is returned when a deduction exceeds the balance.
var ErrInsufficientCredit = errors.New("insufficient credit balance")

// CreditLedger is the billing collaborator used for preflight checks and
// post-run settlement.
type CreditLedger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	// Deduct atomically subtracts amount from the user's balance and appends an
	// audit transaction. Returns ErrInsufficientCredit without mutating state
	// when the balance does not cover the amount.
	Deduct(ctx context.Context, userID string, amount int64, memo string) error
}

// CacheRepository is a byte-value cache with TTL, backed by Redis in production.
type CacheRepository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
}

// ProcessHandle controls one live agent subprocess. Held in the Registry for
// the lifetime of a run only; never persisted.
type ProcessHandle interface {
	// Kill terminates the subprocess immediately.
	Kill() error
	// Interrupt delivers a soft, resumable interruption of the current turn.
	Interrupt() error
	// Write pipes a message into the open session. Returns an error if the
	// session cannot accept input.
	Write(message string) error
}
