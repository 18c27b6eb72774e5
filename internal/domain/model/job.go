// Package model defines the core data types shared across the patchforge job system.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current state of a job in the orchestration state machine.
type JobStatus string

const (
	// JobStatusQueued indicates a job is waiting to be claimed by a scheduler.
	JobStatusQueued JobStatus = "queued"
	// JobStatusWorking indicates a Runner owns the job and the agent is executing.
	JobStatusWorking JobStatus = "working"
	// JobStatusWaitingForReply indicates the agent asked for clarification and the job
	// is parked until a reply arrives.
	JobStatusWaitingForReply JobStatus = "waiting_for_reply"
	// JobStatusPROpened indicates the run produced a pull request.
	JobStatusPROpened JobStatus = "pr_opened"
	// JobStatusCompleted indicates the produced pull request was merged.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job ended without a usable result.
	JobStatusFailed JobStatus = "failed"
	// JobStatusClosed indicates the source unit was closed externally.
	JobStatusClosed JobStatus = "closed"
	// JobStatusStopped indicates an operator stopped the job.
	JobStatusStopped JobStatus = "stopped"
)

// ErrNoJobsQueued is returned when no queued job is available to claim.
var ErrNoJobsQueued = errors.New("no queued jobs available")

// Valid returns true if the JobStatus is a known state.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusWorking, JobStatusWaitingForReply,
		JobStatusPROpened, JobStatusCompleted, JobStatusFailed,
		JobStatusClosed, JobStatusStopped:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further scheduling.
// waiting_for_reply is non-terminal: a reply requeues the job.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusClosed, JobStatusStopped:
		return true
	}
	return false
}

// StreamTerminal reports whether no more live output is expected for the status.
func (s JobStatus) StreamTerminal() bool {
	return s == JobStatusPROpened || s.Terminal()
}

// TokenUsage tracks cumulative token consumption for a job. Counts only grow.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int64 { return u.Input + u.Output }

// Add accumulates another usage sample into the receiver.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
}

// FailureReasonMaxLen bounds the persisted failure reason text.
const FailureReasonMaxLen = 200

// Job is one unit of externally tracked work driving exactly one patch attempt.
// Identity is (Owner, Repo, UnitNumber); the serialized key is "owner/repo#N".
type Job struct {
	Owner      string `json:"owner"       db:"owner"`
	Repo       string `json:"repo"        db:"repo"`
	UnitNumber int    `json:"unit_number" db:"unit_number"`

	Status        JobStatus  `json:"status"                   db:"status"`
	Branch        string     `json:"branch"                   db:"branch"`
	TriggerID     int64      `json:"trigger_id"               db:"trigger_id"`
	IssueTitle    string     `json:"issue_title"              db:"issue_title"`
	Tokens        TokenUsage `json:"tokens"`
	PRUrl         string     `json:"pr_url,omitempty"         db:"pr_url"`
	RetryCount    int        `json:"retry_count"              db:"retry_count"`
	FailureReason string     `json:"failure_reason,omitempty" db:"failure_reason"`
	Summary       string     `json:"summary,omitempty"        db:"summary"`
	UserID        *string    `json:"user_id,omitempty"        db:"user_id"`
	StartedAt     time.Time  `json:"started_at"               db:"started_at"`
	UpdatedAt     time.Time  `json:"updated_at"               db:"updated_at"`
}

// Key returns the serialized identity "owner/repo#N".
func (j *Job) Key() string {
	return FormatKey(j.Owner, j.Repo, j.UnitNumber)
}

// FormatKey serializes a job identity tuple.
func FormatKey(owner, repo string, unit int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, unit)
}

// ParseKey splits a serialized job key back into its identity tuple.
func ParseKey(key string) (owner, repo string, unit int, err error) {
	slash := strings.IndexByte(key, '/')
	hash := strings.LastIndexByte(key, '#')
	if slash <= 0 || hash <= slash+1 || hash == len(key)-1 {
		return "", "", 0, fmt.Errorf("malformed job key %q", key)
	}
	owner = key[:slash]
	repo = key[slash+1 : hash]
	if _, err = fmt.Sscanf(key[hash+1:], "%d", &unit); err != nil {
		return "", "", 0, fmt.Errorf("malformed job key %q: %w", key, err)
	}
	return owner, repo, unit, nil
}

// SetFailureReason records a truncated failure reason on the job.
func (j *Job) SetFailureReason(reason string) {
	j.FailureReason = TruncateReason(reason)
}

// TruncateReason bounds failure text to FailureReasonMaxLen characters.
func TruncateReason(reason string) string {
	if len(reason) <= FailureReasonMaxLen {
		return reason
	}
	return reason[:FailureReasonMaxLen]
}

// Validate checks that the identity tuple and status are usable.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.Owner) == "" {
		return errors.New("owner is required")
	}
	if strings.TrimSpace(j.Repo) == "" {
		return errors.New("repo is required")
	}
	if j.UnitNumber <= 0 {
		return errors.New("unit number must be positive")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("invalid job status: %q", j.Status)
	}
	return nil
}

// LineKind classifies a live output line.
type LineKind string

const (
	// LineText is narrative text emitted by the agent.
	LineText LineKind = "text"
	// LineTool announces a tool invocation.
	LineTool LineKind = "tool"
	// LineStatus is an orchestrator-generated progress note.
	LineStatus LineKind = "status"
	// LineError is an orchestrator-generated error note.
	LineError LineKind = "error"
	// LineUser is an operator message piped into the session.
	LineUser LineKind = "user"
)

// OutputLine is one normalized entry of a job's live output stream.
type OutputLine struct {
	Seq       int64     `json:"seq,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Kind      LineKind  `json:"kind"`
	Content   string    `json:"content"`
}

// BudgetSnapshot is the derived admission-control view over recent token usage.
// Limits of zero mean unlimited.
type BudgetSnapshot struct {
	HourlyUsed  int64      `json:"hourly_used"`
	HourlyLimit int64      `json:"hourly_limit"`
	DailyUsed   int64      `json:"daily_used"`
	DailyLimit  int64      `json:"daily_limit"`
	Paused      bool       `json:"paused"`
	ResumesAt   *time.Time `json:"resumes_at,omitempty"`
}

// Unit is the tracker-side view of the work source (an issue).
type Unit struct {
	Number int
	Title  string
	Body   string
	Labels []string
	State  string // "open" or "closed"
}

// Reply is a discussion entry on a unit.
type Reply struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

// ChatMessage is an operator message recorded against a job between or during runs.
type ChatMessage struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Delivered bool      `json:"delivered"`
}
