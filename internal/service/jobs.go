package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patchforge/patchforge/internal/core"
	"github.com/patchforge/patchforge/internal/data"
	"github.com/patchforge/patchforge/internal/domain/model"
)

// Command-surface errors callers are expected to branch on.
var (
	// ErrJobNotFound is returned for commands against an unknown job key.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when a command needs a live job but the job
	// has already settled.
	ErrJobTerminal = errors.New("job is in a terminal state")
	// ErrJobExists is returned on a duplicate enqueue.
	ErrJobExists = errors.New("job already exists for this issue")
)

// EnqueueParams identifies the issue to turn into a job.
type EnqueueParams struct {
	Owner      string
	Repo       string
	UnitNumber int
	// TriggerID is the tracker-side id of the triggering entity (the comment
	// or label event), kept for dedupe and audit.
	TriggerID int64
	// UserID is the billing account the run settles against; nil runs unbilled.
	UserID *string
}

// JobServiceOption groups the JobService's dependencies.
type JobServiceOption struct {
	Jobs        core.JobStore
	Messages    core.MessageStore
	Tracker     core.Tracker
	Budget      *core.BudgetGate
	Registry    *core.ProcessRegistry
	Distributor *core.Distributor
	Tailer      *core.Tailer
	Logger      *slog.Logger
}

// JobService is the operator-facing command surface over the job system. Every
// command is safe to issue from any worker process: live-process interaction
// degrades to durable state when the job runs elsewhere.
type JobService struct {
	jobs        core.JobStore
	messages    core.MessageStore
	tracker     core.Tracker
	budget      *core.BudgetGate
	registry    *core.ProcessRegistry
	distributor *core.Distributor
	tailer      *core.Tailer
	logger      *slog.Logger
}

// NewJobService creates a JobService.
func NewJobService(opt JobServiceOption) (*JobService, error) {
	if opt.Jobs == nil {
		return nil, errors.New("job store is required")
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{
		jobs:        opt.Jobs,
		messages:    opt.Messages,
		tracker:     opt.Tracker,
		budget:      opt.Budget,
		registry:    opt.Registry,
		distributor: opt.Distributor,
		tailer:      opt.Tailer,
		logger:      logger.With("component", "jobs"),
	}, nil
}

// Enqueue creates a queued job for an open issue. The issue must exist and be
// open; a second enqueue for the same issue fails with ErrJobExists.
func (s *JobService) Enqueue(ctx context.Context, params EnqueueParams) (*model.Job, error) {
	if strings.TrimSpace(params.Owner) == "" || strings.TrimSpace(params.Repo) == "" || params.UnitNumber <= 0 {
		return nil, fmt.Errorf("owner, repo, and a positive issue number are required")
	}

	unit, err := s.tracker.FetchUnit(ctx, params.Owner, params.Repo, params.UnitNumber)
	if err != nil {
		return nil, fmt.Errorf("fetch issue: %w", err)
	}
	if unit.State == "closed" {
		return nil, fmt.Errorf("issue #%d is closed", params.UnitNumber)
	}

	job := &model.Job{
		Owner:      params.Owner,
		Repo:       params.Repo,
		UnitNumber: params.UnitNumber,
		Status:     model.JobStatusQueued,
		TriggerID:  params.TriggerID,
		IssueTitle: unit.Title,
		UserID:     params.UserID,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, data.ErrJobAlreadyExists) {
			return nil, ErrJobExists
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	// The reaction is the cheap "seen it" acknowledgement on the issue.
	if reactErr := s.tracker.AddReaction(ctx, params.Owner, params.Repo, params.UnitNumber, "+1"); reactErr != nil {
		s.logger.WarnContext(ctx, "acknowledge reaction failed", "job", job.Key(), "error", reactErr)
	}

	s.logger.InfoContext(ctx, "job enqueued", "job", job.Key(), "trigger", params.TriggerID)
	return job, nil
}

// Stop halts a job wherever it is in its lifecycle: a queued job simply never
// runs, a working job's process is killed, a parked job stops waiting.
func (s *JobService) Stop(ctx context.Context, key string) error {
	job, err := s.jobs.GetByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}

	ok, err := s.jobs.SetStatus(ctx, key, model.JobStatusStopped,
		model.JobStatusQueued, model.JobStatusWorking,
		model.JobStatusWaitingForReply, model.JobStatusPROpened)
	if err != nil {
		return fmt.Errorf("stop transition: %w", err)
	}
	if !ok {
		return ErrJobTerminal
	}

	// Status first, process second: the Runner re-reads status after the
	// process dies and sees the stop instead of reporting a crash.
	if handle, live := s.registry.Get(key); live {
		if killErr := handle.Kill(); killErr != nil {
			s.logger.WarnContext(ctx, "kill after stop failed", "job", key, "error", killErr)
		}
	}
	s.publish(ctx, key, "job stopped")
	return nil
}

// Start returns a stopped or failed job to the queue for another attempt.
// The retry counter starts over; a manual restart is a fresh decision.
func (s *JobService) Start(ctx context.Context, key string) error {
	job, err := s.jobs.GetByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return ErrJobNotFound
	}
	switch job.Status {
	case model.JobStatusStopped, model.JobStatusFailed:
	default:
		return fmt.Errorf("job %s is %s; only stopped or failed jobs can be started", key, job.Status)
	}

	job.Status = model.JobStatusQueued
	job.RetryCount = 0
	job.FailureReason = ""
	if err := s.jobs.Upsert(ctx, job); err != nil {
		return fmt.Errorf("start transition: %w", err)
	}
	s.publish(ctx, key, "job restarted")
	return nil
}

// SendMessage records an operator message for a job and, when the job's agent
// is live in this process, delivers it into the running session immediately.
// Returns whether immediate delivery happened; undelivered messages reach the
// agent at the start of its next run.
func (s *JobService) SendMessage(ctx context.Context, key, text string) (delivered bool, err error) {
	if strings.TrimSpace(text) == "" {
		return false, errors.New("message text is required")
	}
	job, err := s.jobs.GetByKey(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return false, ErrJobNotFound
	}
	if job.Status.Terminal() {
		return false, ErrJobTerminal
	}

	msg := model.ChatMessage{Text: text, CreatedAt: time.Now().UTC()}
	if err := s.messages.AppendMessage(ctx, key, msg); err != nil {
		return false, fmt.Errorf("record message: %w", err)
	}
	s.publishUser(ctx, key, text)

	if handle, live := s.registry.Get(key); live {
		if writeErr := handle.Write(text); writeErr == nil {
			if markErr := s.messages.MarkDelivered(ctx, key); markErr != nil {
				s.logger.WarnContext(ctx, "mark delivered failed", "job", key, "error", markErr)
			}
			return true, nil
		}
		// Session already closing; the durable copy carries the message.
	}

	// A parked job treats the message as the reply it was waiting for.
	if job.Status == model.JobStatusWaitingForReply {
		if _, reqErr := s.jobs.SetStatus(ctx, key, model.JobStatusQueued, model.JobStatusWaitingForReply); reqErr != nil {
			s.logger.WarnContext(ctx, "message requeue failed", "job", key, "error", reqErr)
		}
	}
	return false, nil
}

// StreamLog streams the job's output lines to out, replaying from afterSeq and
// following live output until the stream ends. See core.Tailer for semantics.
func (s *JobService) StreamLog(ctx context.Context, key string, afterSeq int64, out chan<- model.OutputLine) error {
	job, err := s.jobs.GetByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return ErrJobNotFound
	}
	return s.tailer.Tail(ctx, key, afterSeq, out)
}

// GetStatus returns the current job record.
func (s *JobService) GetStatus(ctx context.Context, key string) (*model.Job, error) {
	job, err := s.jobs.GetByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// List returns all non-terminal jobs, most recently active first.
func (s *JobService) List(ctx context.Context) ([]*model.Job, error) {
	return s.jobs.ListActive(ctx)
}

// BudgetStatus returns the current token-budget snapshot.
func (s *JobService) BudgetStatus(ctx context.Context) (*model.BudgetSnapshot, error) {
	return s.budget.Status(ctx)
}

func (s *JobService) publish(ctx context.Context, key, content string) {
	if s.distributor != nil && content != "" {
		s.distributor.Publish(ctx, key, model.LineStatus, content)
	}
}

func (s *JobService) publishUser(ctx context.Context, key, content string) {
	if s.distributor != nil {
		s.distributor.Publish(ctx, key, model.LineUser, content)
	}
}
