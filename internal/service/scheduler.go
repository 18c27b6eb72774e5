// Package service provides the orchestration services of the patchforge job
// system: claiming queued jobs, dispatching agent runs, reconciling external
// state, and the operator-facing command surface.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/patchforge/patchforge/internal/agent"
	"github.com/patchforge/patchforge/internal/core"
	"github.com/patchforge/patchforge/internal/data"
	"github.com/patchforge/patchforge/internal/domain/model"
	"github.com/patchforge/patchforge/internal/observability/metrics"
	"github.com/patchforge/patchforge/internal/observability/statsd"
)

// RunDispatcher starts one agent run for a claimed job. Implementations must
// not return before the run has reached a settled state.
type RunDispatcher interface {
	Run(ctx context.Context, req agent.RunRequest)
}

// SchedulerConfig holds the poll-loop tunables.
type SchedulerConfig struct {
	PollInterval  time.Duration
	MaxConcurrent int
}

// SchedulerOption groups the Scheduler's dependencies.
type SchedulerOption struct {
	Jobs        core.JobStore
	Budget      *core.BudgetGate
	Credits     core.CreditLedger
	Tracker     core.Tracker
	Runner      RunDispatcher
	Distributor *core.Distributor
	Metrics     statsd.Sink
	Logger      *slog.Logger
	Config      SchedulerConfig
}

// Scheduler is the poll loop that turns queued jobs into running agents. It is
// safe under concurrent replicas: the claim is atomic at the store, so each
// job lands on exactly one scheduler.
type Scheduler struct {
	jobs        core.JobStore
	budget      *core.BudgetGate
	credits     core.CreditLedger
	tracker     core.Tracker
	runner      RunDispatcher
	distributor *core.Distributor
	metrics     statsd.Sink
	logger      *slog.Logger
	cfg         SchedulerConfig

	slots   *semaphore.Weighted
	running atomic.Int64
}

// NewScheduler creates a Scheduler.
func NewScheduler(opt SchedulerOption) (*Scheduler, error) {
	if opt.Jobs == nil {
		return nil, errors.New("job store is required")
	}
	if opt.Runner == nil {
		return nil, errors.New("run dispatcher is required")
	}
	cfg := opt.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:        opt.Jobs,
		budget:      opt.Budget,
		credits:     opt.Credits,
		tracker:     opt.Tracker,
		runner:      opt.Runner,
		distributor: opt.Distributor,
		metrics:     opt.Metrics,
		logger:      logger.With("component", "scheduler"),
		cfg:         cfg,
		slots:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}, nil
}

// Run polls for claimable work until ctx is canceled, then waits for all
// in-flight runs to settle. Returns nil on graceful shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler starting",
		"poll_interval", s.cfg.PollInterval,
		"max_concurrent", s.cfg.MaxConcurrent)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler draining", "in_flight", s.inFlight())
			s.drain()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick attempts exactly one claim: it returns without claiming when the
// budget denies or no slot is free. Dispatch is fire-and-forget; the Runner
// owns every outcome.
func (s *Scheduler) tick(ctx context.Context) {
	if s.budget != nil {
		ok, err := s.budget.CanRun(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "budget check failed", "error", err)
			return
		}
		if !ok {
			s.count("scheduler.budget_blocked")
			return
		}
	}

	if !s.slots.TryAcquire(1) {
		return
	}

	job, err := s.jobs.ClaimNext(ctx)
	if err != nil {
		s.slots.Release(1)
		if !errors.Is(err, model.ErrNoJobsQueued) {
			s.logger.ErrorContext(ctx, "claim failed", "error", err)
		}
		return
	}

	if !s.preflight(ctx, job) {
		s.slots.Release(1)
		return
	}

	req := agent.RunRequest{Job: job, DefaultBranch: s.resolveDefaultBranch(ctx, job)}
	s.addRunning(1)
	metrics.EmitQueueDepth(s.metrics, s.inFlight())
	go func() {
		defer func() {
			s.addRunning(-1)
			s.slots.Release(1)
			metrics.EmitQueueDepth(s.metrics, s.inFlight())
		}()
		s.runner.Run(ctx, req)
	}()
}

// preflight fails a job fast when its billing account cannot cover any run at
// all, before a workspace or subprocess is ever created.
func (s *Scheduler) preflight(ctx context.Context, job *model.Job) bool {
	if s.credits == nil || job.UserID == nil {
		return true
	}

	balance, err := s.credits.Balance(ctx, *job.UserID)
	if err == nil && balance > 0 {
		return true
	}
	if err != nil && !errors.Is(err, data.ErrAccountNotFound) {
		// Ledger outages must not burn the job; put it back for a later tick.
		s.logger.WarnContext(ctx, "credit preflight unavailable",
			"job", job.Key(), "error", err)
		s.requeue(ctx, job)
		return false
	}

	job.Status = model.JobStatusFailed
	job.SetFailureReason("insufficient credit balance")
	if upsertErr := s.jobs.Upsert(ctx, job); upsertErr != nil {
		s.logger.ErrorContext(ctx, "credit fail-fast write failed",
			"job", job.Key(), "error", upsertErr)
		return false
	}
	if s.tracker != nil {
		comment := fmt.Sprintf("Cannot start work on #%d: the account has no remaining credit.", job.UnitNumber)
		if commentErr := s.tracker.PostComment(ctx, job.Owner, job.Repo, job.UnitNumber, comment); commentErr != nil {
			s.logger.WarnContext(ctx, "credit fail-fast comment failed",
				"job", job.Key(), "error", commentErr)
		}
	}
	s.count("scheduler.credit_rejected")
	return false
}

func (s *Scheduler) count(name string) {
	if s.metrics != nil {
		s.metrics.Count(name, 1, nil)
	}
}

func (s *Scheduler) requeue(ctx context.Context, job *model.Job) {
	if _, err := s.jobs.SetStatus(ctx, job.Key(), model.JobStatusQueued, model.JobStatusWorking); err != nil {
		s.logger.ErrorContext(ctx, "requeue failed", "job", job.Key(), "error", err)
	}
}

// resolveDefaultBranch asks the tracker once per dispatch so the Runner does
// not depend on a tracker round-trip at PR-open time. Empty on failure; the
// Runner falls back to its candidate list.
func (s *Scheduler) resolveDefaultBranch(ctx context.Context, job *model.Job) string {
	if s.tracker == nil {
		return ""
	}
	branch, err := s.tracker.DefaultBranch(ctx, job.Owner, job.Repo)
	if err != nil {
		s.logger.WarnContext(ctx, "default branch lookup failed",
			"job", job.Key(), "error", err)
		return ""
	}
	return branch
}

// drain blocks until every dispatched run has finished. Runs received ctx at
// dispatch time, so cancellation is already propagating to them.
func (s *Scheduler) drain() {
	_ = s.slots.Acquire(context.Background(), int64(s.cfg.MaxConcurrent))
	s.slots.Release(int64(s.cfg.MaxConcurrent))
}

func (s *Scheduler) addRunning(delta int64) {
	s.running.Add(delta)
}

func (s *Scheduler) inFlight() int {
	return int(s.running.Load())
}
