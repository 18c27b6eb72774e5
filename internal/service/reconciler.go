package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/patchforge/patchforge/internal/core"
	"github.com/patchforge/patchforge/internal/domain/model"
	"github.com/patchforge/patchforge/internal/observability/statsd"
)

// ReconcilerConfig holds the sweep tunables.
type ReconcilerConfig struct {
	// Interval between periodic sweeps.
	Interval time.Duration
	// RunTimeout mirrors the Runner's wall-clock timeout; a working job whose
	// record has not been touched for RunTimeout+Grace has lost its owner.
	RunTimeout time.Duration
	// Grace is the slack added on top of RunTimeout before a working job is
	// considered orphaned.
	Grace time.Duration
	// Retention is how long terminal jobs and their logs are kept.
	Retention time.Duration
	// PurgeBatchSize bounds each terminal-purge delete.
	PurgeBatchSize int
}

// ReconcilerOption groups the Reconciler's dependencies.
type ReconcilerOption struct {
	Jobs    core.JobStore
	Tracker core.Tracker
	Metrics statsd.Sink
	Logger  *slog.Logger
	Config  ReconcilerConfig
}

// Reconciler periodically re-aligns job state with the outside world: jobs
// orphaned by a crashed worker go back to the queue, jobs whose pull request
// merged complete, and jobs whose source issue closed close.
type Reconciler struct {
	jobs    core.JobStore
	tracker core.Tracker
	metrics statsd.Sink
	logger  *slog.Logger
	cfg     ReconcilerConfig
}

// NewReconciler creates a Reconciler.
func NewReconciler(opt ReconcilerOption) (*Reconciler, error) {
	if opt.Jobs == nil {
		return nil, errors.New("job store is required")
	}
	cfg := opt.Config
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.PurgeBatchSize <= 0 {
		cfg.PurgeBatchSize = 200
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		jobs:    opt.Jobs,
		tracker: opt.Tracker,
		metrics: opt.Metrics,
		logger:  logger.With("component", "reconciler"),
		cfg:     cfg,
	}, nil
}

// Run sweeps once at startup, then at the configured interval until ctx is
// canceled. Returns nil on graceful shutdown.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "reconciler starting", "interval", r.cfg.Interval)

	// Jitter keeps replicas that restarted together from sweeping in lockstep.
	r.waitWithJitter(ctx)
	r.sweep(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "reconciler stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// waitWithJitter sleeps a random fraction (up to 10%) of the interval.
func (r *Reconciler) waitWithJitter(ctx context.Context) {
	maxJitter := int64(r.cfg.Interval / 10)
	if maxJitter <= 0 {
		return
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)))
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// sweep runs all reconciliation passes. Each pass is independent; a failing
// pass logs and the others still run.
func (r *Reconciler) sweep(ctx context.Context) {
	start := time.Now()

	requeued := r.requeueOrphans(ctx)
	completed, closed := r.reconcileActive(ctx)
	purged := r.purgeTerminal(ctx)

	if requeued+completed+closed+purged > 0 {
		r.logger.InfoContext(ctx, "sweep complete",
			"requeued", requeued,
			"completed", completed,
			"closed", closed,
			"purged", purged,
			"elapsed", time.Since(start))
	}
	if r.metrics != nil {
		r.metrics.Timing("reconciler.sweep_duration", time.Since(start), nil)
		r.metrics.Count("reconciler.requeued", requeued, nil)
		r.metrics.Count("reconciler.completed", completed, nil)
		r.metrics.Count("reconciler.closed", closed, nil)
		r.metrics.Count("reconciler.purged", purged, nil)
	}
}

// requeueOrphans returns working jobs whose owner stopped touching them to
// the queue. Attempt counts are preserved: a crash is not the job's fault.
func (r *Reconciler) requeueOrphans(ctx context.Context) int64 {
	cutoff := time.Now().UTC().Add(-(r.cfg.RunTimeout + r.cfg.Grace))
	n, err := r.jobs.RequeueStale(ctx, cutoff)
	if err != nil {
		r.logger.ErrorContext(ctx, "requeue stale jobs failed", "error", err)
		return 0
	}
	if n > 0 {
		r.logger.WarnContext(ctx, "requeued orphaned jobs", "count", n, "cutoff", cutoff)
	}
	return n
}

// reconcileActive checks every non-terminal job against the tracker.
func (r *Reconciler) reconcileActive(ctx context.Context) (completed, closed int64) {
	if r.tracker == nil {
		return 0, 0
	}
	active, err := r.jobs.ListActive(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "list active jobs failed", "error", err)
		return 0, 0
	}

	for _, job := range active {
		if ctx.Err() != nil {
			return completed, closed
		}
		switch job.Status {
		case model.JobStatusPROpened:
			if r.completeIfMerged(ctx, job) {
				completed++
				continue
			}
			if r.closeIfUnitClosed(ctx, job) {
				closed++
			}
		case model.JobStatusQueued, model.JobStatusWorking, model.JobStatusWaitingForReply:
			// A working job's Runner re-reads status before acting on a
			// result, so closing underneath it is safe.
			if r.closeIfUnitClosed(ctx, job) {
				closed++
				continue
			}
			if job.Status == model.JobStatusWaitingForReply && r.requeueIfReplied(ctx, job) {
				// Counted under requeue logging inside the helper.
				continue
			}
		}
	}
	return completed, closed
}

func (r *Reconciler) completeIfMerged(ctx context.Context, job *model.Job) bool {
	if job.PRUrl == "" {
		return false
	}
	merged, err := r.tracker.PullRequestMerged(ctx, job.Owner, job.Repo, job.PRUrl)
	if err != nil {
		r.logger.WarnContext(ctx, "merge check failed", "job", job.Key(), "error", err)
		return false
	}
	if !merged {
		return false
	}
	ok, err := r.jobs.SetStatus(ctx, job.Key(), model.JobStatusCompleted, model.JobStatusPROpened)
	if err != nil {
		r.logger.ErrorContext(ctx, "complete transition failed", "job", job.Key(), "error", err)
		return false
	}
	return ok
}

func (r *Reconciler) closeIfUnitClosed(ctx context.Context, job *model.Job) bool {
	unit, err := r.tracker.FetchUnit(ctx, job.Owner, job.Repo, job.UnitNumber)
	if err != nil {
		if errors.Is(err, core.ErrUnitNotFound) {
			// The issue is gone entirely; nothing left to work on.
			ok, setErr := r.jobs.SetStatus(ctx, job.Key(), model.JobStatusClosed, job.Status)
			if setErr != nil {
				r.logger.ErrorContext(ctx, "close transition failed", "job", job.Key(), "error", setErr)
				return false
			}
			return ok
		}
		r.logger.WarnContext(ctx, "unit check failed", "job", job.Key(), "error", err)
		return false
	}
	if unit.State != "closed" {
		return false
	}
	ok, err := r.jobs.SetStatus(ctx, job.Key(), model.JobStatusClosed, job.Status)
	if err != nil {
		r.logger.ErrorContext(ctx, "close transition failed", "job", job.Key(), "error", err)
		return false
	}
	return ok
}

// requeueIfReplied moves a parked job back to the queue once the issue has a
// reply newer than the job's last activity.
func (r *Reconciler) requeueIfReplied(ctx context.Context, job *model.Job) bool {
	replies, err := r.tracker.FetchReplies(ctx, job.Owner, job.Repo, job.UnitNumber)
	if err != nil {
		r.logger.WarnContext(ctx, "reply check failed", "job", job.Key(), "error", err)
		return false
	}
	var latest time.Time
	for _, reply := range replies {
		if reply.CreatedAt.After(latest) {
			latest = reply.CreatedAt
		}
	}
	if !latest.After(job.UpdatedAt) {
		return false
	}
	ok, err := r.jobs.SetStatus(ctx, job.Key(), model.JobStatusQueued, model.JobStatusWaitingForReply)
	if err != nil {
		r.logger.ErrorContext(ctx, "reply requeue failed", "job", job.Key(), "error", err)
		return false
	}
	if ok {
		r.logger.InfoContext(ctx, "reply received, job requeued", "job", job.Key())
	}
	return ok
}

func (r *Reconciler) purgeTerminal(ctx context.Context) int64 {
	cutoff := time.Now().UTC().Add(-r.cfg.Retention)
	var total int64
	for {
		n, err := r.jobs.PurgeTerminal(ctx, cutoff, r.cfg.PurgeBatchSize)
		if err != nil {
			r.logger.ErrorContext(ctx, "purge terminal jobs failed", "error", err)
			return total
		}
		total += n
		if n == 0 || ctx.Err() != nil {
			return total
		}
	}
}
