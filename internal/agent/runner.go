package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/patchforge/patchforge/internal/core"
	"github.com/patchforge/patchforge/internal/domain/model"
	rerrors "github.com/patchforge/patchforge/internal/errors"
	"github.com/patchforge/patchforge/internal/observability/metrics"
	"github.com/patchforge/patchforge/internal/observability/statsd"
)

// Settler converts a finished run's token usage into a billing deduction.
// Optional; nil disables settlement.
type Settler interface {
	Settle(ctx context.Context, job *model.Job, consumed model.TokenUsage) error
}

// GitClient is the subset of repository operations the Runner performs.
type GitClient interface {
	Clone(ctx context.Context, owner, repo, dir string) error
	CheckoutBranch(ctx context.Context, dir, branch string) error
	CheckoutExisting(ctx context.Context, dir, branch string) error
	Push(ctx context.Context, dir, branch string) error
	CommitsAhead(ctx context.Context, dir string, baseCandidates []string) (int, string, error)
	HeadSummary(ctx context.Context, dir string) (string, error)
}

var _ GitClient = (*Git)(nil)

// WorkspaceManager provides the per-job checkout directories.
type WorkspaceManager interface {
	Path(job *model.Job) string
	Prepare(job *model.Job) (string, error)
	Exists(job *model.Job) bool
	Remove(job *model.Job) error
}

var _ WorkspaceManager = (*Workspaces)(nil)

// RunnerConfig holds tunables for agent runs.
type RunnerConfig struct {
	Timeout      time.Duration
	MaxRetries   int
	BaseBranches []string
	UnitCacheTTL time.Duration
}

// RunnerOption groups the Runner's collaborators.
type RunnerOption struct {
	Jobs        core.JobStore
	Messages    core.MessageStore
	Tracker     core.Tracker
	Cache       core.CacheRepository
	Distributor *core.Distributor
	Registry    *core.ProcessRegistry
	Launcher    Launcher
	Git         GitClient
	Workspaces  WorkspaceManager
	Settler     Settler
	Metrics     statsd.Sink
	Logger      *slog.Logger
	Config      RunnerConfig
}

// RunRequest is one dispatch from the scheduler. DefaultBranch is resolved
// up front so the run does not depend on a tracker call at PR-open time.
type RunRequest struct {
	Job           *model.Job
	DefaultBranch string
}

// Runner drives one agent subprocess per claimed job. Run never returns an
// error: every failure path ends in a state transition plus a user-visible
// note, because the scheduler dispatches fire-and-forget.
type Runner struct {
	jobs        core.JobStore
	messages    core.MessageStore
	tracker     core.Tracker
	cache       core.CacheRepository
	distributor *core.Distributor
	registry    *core.ProcessRegistry
	launcher    Launcher
	git         GitClient
	workspaces  WorkspaceManager
	settler     Settler
	metrics     statsd.Sink
	logger      *slog.Logger
	cfg         RunnerConfig
}

// NewRunner creates a Runner.
func NewRunner(opt RunnerOption) *Runner {
	cfg := opt.Config
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if len(cfg.BaseBranches) == 0 {
		cfg.BaseBranches = []string{"main", "master", "develop"}
	}
	if cfg.UnitCacheTTL <= 0 {
		cfg.UnitCacheTTL = 15 * time.Minute
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		jobs:        opt.Jobs,
		messages:    opt.Messages,
		tracker:     opt.Tracker,
		cache:       opt.Cache,
		distributor: opt.Distributor,
		registry:    opt.Registry,
		launcher:    opt.Launcher,
		git:         opt.Git,
		workspaces:  opt.Workspaces,
		settler:     opt.Settler,
		metrics:     opt.Metrics,
		logger:      logger.With("component", "runner"),
		cfg:         cfg,
	}
}

// Run executes one agent run for a claimed job.
func (r *Runner) Run(ctx context.Context, req RunRequest) {
	job := req.Job
	key := job.Key()
	logger := r.logger.With("job", key)
	start := time.Now()
	startTokens := job.Tokens

	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorContext(ctx, "run panicked", "panic", rec)
			r.finishWithError(ctx, job, rerrors.Fatalf("internal error: %v", rec))
		}
		r.registry.Remove(key)
		if final, err := r.jobs.GetByKey(ctx, key); err == nil && final != nil {
			if final.Status.StreamTerminal() {
				r.distributor.Release(key)
			}
			consumed := final.Tokens
			consumed.Input -= startTokens.Input
			consumed.Output -= startTokens.Output
			r.settle(ctx, final, consumed, logger)
			metrics.EmitRunOutcome(r.metrics, metrics.RunMetric{
				Outcome:  string(final.Status),
				Duration: time.Since(start),
				Tokens:   consumed.Total(),
			})
		}
	}()

	if err := r.enterWorking(ctx, job); err != nil {
		logger.ErrorContext(ctx, "enter working failed", "error", err)
		r.finishWithError(ctx, job, err)
		return
	}
	r.publish(ctx, key, model.LineStatus, fmt.Sprintf("run started (attempt %d)", job.RetryCount+1))

	if err := r.execute(ctx, job, req.DefaultBranch, logger); err != nil {
		r.finishWithError(ctx, job, err)
	}
}

// enterWorking re-reads the stored record so fields written by ingress (like
// the billed user) survive, then rewrites the full record as working.
func (r *Runner) enterWorking(ctx context.Context, job *model.Job) error {
	stored, err := r.jobs.GetByKey(ctx, job.Key())
	if err != nil {
		return rerrors.Classify(err)
	}
	if stored != nil {
		*job = *stored
	}
	if job.Branch == "" {
		job.Branch = fmt.Sprintf("patchforge/issue-%d", job.UnitNumber)
	}
	job.Status = model.JobStatusWorking
	job.StartedAt = time.Now().UTC()
	job.FailureReason = ""
	if err := r.jobs.Upsert(ctx, job); err != nil {
		return rerrors.Classify(err)
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, job *model.Job, defaultBranch string, logger *slog.Logger) error {
	key := job.Key()

	dir, err := r.prepareCheckout(ctx, job)
	if err != nil {
		return err
	}

	unit, err := r.fetchUnit(ctx, job)
	if err != nil {
		return err
	}
	if unit.State == "closed" {
		r.publish(ctx, key, model.LineStatus, "source issue is closed; closing job")
		job.Status = model.JobStatusClosed
		return r.upsertOrError(ctx, job)
	}

	replies, err := r.tracker.FetchReplies(ctx, job.Owner, job.Repo, job.UnitNumber)
	if err != nil {
		return rerrors.Classify(err)
	}
	msgs, err := r.messages.Messages(ctx, key)
	if err != nil {
		return rerrors.Classify(err)
	}

	params := PromptParams{Unit: unit, Replies: replies, Branch: job.Branch, Messages: msgs}
	prompt := BuildPrompt(params)
	if len(msgs) > 0 {
		prompt = BuildFollowUpPrompt(params)
	}

	proc, err := r.launcher.Launch(ctx, LaunchSpec{Dir: dir})
	if err != nil {
		return rerrors.Classify(err)
	}
	session := NewSession(proc.Stdin())
	handle := &runHandle{session: session, proc: proc}
	r.registry.Put(key, handle)

	if err := session.Write(prompt); err != nil {
		_ = proc.Kill()
		return rerrors.Transient(rerrors.TransientSpawn, "write initial prompt", err)
	}
	if err := r.messages.MarkDelivered(ctx, key); err != nil {
		logger.WarnContext(ctx, "mark messages delivered failed", "error", err)
	}

	transcript, usage, timedOut := r.pump(ctx, job, proc, session)
	waitErr := proc.Wait()
	job.Tokens = usage

	// A stop or external close may have landed while the process was running;
	// the stored status wins over anything this run produced, so the final
	// usage write must not clobber it.
	current, err := r.jobs.GetByKey(ctx, key)
	if err == nil && current != nil {
		current.Tokens = usage
		if upsertErr := r.jobs.Upsert(ctx, current); upsertErr != nil {
			logger.WarnContext(ctx, "final usage persist failed", "error", upsertErr)
		}
		switch current.Status {
		case model.JobStatusStopped:
			r.publish(ctx, key, model.LineStatus, "run stopped by operator")
			return nil
		case model.JobStatusClosed:
			return nil
		}
	}

	if timedOut {
		return rerrors.Timeout(fmt.Sprintf("agent run exceeded %s", r.cfg.Timeout))
	}
	if handle.Interrupted() {
		return rerrors.UserInterrupted()
	}

	result := ParseResult(transcript)
	if result.Status == ResultNone && waitErr != nil {
		return rerrors.Classify(waitErr)
	}
	if result.Status == ResultNone {
		result = r.inferFromCommits(ctx, job, dir, defaultBranch)
	}

	switch result.Status {
	case ResultPRReady:
		return r.finishPRReady(ctx, job, dir, defaultBranch, result)
	case ResultNeedsClarification:
		return r.finishNeedsClarification(ctx, job, result)
	default:
		return r.finishNoResult(ctx, job)
	}
}

// prepareCheckout reuses a retained checkout from a waiting_for_reply run
// when present, otherwise clones fresh onto the run's branch.
func (r *Runner) prepareCheckout(ctx context.Context, job *model.Job) (string, error) {
	key := job.Key()
	if r.workspaces.Exists(job) {
		dir := r.workspaces.Path(job)
		if err := r.git.CheckoutExisting(ctx, dir, job.Branch); err == nil {
			r.publish(ctx, key, model.LineStatus, "reusing previous checkout")
			return dir, nil
		}
	}

	dir, err := r.workspaces.Prepare(job)
	if err != nil {
		return "", rerrors.Classify(err)
	}
	r.publish(ctx, key, model.LineStatus, "cloning repository")
	if err := r.git.Clone(ctx, job.Owner, job.Repo, dir); err != nil {
		return "", err
	}
	if err := r.git.CheckoutBranch(ctx, dir, job.Branch); err != nil {
		return "", err
	}
	return dir, nil
}

func (r *Runner) fetchUnit(ctx context.Context, job *model.Job) (*model.Unit, error) {
	cacheKey := "unit:" + job.Key()
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, cacheKey); err == nil && cached != nil {
			var unit model.Unit
			if jsonErr := json.Unmarshal(cached, &unit); jsonErr == nil {
				return &unit, nil
			}
		}
	}

	unit, err := r.tracker.FetchUnit(ctx, job.Owner, job.Repo, job.UnitNumber)
	if err != nil {
		return nil, rerrors.Classify(err)
	}
	if r.cache != nil {
		if data, jsonErr := json.Marshal(unit); jsonErr == nil {
			if cacheErr := r.cache.Set(ctx, cacheKey, data, r.cfg.UnitCacheTTL); cacheErr != nil {
				r.logger.WarnContext(ctx, "unit cache write failed", "job", job.Key(), "error", cacheErr)
			}
		}
	}
	return unit, nil
}

// pump is the protocol event loop: translate events to output lines, capture
// the session id, accumulate usage with throttled persistence, and enforce
// the wall-clock timeout. Returns when the subprocess closes its stdout.
func (r *Runner) pump(ctx context.Context, job *model.Job, proc Process, session *Session) (transcript string, usage model.TokenUsage, timedOut bool) {
	key := job.Key()
	events := ReadEvents(proc.Stdout())
	acc := NewUsageAccumulator(job.Tokens)
	var text strings.Builder

	timeout := time.NewTimer(r.cfg.Timeout)
	defer timeout.Stop()
	done := ctx.Done()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return text.String(), acc.Total(), timedOut
			}
			r.handleEvent(ctx, job, ev, session, acc, &text)

		case <-timeout.C:
			timedOut = true
			r.publish(ctx, key, model.LineError, "run timed out; terminating agent")
			_ = proc.Terminate()
			time.AfterFunc(killGracePeriod, func() { _ = proc.Kill() })

		case <-done:
			// Worker shutdown: end the process, then drain events to exit.
			done = nil
			_ = proc.Kill()
		}
	}
}

func (r *Runner) handleEvent(ctx context.Context, job *model.Job, ev *Event, session *Session, acc *UsageAccumulator, text *strings.Builder) {
	key := job.Key()

	if ev.Type == "system" && ev.Subtype == "init" {
		session.CaptureID(ev.SessionID)
		r.publish(ctx, key, model.LineStatus, "agent session started")
		return
	}

	for _, line := range ev.OutputLines() {
		r.publish(ctx, key, line.Kind, line.Content)
		if line.Kind == model.LineText {
			text.WriteString(line.Content)
			text.WriteString("\n")
		}
	}

	if acc.Observe(ev.Raw()) {
		job.Tokens = acc.Total()
		if err := r.jobs.Upsert(ctx, job); err != nil {
			r.logger.WarnContext(ctx, "usage persist failed", "job", key, "error", err)
		}
	}

	if ev.Type == "result" {
		if ev.Result != "" {
			text.WriteString(ev.Result)
			text.WriteString("\n")
		}
		// Turn boundary: start closing stdin. A message arriving within the
		// grace reopens the session for another turn.
		session.BeginClose()
		time.AfterFunc(pendingCloseGrace, func() {
			_ = session.State()
		})
	}
}

func (r *Runner) inferFromCommits(ctx context.Context, job *model.Job, dir, defaultBranch string) RunResult {
	candidates := make([]string, 0, len(r.cfg.BaseBranches)+1)
	if defaultBranch != "" {
		candidates = append(candidates, defaultBranch)
	}
	candidates = append(candidates, r.cfg.BaseBranches...)

	n, _, err := r.git.CommitsAhead(ctx, dir, candidates)
	if err != nil || n == 0 {
		return RunResult{Status: ResultNone}
	}
	summary, err := r.git.HeadSummary(ctx, dir)
	if err != nil {
		summary = fmt.Sprintf("%d commits for issue #%d", n, job.UnitNumber)
	}
	r.publish(ctx, job.Key(), model.LineStatus, "no result block; inferred committed work from history")
	return RunResult{Status: ResultPRReady, Summary: summary}
}

func (r *Runner) finishPRReady(ctx context.Context, job *model.Job, dir, defaultBranch string, result RunResult) error {
	key := job.Key()

	if err := r.git.Push(ctx, dir, job.Branch); err != nil {
		return err
	}

	base := defaultBranch
	if base == "" {
		base = r.cfg.BaseBranches[0]
	}
	title := fmt.Sprintf("Fix #%d: %s", job.UnitNumber, job.IssueTitle)
	prURL, err := r.tracker.OpenPullRequest(ctx, job.Owner, job.Repo, core.PullRequestParams{
		Branch: job.Branch,
		Base:   base,
		Title:  title,
		Body:   fmt.Sprintf("%s\n\nCloses #%d", result.Summary, job.UnitNumber),
	})
	if err != nil {
		return rerrors.Classify(err)
	}

	comment := fmt.Sprintf("Opened %s\n\n%s\n\nToken usage: %d input, %d output",
		prURL, result.Summary, job.Tokens.Input, job.Tokens.Output)
	if commentErr := r.tracker.PostComment(ctx, job.Owner, job.Repo, job.UnitNumber, comment); commentErr != nil {
		r.logger.WarnContext(ctx, "summary comment failed", "job", key, "error", commentErr)
	}

	job.Status = model.JobStatusPROpened
	job.PRUrl = prURL
	job.Summary = result.Summary
	if err := r.upsertOrError(ctx, job); err != nil {
		return err
	}
	r.publish(ctx, key, model.LineStatus, "pull request opened: "+prURL)

	if err := r.workspaces.Remove(job); err != nil {
		r.logger.WarnContext(ctx, "workspace cleanup failed", "job", key, "error", err)
	}
	return nil
}

func (r *Runner) finishNeedsClarification(ctx context.Context, job *model.Job, result RunResult) error {
	key := job.Key()

	var b strings.Builder
	b.WriteString("I need more information to proceed:\n")
	for _, q := range result.Questions {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	if err := r.tracker.PostComment(ctx, job.Owner, job.Repo, job.UnitNumber, b.String()); err != nil {
		return rerrors.Classify(err)
	}

	job.Status = model.JobStatusWaitingForReply
	if err := r.upsertOrError(ctx, job); err != nil {
		return err
	}
	// Checkout is retained: the follow-up run resumes this branch.
	r.publish(ctx, key, model.LineStatus, "waiting for reply on the issue")
	return nil
}

func (r *Runner) finishNoResult(ctx context.Context, job *model.Job) error {
	comment := fmt.Sprintf("I was unable to produce a fix for #%d this time.", job.UnitNumber)
	if err := r.tracker.PostComment(ctx, job.Owner, job.Repo, job.UnitNumber, comment); err != nil {
		r.logger.WarnContext(ctx, "failure comment failed", "job", job.Key(), "error", err)
	}
	return rerrors.Fatal("agent produced no result and no commits", nil)
}

// finishWithError maps a failed run onto the state machine: transient errors
// requeue while retries remain, interruptions requeue without consuming a
// retry, timeouts and everything else fail the job.
func (r *Runner) finishWithError(ctx context.Context, job *model.Job, runErr error) {
	key := job.Key()

	current, err := r.jobs.GetByKey(ctx, key)
	if err == nil && current != nil {
		switch current.Status {
		case model.JobStatusStopped, model.JobStatusClosed:
			return
		}
		*job = *current
	}

	re := rerrors.Classify(runErr)
	switch {
	case re.Kind == rerrors.KindUserInterrupted:
		job.Status = model.JobStatusQueued
		r.publish(ctx, key, model.LineStatus, "interrupted by new message; requeued")

	case re.Kind == rerrors.KindTimeout:
		job.Status = model.JobStatusFailed
		job.SetFailureReason("timeout")
		r.publish(ctx, key, model.LineError, "run failed: timeout")

	case re.Retryable() && job.RetryCount < r.cfg.MaxRetries:
		job.RetryCount++
		job.Status = model.JobStatusQueued
		r.publish(ctx, key, model.LineError,
			fmt.Sprintf("transient failure (%s); retry %d of %d queued", re.Label(), job.RetryCount, r.cfg.MaxRetries))

	default:
		job.Status = model.JobStatusFailed
		job.SetFailureReason(re.Error())
		r.publish(ctx, key, model.LineError, "run failed: "+re.Label())
	}

	if upsertErr := r.jobs.Upsert(ctx, job); upsertErr != nil {
		r.logger.ErrorContext(ctx, "final state write failed",
			"job", key, "status", job.Status, "error", upsertErr)
	}
}

func (r *Runner) settle(ctx context.Context, job *model.Job, consumed model.TokenUsage, logger *slog.Logger) {
	if r.settler == nil || job.UserID == nil || consumed.Total() <= 0 {
		return
	}
	if err := r.settler.Settle(ctx, job, consumed); err != nil {
		logger.WarnContext(ctx, "credit settlement failed", "error", err)
	}
}

func (r *Runner) upsertOrError(ctx context.Context, job *model.Job) error {
	if err := r.jobs.Upsert(ctx, job); err != nil {
		return rerrors.Classify(err)
	}
	return nil
}

func (r *Runner) publish(ctx context.Context, key string, kind model.LineKind, content string) {
	r.distributor.Publish(ctx, key, kind, content)
}

// runHandle is the registry entry for a live run. Write delivers an operator
// message by interrupting the current turn and injecting the message into the
// open session; the Runner treats the eventual exit as a requeue.
type runHandle struct {
	session *Session
	proc    Process

	mu          sync.Mutex
	interrupted bool
}

var _ core.ProcessHandle = (*runHandle)(nil)

func (h *runHandle) Kill() error { return h.proc.Kill() }

func (h *runHandle) Interrupt() error {
	h.markInterrupted()
	return h.proc.Interrupt()
}

func (h *runHandle) Write(message string) error {
	if err := h.session.Write(message); err != nil {
		return err
	}
	h.markInterrupted()
	_ = h.proc.Interrupt()
	return nil
}

func (h *runHandle) Interrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted
}

func (h *runHandle) markInterrupted() {
	h.mu.Lock()
	h.interrupted = true
	h.mu.Unlock()
}
