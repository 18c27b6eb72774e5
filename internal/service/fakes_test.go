package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/patchforge/patchforge/internal/agent"
	"github.com/patchforge/patchforge/internal/core"
	"github.com/patchforge/patchforge/internal/domain/model"
)

type stubJobs struct {
	mu         sync.Mutex
	jobs       map[string]model.Job
	claimQueue []string
	usage      int64

	requeueCutoff time.Time
	requeued      int64
	purged        int64
}

func newStubJobs() *stubJobs { return &stubJobs{jobs: make(map[string]model.Job)} }

func (s *stubJobs) put(job model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Key()] = job
}

func (s *stubJobs) get(key string) model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[key]
}

func (s *stubJobs) enqueueForClaim(job model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Key()] = job
	s.claimQueue = append(s.claimQueue, job.Key())
}

func (s *stubJobs) GetByKey(_ context.Context, key string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[key]
	if !ok {
		return nil, nil
	}
	copied := job
	return &copied, nil
}

func (s *stubJobs) Create(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Key()]; ok {
		return errors.New("duplicate")
	}
	s.jobs[job.Key()] = *job
	return nil
}

func (s *stubJobs) Upsert(_ context.Context, job *model.Job) error {
	s.put(*job)
	return nil
}

func (s *stubJobs) ListActive(context.Context) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Job
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			copied := job
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *stubJobs) ClaimNext(context.Context) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.claimQueue) > 0 {
		key := s.claimQueue[0]
		s.claimQueue = s.claimQueue[1:]
		job, ok := s.jobs[key]
		if !ok || job.Status != model.JobStatusQueued {
			continue
		}
		job.Status = model.JobStatusWorking
		s.jobs[key] = job
		copied := job
		return &copied, nil
	}
	return nil, model.ErrNoJobsQueued
}

func (s *stubJobs) SetStatus(_ context.Context, key string, to model.JobStatus, from ...model.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[key]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if job.Status == f {
			job.Status = to
			s.jobs[key] = job
			return true, nil
		}
	}
	return false, nil
}

func (s *stubJobs) UsageSince(context.Context, time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage, nil
}

func (s *stubJobs) RequeueStale(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeueCutoff = cutoff
	return s.requeued, nil
}

func (s *stubJobs) PurgeTerminal(context.Context, time.Time, int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.purged
	s.purged = 0
	return n, nil
}

type stubMessages struct {
	mu        sync.Mutex
	msgs      map[string][]model.ChatMessage
	delivered map[string]bool
}

func newStubMessages() *stubMessages {
	return &stubMessages{msgs: make(map[string][]model.ChatMessage), delivered: make(map[string]bool)}
}

func (s *stubMessages) AppendMessage(_ context.Context, key string, msg model.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[key] = append(s.msgs[key], msg)
	return nil
}

func (s *stubMessages) Messages(_ context.Context, key string) ([]model.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ChatMessage(nil), s.msgs[key]...), nil
}

func (s *stubMessages) MarkDelivered(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered[key] = true
	return nil
}

type stubLogs struct {
	mu    sync.Mutex
	lines map[string][]model.OutputLine
}

func newStubLogs() *stubLogs { return &stubLogs{lines: make(map[string][]model.OutputLine)} }

func (s *stubLogs) AppendLines(_ context.Context, key string, lines []model.OutputLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range lines {
		line.Seq = int64(len(s.lines[key]) + 1)
		s.lines[key] = append(s.lines[key], line)
	}
	return nil
}

func (s *stubLogs) LogsAfter(_ context.Context, key string, afterSeq int64, limit int) ([]model.OutputLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OutputLine
	for _, line := range s.lines[key] {
		if line.Seq > afterSeq {
			out = append(out, line)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type stubTracker struct {
	mu         sync.Mutex
	units      map[string]*model.Unit
	replies    []model.Reply
	merged     bool
	unitErr    error
	comments   []string
	reactions  []string
	defBranch  string
	mergedHits int
}

func newStubTracker() *stubTracker {
	return &stubTracker{units: make(map[string]*model.Unit), defBranch: "main"}
}

func (t *stubTracker) setUnit(owner, repo string, unit *model.Unit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.units[model.FormatKey(owner, repo, unit.Number)] = unit
}

func (t *stubTracker) FetchUnit(_ context.Context, owner, repo string, number int) (*model.Unit, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unitErr != nil {
		return nil, t.unitErr
	}
	unit, ok := t.units[model.FormatKey(owner, repo, number)]
	if !ok {
		return nil, core.ErrUnitNotFound
	}
	copied := *unit
	return &copied, nil
}

func (t *stubTracker) FetchReplies(context.Context, string, string, int) ([]model.Reply, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replies, nil
}

func (t *stubTracker) PostComment(_ context.Context, _, _ string, _ int, body string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.comments = append(t.comments, body)
	return nil
}

func (t *stubTracker) AddReaction(_ context.Context, _, _ string, _ int, kind string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reactions = append(t.reactions, kind)
	return nil
}

func (t *stubTracker) CloseUnit(context.Context, string, string, int) error { return nil }

func (t *stubTracker) OpenPullRequest(context.Context, string, string, core.PullRequestParams) (string, error) {
	return "", errors.New("not supported in stub")
}

func (t *stubTracker) DefaultBranch(context.Context, string, string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.defBranch, nil
}

func (t *stubTracker) PullRequestMerged(context.Context, string, string, string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mergedHits++
	return t.merged, nil
}

type stubLedger struct {
	mu         sync.Mutex
	balances   map[string]int64
	balanceErr error
	deductions []int64
}

func newStubLedger() *stubLedger { return &stubLedger{balances: make(map[string]int64)} }

func (l *stubLedger) Balance(_ context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balanceErr != nil {
		return 0, l.balanceErr
	}
	return l.balances[userID], nil
}

func (l *stubLedger) Deduct(_ context.Context, userID string, amount int64, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[userID] < amount {
		return core.ErrInsufficientCredit
	}
	l.balances[userID] -= amount
	l.deductions = append(l.deductions, amount)
	return nil
}

type stubDispatcher struct {
	mu    sync.Mutex
	reqs  []agent.RunRequest
	block chan struct{}
}

func (d *stubDispatcher) Run(_ context.Context, req agent.RunRequest) {
	d.mu.Lock()
	d.reqs = append(d.reqs, req)
	block := d.block
	d.mu.Unlock()
	if block != nil {
		<-block
	}
}

func (d *stubDispatcher) dispatched() []agent.RunRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]agent.RunRequest(nil), d.reqs...)
}

type stubHandle struct {
	mu       sync.Mutex
	killed   bool
	writes   []string
	writeErr error
}

func (h *stubHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	return nil
}

func (h *stubHandle) Interrupt() error { return nil }

func (h *stubHandle) Write(message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writeErr != nil {
		return h.writeErr
	}
	h.writes = append(h.writes, message)
	return nil
}
