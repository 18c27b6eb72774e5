package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/patchforge/patchforge/internal/domain/model"
)

// fakeJobStore is a minimal in-memory JobStore for unit tests.
type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*model.Job)}
}

func (f *fakeJobStore) put(j *model.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *j
	f.jobs[j.Key()] = &cp
}

func (f *fakeJobStore) GetByKey(_ context.Context, key string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[key]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobStore) Create(_ context.Context, j *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.jobs[j.Key()]; exists {
		return errors.New("duplicate job")
	}
	cp := *j
	f.jobs[j.Key()] = &cp
	return nil
}

func (f *fakeJobStore) Upsert(_ context.Context, j *model.Job) error {
	f.put(j)
	return nil
}

func (f *fakeJobStore) ListActive(_ context.Context) ([]*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Job
	for _, j := range f.jobs {
		if !j.Status.Terminal() {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeJobStore) ClaimNext(_ context.Context) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.Status == model.JobStatusQueued {
			j.Status = model.JobStatusWorking
			cp := *j
			return &cp, nil
		}
	}
	return nil, model.ErrNoJobsQueued
}

func (f *fakeJobStore) SetStatus(_ context.Context, key string, to model.JobStatus, from ...model.JobStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[key]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if j.Status == s {
			j.Status = to
			j.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeJobStore) UsageSince(_ context.Context, since time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, j := range f.jobs {
		if !j.UpdatedAt.Before(since) {
			total += j.Tokens.Total()
		}
	}
	return total, nil
}

func (f *fakeJobStore) RequeueStale(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.jobs {
		if j.Status == model.JobStatusWorking && j.UpdatedAt.Before(cutoff) {
			j.Status = model.JobStatusQueued
			n++
		}
	}
	return n, nil
}

func (f *fakeJobStore) PurgeTerminal(_ context.Context, cutoff time.Time, _ int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, j := range f.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(f.jobs, k)
			n++
		}
	}
	return n, nil
}

// fakeLogStore is an in-memory LogStore assigning sequence numbers on append.
type fakeLogStore struct {
	mu    sync.Mutex
	lines map[string][]model.OutputLine
	fail  error
}

func newFakeLogStore() *fakeLogStore {
	return &fakeLogStore{lines: make(map[string][]model.OutputLine)}
}

func (f *fakeLogStore) AppendLines(_ context.Context, key string, lines []model.OutputLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	for _, line := range lines {
		line.Seq = int64(len(f.lines[key]) + 1)
		f.lines[key] = append(f.lines[key], line)
	}
	return nil
}

func (f *fakeLogStore) LogsAfter(_ context.Context, key string, afterSeq int64, limit int) ([]model.OutputLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.OutputLine
	for _, line := range f.lines[key] {
		if line.Seq > afterSeq {
			out = append(out, line)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
