package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/patchforge/patchforge/internal/domain/model"
)

// DefaultRingSize bounds the per-job in-memory tail buffer.
const DefaultRingSize = 500

// Subscription is a live feed of output lines for one job. Lines arrive in
// emission order. Close must be called when the consumer is done.
type Subscription struct {
	C      chan model.OutputLine
	cancel func()
	once   sync.Once
}

// Close detaches the subscription from its distributor.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// jobStream is the per-job ring buffer plus its current subscribers. Only the
// Runner owning the job id publishes to it; subscribers come and go freely.
type jobStream struct {
	mu     sync.Mutex
	ring   []model.OutputLine
	start  int
	count  int
	nextID int
	subs   map[int]chan model.OutputLine
}

// DistributorOption configures a Distributor.
type DistributorOption struct {
	Logs     LogStore
	RingSize int
	Logger   *slog.Logger
}

// Distributor fans live output lines out to in-process subscribers while
// mirroring every line into the durable log. One instance per worker process.
type Distributor struct {
	logs     LogStore
	ringSize int
	logger   *slog.Logger

	mu      sync.RWMutex
	streams map[string]*jobStream
}

// NewDistributor creates a Distributor.
func NewDistributor(opt DistributorOption) *Distributor {
	if opt.RingSize <= 0 {
		opt.RingSize = DefaultRingSize
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Distributor{
		logs:     opt.Logs,
		ringSize: opt.RingSize,
		logger:   opt.Logger.With("component", "distributor"),
		streams:  make(map[string]*jobStream),
	}
}

func (d *Distributor) stream(key string) *jobStream {
	d.mu.RLock()
	js, ok := d.streams[key]
	d.mu.RUnlock()
	if ok {
		return js
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if js, ok = d.streams[key]; ok {
		return js
	}
	js = &jobStream{
		ring: make([]model.OutputLine, d.ringSize),
		subs: make(map[int]chan model.OutputLine),
	}
	d.streams[key] = js
	return js
}

// Publish appends a line to the job's ring, notifies subscribers, and writes
// it to the durable log. A failed durable write is logged but never blocks the
// live stream.
func (d *Distributor) Publish(ctx context.Context, key string, kind model.LineKind, content string) {
	line := model.OutputLine{Timestamp: time.Now().UTC(), Kind: kind, Content: content}

	js := d.stream(key)
	js.mu.Lock()
	idx := (js.start + js.count) % len(js.ring)
	if js.count == len(js.ring) {
		js.start = (js.start + 1) % len(js.ring)
	} else {
		js.count++
	}
	js.ring[idx] = line
	for _, ch := range js.subs {
		select {
		case ch <- line:
		default:
			// Slow subscriber; drop rather than stall the publisher. The durable
			// log remains complete so the reader can catch up from there.
		}
	}
	js.mu.Unlock()

	if err := d.logs.AppendLines(ctx, key, []model.OutputLine{line}); err != nil {
		d.logger.WarnContext(ctx, "durable log append failed",
			"job", key, "error", err)
	}
}

// Recent returns a copy of the buffered tail for a job, oldest first.
func (d *Distributor) Recent(key string) []model.OutputLine {
	d.mu.RLock()
	js, ok := d.streams[key]
	d.mu.RUnlock()
	if !ok {
		return nil
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	out := make([]model.OutputLine, js.count)
	for i := 0; i < js.count; i++ {
		out[i] = js.ring[(js.start+i)%len(js.ring)]
	}
	return out
}

// Subscribe attaches a live feed to the job's stream. Lines published after
// the call are delivered in order; the buffer absorbs short consumer stalls.
func (d *Distributor) Subscribe(key string) *Subscription {
	js := d.stream(key)
	ch := make(chan model.OutputLine, d.ringSize)

	js.mu.Lock()
	id := js.nextID
	js.nextID++
	js.subs[id] = ch
	js.mu.Unlock()

	return &Subscription{
		C: ch,
		cancel: func() {
			js.mu.Lock()
			delete(js.subs, id)
			js.mu.Unlock()
		},
	}
}

// HasStream reports whether this process holds an in-memory stream for the job,
// meaning the owning Runner is (or was) local.
func (d *Distributor) HasStream(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.streams[key]
	return ok
}

// Release drops the in-memory stream for a finished job. Subscribers still
// attached keep their channels; they simply stop receiving.
func (d *Distributor) Release(key string) {
	d.mu.Lock()
	delete(d.streams, key)
	d.mu.Unlock()
}
