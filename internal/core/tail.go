package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/patchforge/patchforge/internal/domain/model"
)

// StreamEndMarker is the content of the final line every tail emits, letting
// transports signal end-of-stream without a second channel.
const StreamEndMarker = "[stream closed]"

// tailPageSize bounds each durable-log fetch while tailing.
const tailPageSize = 200

// TailerOption configures a Tailer.
type TailerOption struct {
	Jobs         JobStore
	Logs         LogStore
	Distributor  *Distributor
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Tailer streams a job's output: full durable replay first, then live lines
// until the job reaches a status where no more output is expected. The durable
// log is the single source of truth for line identity and order; when the
// owning Runner is in this process its subscription only serves as a low
// latency wake-up, so readers never see duplicates regardless of which process
// they attach from.
type Tailer struct {
	jobs         JobStore
	logs         LogStore
	distributor  *Distributor
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewTailer creates a Tailer.
func NewTailer(opt TailerOption) *Tailer {
	if opt.PollInterval <= 0 {
		opt.PollInterval = 500 * time.Millisecond
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Tailer{
		jobs:         opt.Jobs,
		logs:         opt.Logs,
		distributor:  opt.Distributor,
		pollInterval: opt.PollInterval,
		logger:       opt.Logger.With("component", "tailer"),
	}
}

// Tail sends every output line for the job to out, in order, starting from
// afterSeq (0 replays from the beginning). It returns after sending the end
// marker once the job is stream-terminal and the log is drained, or when ctx
// is canceled. The out channel is not closed; ownership stays with the caller.
func (t *Tailer) Tail(ctx context.Context, key string, afterSeq int64, out chan<- model.OutputLine) error {
	var sub *Subscription
	if t.distributor != nil && t.distributor.HasStream(key) {
		sub = t.distributor.Subscribe(key)
		defer sub.Close()
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	lastSeq := afterSeq
	for {
		drained, err := t.emitPages(ctx, key, &lastSeq, out)
		if err != nil {
			return err
		}

		if drained {
			job, err := t.jobs.GetByKey(ctx, key)
			if err != nil {
				return fmt.Errorf("tail status check: %w", err)
			}
			if job == nil || job.Status.StreamTerminal() {
				select {
				case out <- model.OutputLine{
					Seq:       lastSeq,
					Timestamp: time.Now().UTC(),
					Kind:      model.LineStatus,
					Content:   StreamEndMarker,
				}:
				case <-ctx.Done():
					return ctx.Err()
				}
				return nil
			}
		}

		var wake <-chan model.OutputLine
		if sub != nil {
			wake = sub.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
			// Live signal only; the next LogsAfter fetch carries the data.
		case <-ticker.C:
		}
	}
}

// emitPages forwards durable lines after *lastSeq until a short page indicates
// the log is drained.
func (t *Tailer) emitPages(ctx context.Context, key string, lastSeq *int64, out chan<- model.OutputLine) (bool, error) {
	for {
		lines, err := t.logs.LogsAfter(ctx, key, *lastSeq, tailPageSize)
		if err != nil {
			return false, fmt.Errorf("tail fetch: %w", err)
		}
		for _, line := range lines {
			select {
			case out <- line:
			case <-ctx.Done():
				return false, ctx.Err()
			}
			*lastSeq = line.Seq
		}
		if len(lines) < tailPageSize {
			return true, nil
		}
	}
}
