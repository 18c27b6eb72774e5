// Package metrics defines the standardized metric shapes emitted by the
// orchestration services.
package metrics

import (
	"errors"
	"time"

	rerrors "github.com/patchforge/patchforge/internal/errors"
	"github.com/patchforge/patchforge/internal/observability/statsd"
)

// RunMetric captures the outcome of one agent run for emission.
type RunMetric struct {
	Outcome  string // final job status
	Duration time.Duration
	Tokens   int64
	Err      error
}

// EmitRunOutcome emits the per-run counter, duration, and token metrics.
func EmitRunOutcome(sink statsd.Sink, in RunMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{"outcome": in.Outcome}
	var re *rerrors.RunError
	if in.Err != nil && errors.As(in.Err, &re) {
		tags["error_class"] = re.Label()
	}

	sink.Count("run.outcome", 1, tags)
	if in.Duration > 0 {
		sink.Timing("run.duration", in.Duration, tags)
	}
	if in.Tokens > 0 {
		sink.Count("run.tokens", in.Tokens, tags)
	}
}

// EmitQueueDepth records the scheduler's view of in-flight work.
func EmitQueueDepth(sink statsd.Sink, running int) {
	if sink == nil {
		return
	}
	sink.Gauge("scheduler.running", float64(running), nil)
}
