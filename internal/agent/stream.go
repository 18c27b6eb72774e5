package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/patchforge/patchforge/internal/domain/model"
)

// maxEventLineBytes bounds one protocol line; tool results can be large.
const maxEventLineBytes = 4 * 1024 * 1024

// ReadEvents decodes protocol lines from r into the returned channel until
// EOF or a read error, then closes the channel. Run in its own goroutine; the
// caller drains until close and learns the exit reason from Process.Wait.
func ReadEvents(r io.Reader) <-chan *Event {
	events := make(chan *Event, 64)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxEventLineBytes)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			events <- DecodeEvent(line)
		}
	}()
	return events
}

// Usage figures can appear at several paths depending on event shape; the
// searches are additive and any match counts.
var usagePaths = []string{
	"message.usage.input_tokens",
	"message.usage.output_tokens",
	"usage.input_tokens",
	"usage.output_tokens",
}

var compiledUsagePaths = func() []jmespath.JMESPath {
	compiled := make([]jmespath.JMESPath, len(usagePaths))
	for i, p := range usagePaths {
		compiled[i] = jmespath.MustCompile(p)
	}
	return compiled
}()

// ExtractUsage pulls token counts out of an arbitrary event, returning zero
// usage when none are present. Input paths are even indices, output odd.
func ExtractUsage(raw []byte) model.TokenUsage {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.TokenUsage{}
	}

	var usage model.TokenUsage
	for i, expr := range compiledUsagePaths {
		result, err := expr.Search(doc)
		if err != nil {
			continue
		}
		n, ok := asInt64(result)
		if !ok {
			continue
		}
		if i%2 == 0 {
			usage.Input += n
		} else {
			usage.Output += n
		}
	}
	return usage
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// usagePersistInterval bounds write amplification from per-event usage updates.
const usagePersistInterval = 3 * time.Second

// UsageAccumulator sums token usage across events and tells the caller when
// the running total is due for a durable write.
type UsageAccumulator struct {
	total       model.TokenUsage
	lastPersist time.Time
	now         func() time.Time
}

// NewUsageAccumulator creates an accumulator seeded with usage carried over
// from earlier runs of the same job.
func NewUsageAccumulator(initial model.TokenUsage) *UsageAccumulator {
	return &UsageAccumulator{total: initial, now: time.Now}
}

// Observe folds an event's usage into the total and reports whether a
// persist is due.
func (a *UsageAccumulator) Observe(raw []byte) (persistDue bool) {
	usage := ExtractUsage(raw)
	if usage == (model.TokenUsage{}) {
		return false
	}
	a.total.Add(usage)
	if a.now().Sub(a.lastPersist) >= usagePersistInterval {
		a.lastPersist = a.now()
		return true
	}
	return false
}

// Total returns the accumulated usage.
func (a *UsageAccumulator) Total() model.TokenUsage { return a.total }
