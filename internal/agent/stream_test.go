package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchforge/patchforge/internal/domain/model"
)

func TestReadEventsDrainsUntilEOF(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"s1"}`,
		``,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`,
		`not json at all`,
	}, "\n")

	var events []*Event
	for ev := range ReadEvents(strings.NewReader(input)) {
		events = append(events, ev)
	}

	require.Len(t, events, 3)
	assert.Equal(t, "system", events[0].Type)
	assert.Equal(t, "assistant", events[1].Type)
	assert.Equal(t, "text", events[2].Type)
}

func TestExtractUsageMessagePath(t *testing.T) {
	usage := ExtractUsage([]byte(`{"type":"assistant","message":{"usage":{"input_tokens":120,"output_tokens":45}}}`))
	assert.Equal(t, int64(120), usage.Input)
	assert.Equal(t, int64(45), usage.Output)
}

func TestExtractUsageTopLevelPath(t *testing.T) {
	usage := ExtractUsage([]byte(`{"type":"result","usage":{"input_tokens":10,"output_tokens":3}}`))
	assert.Equal(t, int64(10), usage.Input)
	assert.Equal(t, int64(3), usage.Output)
}

func TestExtractUsageAbsent(t *testing.T) {
	assert.Equal(t, model.TokenUsage{}, ExtractUsage([]byte(`{"type":"assistant"}`)))
	assert.Equal(t, model.TokenUsage{}, ExtractUsage([]byte(`garbage`)))
}

func TestUsageAccumulatorThrottlesPersist(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	acc := NewUsageAccumulator(model.TokenUsage{Input: 100, Output: 50})
	acc.now = func() time.Time { return now }

	sample := []byte(`{"message":{"usage":{"input_tokens":10,"output_tokens":5}}}`)

	// First observation after the epoch-zero lastPersist is due immediately.
	assert.True(t, acc.Observe(sample))
	// Within the interval nothing further is due.
	now = now.Add(time.Second)
	assert.False(t, acc.Observe(sample))
	now = now.Add(usagePersistInterval)
	assert.True(t, acc.Observe(sample))

	total := acc.Total()
	assert.Equal(t, int64(130), total.Input)
	assert.Equal(t, int64(65), total.Output)
}

func TestUsageAccumulatorIgnoresEventsWithoutUsage(t *testing.T) {
	acc := NewUsageAccumulator(model.TokenUsage{})
	assert.False(t, acc.Observe([]byte(`{"type":"system"}`)))
	assert.Equal(t, model.TokenUsage{}, acc.Total())
}
