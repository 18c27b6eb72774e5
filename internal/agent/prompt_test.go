package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/patchforge/patchforge/internal/domain/model"
)

func promptUnit() *model.Unit {
	return &model.Unit{
		Number: 42,
		Title:  "panic on empty config",
		Body:   "Starting without a config file crashes.",
		Labels: []string{"bug", "good-first-issue"},
		State:  "open",
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(PromptParams{
		Unit:   promptUnit(),
		Branch: "patchforge/issue-42",
		Replies: []model.Reply{
			{Author: "alice", Body: "repro: run with no args", CreatedAt: time.Now()},
		},
	})

	assert.Contains(t, prompt, "issue #42: panic on empty config")
	assert.Contains(t, prompt, "Starting without a config file crashes.")
	assert.Contains(t, prompt, "bug, good-first-issue")
	assert.Contains(t, prompt, "@alice: repro: run with no args")
	assert.Contains(t, prompt, `"patchforge/issue-42"`)
	assert.Contains(t, prompt, resultBlockStart)
	assert.Contains(t, prompt, "Do not push")
}

func TestBuildPromptOmitsEmptySections(t *testing.T) {
	prompt := BuildPrompt(PromptParams{
		Unit:   &model.Unit{Number: 7, Title: "minimal"},
		Branch: "b",
	})

	assert.NotContains(t, prompt, "Issue description:")
	assert.NotContains(t, prompt, "Labels:")
	assert.NotContains(t, prompt, "Discussion:")
}

func TestBuildFollowUpPromptMarksNewestMessage(t *testing.T) {
	prompt := BuildFollowUpPrompt(PromptParams{
		Unit:   promptUnit(),
		Branch: "patchforge/issue-42",
		Messages: []model.ChatMessage{
			{Text: "use the v2 API"},
			{Text: "actually stick with v1"},
		},
	})

	assert.Contains(t, prompt, "continuing work on issue #42")
	assert.Contains(t, prompt, "1. use the v2 API")
	assert.Contains(t, prompt, "2. [NEW - respond to this] actually stick with v1")
	assert.Contains(t, prompt, resultBlockStart)
}
