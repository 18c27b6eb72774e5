package agent

import (
	"fmt"
	"strings"

	"github.com/patchforge/patchforge/internal/domain/model"
)

// PromptParams groups the inputs for building a run prompt.
type PromptParams struct {
	Unit     *model.Unit
	Replies  []model.Reply
	Branch   string
	Messages []model.ChatMessage
}

const resultInstructions = `When you are done, print exactly one result block as the last thing you output:

` + resultBlockStart + `
{"status": "PR_READY", "summary": "<one-paragraph description of the change>"}
` + resultBlockEnd + `

or, if you cannot proceed without more information:

` + resultBlockStart + `
{"status": "NEEDS_CLARIFICATION", "questions": ["<question>", "..."]}
` + resultBlockEnd + `

Commit your changes to the current branch. Do not push and do not open a pull request yourself.`

// BuildPrompt renders the initial prompt for a fresh run.
func BuildPrompt(p PromptParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are working on issue #%d: %s\n\n", p.Unit.Number, p.Unit.Title)
	if body := strings.TrimSpace(p.Unit.Body); body != "" {
		b.WriteString("Issue description:\n")
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	if len(p.Unit.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n\n", strings.Join(p.Unit.Labels, ", "))
	}
	writeDiscussion(&b, p.Replies)

	fmt.Fprintf(&b, "The repository is checked out on branch %q. Implement a fix for this issue.\n\n", p.Branch)
	b.WriteString(resultInstructions)
	return b.String()
}

// BuildFollowUpPrompt renders the prompt for a run resumed after operator
// messages arrived, marking which message is new so the agent does not
// re-answer old ones.
func BuildFollowUpPrompt(p PromptParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are continuing work on issue #%d: %s\n\n", p.Unit.Number, p.Unit.Title)
	if body := strings.TrimSpace(p.Unit.Body); body != "" {
		b.WriteString("Issue description:\n")
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	writeDiscussion(&b, p.Replies)

	if len(p.Messages) > 0 {
		b.WriteString("Operator messages so far:\n")
		for i, msg := range p.Messages {
			marker := ""
			if i == len(p.Messages)-1 {
				marker = " [NEW - respond to this]"
			}
			fmt.Fprintf(&b, "%d.%s %s\n", i+1, marker, msg.Text)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Your previous work is on branch %q in the current checkout. Continue from there.\n\n", p.Branch)
	b.WriteString(resultInstructions)
	return b.String()
}

func writeDiscussion(b *strings.Builder, replies []model.Reply) {
	if len(replies) == 0 {
		return
	}
	b.WriteString("Discussion:\n")
	for _, reply := range replies {
		fmt.Fprintf(b, "@%s: %s\n", reply.Author, strings.TrimSpace(reply.Body))
	}
	b.WriteString("\n")
}
