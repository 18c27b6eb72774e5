// Package agent controls the external coding-agent subprocess: launching it,
// exchanging the newline-delimited JSON event protocol over its standard
// streams, and turning its output into job results.
package agent

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/patchforge/patchforge/internal/domain/model"
)

// Event is the inbound envelope read from the subprocess's stdout. Only the
// fields the orchestrator acts on are typed; the raw line is retained for
// usage extraction, which tolerates any event shape.
type Event struct {
	Type         string            `json:"type"`
	Subtype      string            `json:"subtype,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Message      *AssistantMessage `json:"message,omitempty"`
	Delta        *Delta            `json:"delta,omitempty"`
	ContentBlock *ContentBlock     `json:"content_block,omitempty"`
	Result       string            `json:"result,omitempty"`

	raw []byte
}

// Raw returns the original JSON line the event was decoded from.
func (e *Event) Raw() []byte { return e.raw }

// AssistantMessage is the message body on "assistant" events.
type AssistantMessage struct {
	Content []ContentBlock `json:"content,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one element of an assistant message or a block-start event.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Delta carries streamed text on "content_block_delta" events.
type Delta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage holds token counts attached to an event.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// userEnvelope is the outbound message written to the subprocess's stdin.
type userEnvelope struct {
	Type            string      `json:"type"`
	Message         userMessage `json:"message"`
	SessionID       string      `json:"session_id"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
}

type userMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// WriteUserMessage writes one outbound user envelope followed by a newline.
// sessionID is empty for the initial prompt and the captured id afterwards.
func WriteUserMessage(w io.Writer, sessionID, content string) error {
	env := userEnvelope{
		Type:      "user",
		Message:   userMessage{Role: "user", Content: content},
		SessionID: sessionID,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal user message: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write user message: %w", err)
	}
	return nil
}

// DecodeEvent parses one protocol line. Lines that are not valid JSON are
// returned as a synthetic plain-text event rather than an error, since agents
// interleave diagnostics with the protocol stream.
func DecodeEvent(line []byte) *Event {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
		return &Event{
			Type:  "text",
			Delta: &Delta{Type: "text_delta", Text: string(line)},
			raw:   append([]byte(nil), line...),
		}
	}
	ev.raw = append([]byte(nil), line...)
	return &ev
}

// OutputLines converts an event into normalized display lines.
func (e *Event) OutputLines() []model.OutputLine {
	var lines []model.OutputLine
	add := func(kind model.LineKind, content string) {
		if content == "" {
			return
		}
		lines = append(lines, model.OutputLine{Kind: kind, Content: content})
	}

	switch e.Type {
	case "assistant":
		if e.Message != nil {
			for _, block := range e.Message.Content {
				switch block.Type {
				case "text":
					add(model.LineText, block.Text)
				case "tool_use":
					add(model.LineTool, formatToolUse(block))
				}
			}
		}
	case "content_block_delta":
		if e.Delta != nil && e.Delta.Type == "text_delta" {
			add(model.LineText, e.Delta.Text)
		}
	case "content_block_start":
		if e.ContentBlock != nil && e.ContentBlock.Type == "tool_use" {
			add(model.LineTool, formatToolUse(*e.ContentBlock))
		}
	case "text":
		if e.Delta != nil {
			add(model.LineText, e.Delta.Text)
		}
	}
	return lines
}

const toolInputPreviewLen = 120

func formatToolUse(block ContentBlock) string {
	preview := string(block.Input)
	if len(preview) > toolInputPreviewLen {
		preview = preview[:toolInputPreviewLen] + "..."
	}
	if preview == "" || preview == "null" {
		return block.Name
	}
	return block.Name + " " + preview
}
