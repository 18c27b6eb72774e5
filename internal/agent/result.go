package agent

import (
	"encoding/json"
	"strings"
)

// ResultStatus is the agent's self-reported outcome for a run.
type ResultStatus string

const (
	// ResultPRReady means the agent committed changes ready for a pull request.
	ResultPRReady ResultStatus = "PR_READY"
	// ResultNeedsClarification means the agent is blocked on the reporter.
	ResultNeedsClarification ResultStatus = "NEEDS_CLARIFICATION"
	// ResultNone means no result block was found in the output.
	ResultNone ResultStatus = ""
)

// RunResult is the parsed outcome block from the agent's captured output.
type RunResult struct {
	Status    ResultStatus `json:"status"`
	Summary   string       `json:"summary,omitempty"`
	Questions []string     `json:"questions,omitempty"`
}

// Delimiters for the structured result block the agent is prompted to emit.
const (
	resultBlockStart = "===RESULT==="
	resultBlockEnd   = "===END RESULT==="
)

// Legacy plain-text markers from before the structured block existed. Old
// prompt templates may still be cached by an agent mid-session, so both
// formats stay accepted.
const (
	legacyPRReadyMarker       = "PR_READY:"
	legacyClarificationMarker = "NEEDS_CLARIFICATION:"
)

// ParseResult scans the full captured output text for a result. The
// structured JSON block wins; the legacy markers are the fallback. Returns
// status ResultNone when neither is present.
func ParseResult(text string) RunResult {
	if result, ok := parseStructuredBlock(text); ok {
		return result
	}
	return parseLegacyMarkers(text)
}

func parseStructuredBlock(text string) (RunResult, bool) {
	// Take the last block: agents sometimes echo the instructions, and only
	// the final block reflects the actual outcome.
	start := strings.LastIndex(text, resultBlockStart)
	if start < 0 {
		return RunResult{}, false
	}
	rest := text[start+len(resultBlockStart):]
	end := strings.Index(rest, resultBlockEnd)
	if end < 0 {
		return RunResult{}, false
	}

	var result RunResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &result); err != nil {
		return RunResult{}, false
	}
	switch result.Status {
	case ResultPRReady, ResultNeedsClarification:
		return result, true
	}
	return RunResult{}, false
}

func parseLegacyMarkers(text string) RunResult {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, legacyPRReadyMarker); ok {
			return RunResult{Status: ResultPRReady, Summary: strings.TrimSpace(rest)}
		}
		if rest, ok := strings.CutPrefix(trimmed, legacyClarificationMarker); ok {
			result := RunResult{Status: ResultNeedsClarification}
			if q := strings.TrimSpace(rest); q != "" {
				result.Questions = []string{q}
			}
			return result
		}
	}
	return RunResult{Status: ResultNone}
}
