package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseResultStructuredPRReady(t *testing.T) {
	text := "some narration\n===RESULT===\n{\"status\":\"PR_READY\",\"summary\":\"fixed the nil deref\"}\n===END RESULT===\n"

	result := ParseResult(text)
	assert.Equal(t, ResultPRReady, result.Status)
	assert.Equal(t, "fixed the nil deref", result.Summary)
}

func TestParseResultStructuredClarification(t *testing.T) {
	text := "===RESULT===\n{\"status\":\"NEEDS_CLARIFICATION\",\"questions\":[\"which DB version?\",\"is TLS required?\"]}\n===END RESULT==="

	result := ParseResult(text)
	assert.Equal(t, ResultNeedsClarification, result.Status)
	assert.Equal(t, []string{"which DB version?", "is TLS required?"}, result.Questions)
}

func TestParseResultLastBlockWins(t *testing.T) {
	text := "===RESULT===\n{\"status\":\"NEEDS_CLARIFICATION\",\"questions\":[\"?\"]}\n===END RESULT===\n" +
		"later the agent figured it out\n" +
		"===RESULT===\n{\"status\":\"PR_READY\",\"summary\":\"done\"}\n===END RESULT===\n"

	result := ParseResult(text)
	assert.Equal(t, ResultPRReady, result.Status)
	assert.Equal(t, "done", result.Summary)
}

func TestParseResultLegacyMarkers(t *testing.T) {
	result := ParseResult("working...\nPR_READY: replaced the flaky lock with an atomic\n")
	assert.Equal(t, ResultPRReady, result.Status)
	assert.Equal(t, "replaced the flaky lock with an atomic", result.Summary)

	result = ParseResult("NEEDS_CLARIFICATION: which Go version do you target?\n")
	assert.Equal(t, ResultNeedsClarification, result.Status)
	assert.Equal(t, []string{"which Go version do you target?"}, result.Questions)
}

func TestParseResultNone(t *testing.T) {
	assert.Equal(t, ResultNone, ParseResult("nothing conclusive here").Status)
	assert.Equal(t, ResultNone, ParseResult("").Status)
}

func TestParseResultMalformedBlockIgnored(t *testing.T) {
	result := ParseResult("===RESULT===\nnot json\n===END RESULT===\nPR_READY: fallback summary\n")
	assert.Equal(t, ResultPRReady, result.Status)
	assert.Equal(t, "fallback summary", result.Summary)
}

func TestParseResultUnknownStatusRejected(t *testing.T) {
	result := ParseResult("===RESULT===\n{\"status\":\"DONE\"}\n===END RESULT===")
	assert.Equal(t, ResultNone, result.Status)
}
