package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusValid(t *testing.T) {
	for _, s := range []JobStatus{
		JobStatusQueued, JobStatusWorking, JobStatusWaitingForReply,
		JobStatusPROpened, JobStatusCompleted, JobStatusFailed,
		JobStatusClosed, JobStatusStopped,
	} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, JobStatus("").Valid())
	assert.False(t, JobStatus("running").Valid())
}

func TestJobStatusTerminal(t *testing.T) {
	tests := []struct {
		status         JobStatus
		terminal       bool
		streamTerminal bool
	}{
		{JobStatusQueued, false, false},
		{JobStatusWorking, false, false},
		{JobStatusWaitingForReply, false, false},
		{JobStatusPROpened, false, true},
		{JobStatusCompleted, true, true},
		{JobStatusFailed, true, true},
		{JobStatusClosed, true, true},
		{JobStatusStopped, true, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
			assert.Equal(t, tt.streamTerminal, tt.status.StreamTerminal())
		})
	}
}

func TestJobKeyRoundTrip(t *testing.T) {
	job := Job{Owner: "acme", Repo: "widgets", UnitNumber: 42}
	key := job.Key()
	assert.Equal(t, "acme/widgets#42", key)

	owner, repo, unit, err := ParseKey(key)
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)
	assert.Equal(t, 42, unit)
}

func TestParseKeyRepoWithSlash(t *testing.T) {
	// Only the first slash separates owner from repo.
	owner, repo, unit, err := ParseKey("acme/widgets/docs#7")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets/docs", repo)
	assert.Equal(t, 7, unit)
}

func TestParseKeyMalformed(t *testing.T) {
	for _, key := range []string{
		"",
		"acme",
		"acme/widgets",
		"/widgets#1",
		"acme/#1",
		"acme/widgets#",
		"acme/widgets#x",
	} {
		t.Run(key, func(t *testing.T) {
			_, _, _, err := ParseKey(key)
			assert.Error(t, err)
		})
	}
}

func TestTruncateReason(t *testing.T) {
	short := "agent exited with code 1"
	assert.Equal(t, short, TruncateReason(short))

	long := strings.Repeat("x", FailureReasonMaxLen+50)
	got := TruncateReason(long)
	assert.Len(t, got, FailureReasonMaxLen)

	job := Job{}
	job.SetFailureReason(long)
	assert.Len(t, job.FailureReason, FailureReasonMaxLen)
}

func TestJobValidate(t *testing.T) {
	valid := Job{Owner: "acme", Repo: "widgets", UnitNumber: 1, Status: JobStatusQueued}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(*Job)
		wantErr string
	}{
		{"missing owner", func(j *Job) { j.Owner = " " }, "owner is required"},
		{"missing repo", func(j *Job) { j.Repo = "" }, "repo is required"},
		{"zero unit", func(j *Job) { j.UnitNumber = 0 }, "unit number must be positive"},
		{"bad status", func(j *Job) { j.Status = "paused" }, "invalid job status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := valid
			tt.mutate(&job)
			err := job.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTokenUsageAccumulates(t *testing.T) {
	var u TokenUsage
	u.Add(TokenUsage{Input: 100, Output: 40})
	u.Add(TokenUsage{Input: 25})

	assert.Equal(t, int64(125), u.Input)
	assert.Equal(t, int64(40), u.Output)
	assert.Equal(t, int64(165), u.Total())
}
