package config

import (
	"strings"
	"time"
)

// AgentConfig contains agent subprocess configuration.
type AgentConfig struct {
	// Binary is the agent executable launched per run.
	Binary string `env:"AGENT_BINARY" envDefault:"agent"`

	// Args are fixed arguments passed to the agent binary.
	Args []string `env:"AGENT_ARGS" envSeparator:" "`

	// APIKey is handed to the subprocess through its environment. The
	// subprocess receives only an explicit allow-list of variables, so the
	// key must be threaded through here rather than inherited.
	APIKey string `env:"AGENT_API_KEY"`

	// WorkspaceRoot is the directory holding per-job repository checkouts.
	WorkspaceRoot string `env:"AGENT_WORKSPACE_ROOT" envDefault:"/var/lib/patchforge/workspaces"`

	// RunTimeout bounds a single agent run end to end.
	RunTimeout time.Duration `env:"AGENT_RUN_TIMEOUT" envDefault:"30m"`

	// MaxRetries is how many transient failures requeue a job before it is
	// failed; a job is attempted at most MaxRetries+1 times.
	MaxRetries int `env:"AGENT_MAX_RETRIES" envDefault:"3"`

	// BaseBranches are PR base candidates tried in order when the repository's
	// default branch cannot be resolved.
	BaseBranches []string `env:"AGENT_BASE_BRANCHES" envSeparator:"," envDefault:"main,master,develop"`
}

// Sanitize applies guardrails to agent configuration values.
func (a *AgentConfig) Sanitize() {
	a.Binary = strings.TrimSpace(a.Binary)
	a.WorkspaceRoot = strings.TrimSpace(a.WorkspaceRoot)
	if a.RunTimeout < time.Minute {
		a.RunTimeout = time.Minute
	}
	if a.MaxRetries < 1 {
		a.MaxRetries = 1
	}
	branches := make([]string, 0, len(a.BaseBranches))
	for _, b := range a.BaseBranches {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			branches = append(branches, trimmed)
		}
	}
	if len(branches) == 0 {
		branches = []string{"main", "master", "develop"}
	}
	a.BaseBranches = branches
}
