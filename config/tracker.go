package config

import "strings"

// TrackerConfig contains issue tracker and git hosting configuration.
type TrackerConfig struct {
	// APIBaseURL is the tracker REST endpoint, overridable for GitHub
	// Enterprise installs.
	APIBaseURL string `env:"TRACKER_API_BASE_URL" envDefault:"https://api.github.com"`

	// Token authenticates tracker API calls.
	Token string `env:"TRACKER_TOKEN"`

	// GitHost is the base URL repositories are cloned from.
	GitHost string `env:"TRACKER_GIT_HOST" envDefault:"https://github.com"`

	// GitToken authenticates clone and push. Falls back to Token when unset.
	GitToken string `env:"TRACKER_GIT_TOKEN"`
}

// Sanitize normalises tracker configuration values.
func (t *TrackerConfig) Sanitize() {
	t.APIBaseURL = strings.TrimSuffix(strings.TrimSpace(t.APIBaseURL), "/")
	t.GitHost = strings.TrimSuffix(strings.TrimSpace(t.GitHost), "/")
	t.Token = strings.TrimSpace(t.Token)
	t.GitToken = strings.TrimSpace(t.GitToken)
	if t.GitToken == "" {
		t.GitToken = t.Token
	}
}
