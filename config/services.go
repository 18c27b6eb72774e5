package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeScheduler runs the job scheduler and its agent runners.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReconciler runs the periodic state reconciler.
	ServiceModeReconciler ServiceMode = "reconciler"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeScheduler,
		ServiceModeReconciler,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeScheduler, ServiceModeReconciler:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: scheduler, reconciler)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// SchedulerConfig contains scheduler service configuration.
type SchedulerConfig struct {
	// PollInterval is the scheduler tick interval.
	PollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"2s"`

	// MaxConcurrent is the number of agent runs allowed at once per process.
	MaxConcurrent int `env:"SCHEDULER_MAX_CONCURRENT" envDefault:"3"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.PollInterval < 100*time.Millisecond {
		s.PollInterval = 100 * time.Millisecond
	}
	if s.MaxConcurrent < 1 {
		s.MaxConcurrent = 1
	}
}

// ReconcilerConfig contains reconciler service configuration.
type ReconcilerConfig struct {
	// Interval is the reconciler sweep interval.
	Interval time.Duration `env:"RECONCILER_INTERVAL" envDefault:"5m"`

	// Grace is added to the agent run timeout when deciding that a working
	// job was orphaned by a crashed process.
	Grace time.Duration `env:"RECONCILER_GRACE" envDefault:"5m"`

	// Retention is the age past which terminal jobs are purged.
	Retention time.Duration `env:"RECONCILER_RETENTION" envDefault:"720h"` // 30 days

	// PurgeBatchSize is the maximum number of rows deleted per purge statement.
	// Batching prevents long locks and I/O spikes on large tables.
	PurgeBatchSize int `env:"RECONCILER_PURGE_BATCH_SIZE" envDefault:"200"`
}

// Sanitize applies guardrails to reconciler configuration values.
func (r *ReconcilerConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < time.Minute {
		r.Interval = time.Minute
	}
	if r.Grace < time.Minute {
		r.Grace = time.Minute
	}
	if r.Retention < 24*time.Hour {
		r.Retention = 24 * time.Hour
	}
	if r.PurgeBatchSize < 1 {
		r.PurgeBatchSize = 1
	}
	if r.PurgeBatchSize > 10000 {
		r.PurgeBatchSize = 10000
	}
}

// BudgetConfig contains the global token spend circuit breaker configuration.
type BudgetConfig struct {
	// HourlyTokenLimit pauses claiming when the trailing-hour token spend
	// across all jobs reaches this value. Zero disables the gate.
	HourlyTokenLimit int64 `env:"BUDGET_HOURLY_TOKEN_LIMIT" envDefault:"0"`

	// DailyTokenLimit is the same gate over a trailing 24h window.
	DailyTokenLimit int64 `env:"BUDGET_DAILY_TOKEN_LIMIT" envDefault:"0"`
}

// Sanitize applies guardrails to budget configuration values.
func (b *BudgetConfig) Sanitize() {
	if b.HourlyTokenLimit < 0 {
		b.HourlyTokenLimit = 0
	}
	if b.DailyTokenLimit < 0 {
		b.DailyTokenLimit = 0
	}
}

// BillingConfig contains per-user credit billing configuration.
type BillingConfig struct {
	// Enabled turns on credit preflight and post-run settlement.
	Enabled bool `env:"BILLING_ENABLED" envDefault:"false"`

	// TokensPerCredit is the conversion rate from consumed tokens to credits.
	TokensPerCredit int64 `env:"BILLING_TOKENS_PER_CREDIT" envDefault:"10000"`
}

// Sanitize applies guardrails to billing configuration values.
func (b *BillingConfig) Sanitize() {
	if b.TokensPerCredit < 0 {
		b.TokensPerCredit = 0
	}
	if b.TokensPerCredit == 0 {
		b.Enabled = false
	}
}
