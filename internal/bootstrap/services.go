package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/patchforge/patchforge/config"
	"github.com/patchforge/patchforge/internal/agent"
	"github.com/patchforge/patchforge/internal/core"
	"github.com/patchforge/patchforge/internal/data"
	"github.com/patchforge/patchforge/internal/observability/statsd"
	"github.com/patchforge/patchforge/internal/service"
	"github.com/patchforge/patchforge/internal/tracker"
)

const shutdownWaitTimeout = 30 * time.Second

// Engine holds every wired component of one worker process.
type Engine struct {
	Config *config.AppConfig
	Logger *slog.Logger
	DB     *sql.DB
	Redis  *redis.Client

	Jobs     *data.JobRepo
	Logs     *data.JobLogRepo
	Messages *data.MessageRepo
	Credits  *data.CreditRepo
	Cache    *data.RedisCacheRepo

	Registry    *core.ProcessRegistry
	Distributor *core.Distributor
	Tailer      *core.Tailer
	Budget      *core.BudgetGate
	Tracker     core.Tracker

	Metrics *statsd.Client

	Runner        *agent.Runner
	Scheduler     *service.Scheduler
	Reconciler    *service.Reconciler
	JobService    *service.JobService
	CreditService *service.CreditService
}

// EngineDeps are the external resources NewEngine wires together.
type EngineDeps struct {
	Config *config.AppConfig
	Logger *slog.Logger
	DB     *sql.DB
	Redis  *redis.Client
}

// NewEngine builds the full service graph from connected resources.
func NewEngine(deps EngineDeps) (*Engine, error) {
	if deps.Config == nil {
		return nil, errors.New("app config is required")
	}
	if deps.DB == nil {
		return nil, errors.New("database handle is required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metricsClient, err := statsd.NewClient(statsd.Config{
		Enabled: cfg.Observability.Metrics.IsEnabled(),
		Address: cfg.Observability.Metrics.StatsdAddress,
		Prefix:  cfg.Observability.Metrics.Prefix,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("statsd client: %w", err)
	}

	e := &Engine{
		Config:  cfg,
		Logger:  logger,
		DB:      deps.DB,
		Redis:   deps.Redis,
		Metrics: metricsClient,
	}

	e.Jobs = data.NewJobRepo(deps.DB, data.JobRepoConfig{Logger: logger})
	e.Logs = data.NewJobLogRepo(deps.DB)
	e.Messages = data.NewMessageRepo(deps.DB)
	e.Credits = data.NewCreditRepo(deps.DB)
	if deps.Redis != nil {
		e.Cache = data.NewRedisCacheRepo(deps.Redis)
	}

	e.Registry = core.NewProcessRegistry()
	e.Distributor = core.NewDistributor(core.DistributorOption{
		Logs:   e.Logs,
		Logger: logger,
	})
	e.Tailer = core.NewTailer(core.TailerOption{
		Jobs:        e.Jobs,
		Logs:        e.Logs,
		Distributor: e.Distributor,
		Logger:      logger,
	})
	e.Budget = core.NewBudgetGate(core.BudgetGateOption{
		Store:       e.Jobs,
		HourlyLimit: cfg.Budget.HourlyTokenLimit,
		DailyLimit:  cfg.Budget.DailyTokenLimit,
	})
	e.Tracker = tracker.NewGitHub(tracker.GitHubOption{
		BaseURL: cfg.Tracker.APIBaseURL,
		Token:   cfg.Tracker.Token,
		Logger:  logger,
	})

	if cfg.Billing.Enabled {
		creditSvc, creditErr := service.NewCreditService(service.CreditServiceOption{
			Ledger: e.Credits,
			Logger: logger,
			Config: service.CreditConfig{TokensPerCredit: cfg.Billing.TokensPerCredit},
		})
		if creditErr != nil {
			return nil, fmt.Errorf("credit service: %w", creditErr)
		}
		e.CreditService = creditSvc
	}

	launcher, err := newAgentLauncher(cfg.Agent)
	if err != nil {
		return nil, err
	}

	var settler agent.Settler
	if e.CreditService != nil {
		settler = e.CreditService
	}
	e.Runner = agent.NewRunner(agent.RunnerOption{
		Jobs:        e.Jobs,
		Messages:    e.Messages,
		Tracker:     e.Tracker,
		Cache:       cacheOrNil(e.Cache),
		Distributor: e.Distributor,
		Registry:    e.Registry,
		Launcher:    launcher,
		Git: agent.NewGit(agent.GitOption{
			Host:  cfg.Tracker.GitHost,
			Token: cfg.Tracker.GitToken,
		}),
		Workspaces: agent.NewWorkspaces(cfg.Agent.WorkspaceRoot),
		Settler:    settler,
		Metrics:    e.Metrics,
		Logger:     logger,
		Config: agent.RunnerConfig{
			Timeout:      cfg.Agent.RunTimeout,
			MaxRetries:   cfg.Agent.MaxRetries,
			BaseBranches: cfg.Agent.BaseBranches,
			UnitCacheTTL: cfg.Cache.UnitTTL,
		},
	})

	var ledger core.CreditLedger
	if cfg.Billing.Enabled {
		ledger = e.Credits
	}
	e.Scheduler, err = service.NewScheduler(service.SchedulerOption{
		Jobs:        e.Jobs,
		Budget:      e.Budget,
		Credits:     ledger,
		Tracker:     e.Tracker,
		Runner:      e.Runner,
		Distributor: e.Distributor,
		Metrics:     e.Metrics,
		Logger:      logger,
		Config: service.SchedulerConfig{
			PollInterval:  cfg.Scheduler.PollInterval,
			MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	e.Reconciler, err = service.NewReconciler(service.ReconcilerOption{
		Jobs:    e.Jobs,
		Tracker: e.Tracker,
		Metrics: e.Metrics,
		Logger:  logger,
		Config: service.ReconcilerConfig{
			Interval:       cfg.Reconciler.Interval,
			RunTimeout:     cfg.Agent.RunTimeout,
			Grace:          cfg.Reconciler.Grace,
			Retention:      cfg.Reconciler.Retention,
			PurgeBatchSize: cfg.Reconciler.PurgeBatchSize,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reconciler: %w", err)
	}

	e.JobService, err = service.NewJobService(service.JobServiceOption{
		Jobs:        e.Jobs,
		Messages:    e.Messages,
		Tracker:     e.Tracker,
		Budget:      e.Budget,
		Registry:    e.Registry,
		Distributor: e.Distributor,
		Tailer:      e.Tailer,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("job service: %w", err)
	}

	return e, nil
}

func newAgentLauncher(cfg config.AgentConfig) (*agent.ExecLauncher, error) {
	env := map[string]string{}
	if cfg.APIKey != "" {
		env["AGENT_API_KEY"] = cfg.APIKey
	}
	launcher, err := agent.NewExecLauncher(agent.ExecLauncherOption{
		Binary: cfg.Binary,
		Args:   cfg.Args,
		Env:    env,
	})
	if err != nil {
		return nil, fmt.Errorf("agent launcher: %w", err)
	}
	return launcher, nil
}

// cacheOrNil keeps a typed-nil *RedisCacheRepo from sneaking into the
// CacheRepository interface when Redis is not configured.
func cacheOrNil(cache *data.RedisCacheRepo) core.CacheRepository {
	if cache == nil {
		return nil
	}
	return cache
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	name string
	done <-chan struct{}
}

func buildBackgroundServices(e *Engine) []backgroundService {
	return []backgroundService{
		{
			mode:  config.ServiceModeScheduler,
			name:  "scheduler",
			start: e.Scheduler.Run,
		},
		{
			mode:  config.ServiceModeReconciler,
			name:  "reconciler",
			start: e.Reconciler.Run,
		},
	}
}

func launchBackground(ctx context.Context, logger *slog.Logger, errCh chan<- error, descriptor backgroundService) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			wrapped := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case errCh <- wrapped:
			case <-ctx.Done():
			default:
				logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name, "error", wrapped)
			}
		}
	}()

	logger.InfoContext(ctx, "background service started",
		"service", descriptor.name, "mode", descriptor.mode)
	return done
}

// RunServicesWithShutdown starts all enabled services and manages their
// lifecycle. It blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(e *Engine) error {
	if e == nil {
		return errors.New("engine is required")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enabled, err := e.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	errCh := make(chan error, len(enabled)+1)
	handles := make([]backgroundServiceHandle, 0, len(enabled))
	for _, svc := range buildBackgroundServices(e) {
		if !enabled[svc.mode] {
			continue
		}
		handles = append(handles, backgroundServiceHandle{
			name: svc.name,
			done: launchBackground(serviceCtx, e.Logger, errCh, svc),
		})
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		e.Logger.Info("shutting down services...")
		cancel()
		gracefulStop(e.Logger, handles)
		return nil
	case err := <-errCh:
		e.Logger.Error("service error", "error", err)
		cancel()
		gracefulStop(e.Logger, handles)
		return err
	}
}

// gracefulStop waits for every background service to finish, bounded per
// service so one hung loop cannot block exit forever.
func gracefulStop(logger *slog.Logger, handles []backgroundServiceHandle) {
	for _, h := range handles {
		select {
		case <-h.done:
			logger.Info(h.name + " stopped")
		case <-time.After(shutdownWaitTimeout):
			logger.Warn("timeout waiting for " + h.name + " to stop")
		}
	}
}

// Close releases process-wide resources in reverse dependency order.
func (e *Engine) Close() {
	if e.Metrics != nil {
		if err := e.Metrics.Close(); err != nil {
			e.Logger.Warn("close statsd client", "error", err)
		}
	}
	if e.Redis != nil {
		if err := e.Redis.Close(); err != nil {
			e.Logger.Warn("close redis client", "error", err)
		}
	}
	if e.DB != nil {
		if err := e.DB.Close(); err != nil {
			e.Logger.Warn("close database", "error", err)
		}
	}
}
