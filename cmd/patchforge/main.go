// Command patchforge runs the worker process: the scheduler that dispatches
// agent runs and the reconciler that re-aligns job state, selected via the
// SERVICES environment variable.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/patchforge/patchforge/internal/bootstrap"
)

func main() {
	ctx := context.Background()
	logger := bootstrap.InitLogger()
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "starting patchforge",
		"services", cfg.Services,
		"dev", cfg.IsDev,
	)

	if err = bootstrap.ValidateServiceConfig(&cfg); err != nil {
		return err
	}

	db, err := bootstrap.ConnectDB(cfg.Postgres, logger)
	if err != nil {
		return err
	}

	redisClient, err := bootstrap.ConnectRedis(cfg.Redis, logger)
	if err != nil {
		logger.WarnContext(ctx, "redis unavailable, issue context caching disabled", "error", err)
		redisClient = nil
	}

	if cfg.Postgres.RunMigrationsOnStart {
		if err = bootstrap.RunMigrations(ctx, db, logger); err != nil {
			return err
		}
	} else {
		logger.InfoContext(ctx, "skipping database migrations on startup", "reason", "disabled via config")
	}

	engine, err := bootstrap.NewEngine(bootstrap.EngineDeps{
		Config: &cfg,
		Logger: logger,
		DB:     db,
		Redis:  redisClient,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	return bootstrap.RunServicesWithShutdown(engine)
}
