package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/config"
	"github.com/cofferbank/coffer/internal/scheduler"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
//  1. Initialize databases and apply schemas
//  2. Initialize repositories
//  3. Initialize vault, providers, and services
//  4. Register cron jobs
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, *scheduler.Cron, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	InitializeRepositories(container, log)

	if err := InitializeServices(ctx, container, cfg, log); err != nil {
		container.Close()
		return nil, nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	cron := scheduler.NewCron(log)
	err = scheduler.RegisterStandardJobs(cron, container.Dispatcher, container.Archiver, container.Metrics)
	if err != nil {
		container.Close()
		return nil, nil, fmt.Errorf("failed to register cron jobs: %w", err)
	}

	log.Info().Msg("Dependency injection wiring completed")
	return container, cron, nil
}
