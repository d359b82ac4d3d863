package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cofferbank/coffer/internal/config"
	"github.com/cofferbank/coffer/internal/di"
	"github.com/cofferbank/coffer/internal/server"
	"github.com/cofferbank/coffer/pkg/logger"
)

func main() {
	// Load configuration first so the log level is honored from the start.
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New(logger.Config{Level: "info"})
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting Coffer")

	ctx := context.Background()
	container, cron, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	cron.Start()
	defer cron.Stop()

	srv := server.New(server.Config{
		Port:        cfg.Port,
		Log:         log,
		Config:      cfg,
		DevMode:     cfg.DevMode,
		Tenancy:     container.TenancyRepo,
		Connections: container.ConnectionsRepo,
		ConnectSvc:  container.ConnectionsSvc,
		Engine:      container.Engine,
		Dispatcher:  container.Dispatcher,
		Admin:       container.AdminSvc,
		Jobs:        container.JobsRepo,
		Audit:       container.AuditRepo,
		Databases:   container.Databases(),
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
