package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/admin"
	"github.com/cofferbank/coffer/internal/config"
	"github.com/cofferbank/coffer/internal/connections"
	"github.com/cofferbank/coffer/internal/health"
	"github.com/cofferbank/coffer/internal/jobs"
	"github.com/cofferbank/coffer/internal/providers"
	"github.com/cofferbank/coffer/internal/providers/gocardless"
	"github.com/cofferbank/coffer/internal/providers/plaid"
	"github.com/cofferbank/coffer/internal/providers/sella"
	"github.com/cofferbank/coffer/internal/reconnect"
	"github.com/cofferbank/coffer/internal/scheduler"
	"github.com/cofferbank/coffer/internal/syncengine"
	"github.com/cofferbank/coffer/internal/vault"
)

// InitializeServices wires the vault, the provider registry, and the engine
// stack on top of the repositories.
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	cipher, err := vault.NewCipher(cfg.VaultKey)
	if err != nil {
		return fmt.Errorf("failed to initialize vault cipher: %w", err)
	}
	container.Cipher = cipher

	core := container.CoreDB.Conn()
	container.TokenStore = vault.NewTokenStore(core, cipher, cfg.RefreshTimeout, log)
	container.CredentialStore = vault.NewCredentialStore(core, cipher, log)

	container.Registry = providers.NewRegistry(log)
	container.Gates = providers.NewGateSet()
	registerProviders(container, cfg, log)

	container.Detector = reconnect.NewDetector(
		container.ConnectionsRepo, container.AccountsRepo, container.TransactionsRepo,
		container.StagingRepo, container.AuditRepo, log)
	container.Scorer = health.NewScorer(container.JobsRepo, container.ConnectionsRepo, log)
	container.Metrics = health.NewMetricsRecorder(container.OpsDB.Conn(), container.Databases(), container.ConnectionsRepo, log)

	container.Importer = syncengine.NewImporter(
		container.StagingRepo, container.TransactionsRepo, container.AccountsRepo, log)
	container.Engine = syncengine.NewEngine(
		container.ConnectionsRepo, container.StagingRepo, container.AccountsRepo,
		container.JobsRepo, container.TokenStore, container.CredentialStore,
		container.Registry, container.Gates, container.Importer, container.Scorer,
		container.AuditRepo,
		syncengine.Config{RunDeadline: cfg.RunDeadline, LeaseTTL: cfg.LeaseTTL}, log)

	container.ConnectionsSvc = connections.NewService(
		container.ConnectionsRepo, container.Registry, container.TokenStore,
		container.CredentialStore, container.Detector, container.AuditRepo, log)
	container.ConnectionsSvc.SetSyncFunc(func(ctx context.Context, connectionID, trigger string) error {
		_, err := container.Engine.SyncConnection(ctx, connectionID, trigger)
		return err
	})

	container.Dispatcher = scheduler.NewDispatcher(
		container.ConnectionsRepo, container.Engine, cfg, log)

	archiver, err := jobs.NewArchiver(ctx, container.JobsRepo, cfg.Archive, log)
	if err != nil {
		return fmt.Errorf("failed to initialize job archiver: %w", err)
	}
	container.Archiver = archiver

	container.AdminSvc = admin.NewService(
		container.ConnectionsRepo, container.JobsRepo, container.Engine,
		container.Archiver, container.Metrics, container.AuditRepo,
		container.Databases(), log)

	return nil
}

// registerProviders builds an adapter per enabled provider and applies its
// rate limits.
func registerProviders(container *Container, cfg *config.Config, log zerolog.Logger) {
	for id, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}

		var adapter providers.Adapter
		switch id {
		case "plaid":
			adapter = plaid.NewAdapter(plaid.NewClient(pc.ClientID, pc.ClientSecret, pc.Environment, log), log)
		case "gocardless":
			adapter = gocardless.NewAdapter(gocardless.NewClient(pc.ClientID, pc.ClientSecret, pc.RedirectURI, log), log)
		case "sella":
			adapter = sella.NewAdapter(sella.NewClient(pc.Environment, log), log)
		default:
			log.Warn().Str("provider_id", id).Msg("Unknown provider in configuration, skipping")
			continue
		}

		container.Registry.Register(adapter)
		if pc.RatePerMinute > 0 || pc.MaxConcurrency > 0 {
			container.Gates.Configure(id, pc.RatePerMinute, pc.MaxConcurrency)
		}
	}
}
