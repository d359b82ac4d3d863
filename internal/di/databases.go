package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/config"
	"github.com/cofferbank/coffer/internal/database"
)

// InitializeDatabases opens the three databases and applies their schemas.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// core.db - tenants, connections, accounts, transactions, vault rows
	coreDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/core.db",
		Profile: database.ProfileStandard,
		Name:    "core",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize core database: %w", err)
	}
	container.CoreDB = coreDB

	// staging.db - provider-shaped rows and sync cursors
	stagingDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/staging.db",
		Profile: database.ProfileStandard,
		Name:    "staging",
	})
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize staging database: %w", err)
	}
	container.StagingDB = stagingDB

	// ops.db - job ledger, audit events, health metrics. Ledger profile:
	// the audit trail is append-only and must survive crashes.
	opsDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/ops.db",
		Profile: database.ProfileLedger,
		Name:    "ops",
	})
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize ops database: %w", err)
	}
	container.OpsDB = opsDB

	for _, db := range container.Databases() {
		if err := db.Migrate(); err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to migrate %s database: %w", db.Name(), err)
		}
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("Databases initialized")
	return container, nil
}
