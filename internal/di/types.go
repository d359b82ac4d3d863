// Package di provides dependency injection wiring and initialization.
package di

import (
	"github.com/cofferbank/coffer/internal/accounts"
	"github.com/cofferbank/coffer/internal/admin"
	"github.com/cofferbank/coffer/internal/audit"
	"github.com/cofferbank/coffer/internal/connections"
	"github.com/cofferbank/coffer/internal/database"
	"github.com/cofferbank/coffer/internal/health"
	"github.com/cofferbank/coffer/internal/jobs"
	"github.com/cofferbank/coffer/internal/providers"
	"github.com/cofferbank/coffer/internal/reconnect"
	"github.com/cofferbank/coffer/internal/scheduler"
	"github.com/cofferbank/coffer/internal/staging"
	"github.com/cofferbank/coffer/internal/syncengine"
	"github.com/cofferbank/coffer/internal/tenancy"
	"github.com/cofferbank/coffer/internal/transactions"
	"github.com/cofferbank/coffer/internal/vault"
)

// Container holds every wired dependency.
type Container struct {
	// Databases
	CoreDB    *database.DB
	StagingDB *database.DB
	OpsDB     *database.DB

	// Repositories
	TenancyRepo      *tenancy.Repository
	ConnectionsRepo  *connections.Repository
	AccountsRepo     *accounts.Repository
	TransactionsRepo *transactions.Repository
	StagingRepo      *staging.Repository
	JobsRepo         *jobs.Repository
	AuditRepo        *audit.Repository

	// Vault
	Cipher          *vault.Cipher
	TokenStore      *vault.TokenStore
	CredentialStore *vault.CredentialStore

	// Providers
	Registry *providers.Registry
	Gates    *providers.GateSet

	// Services
	Detector        *reconnect.Detector
	Scorer          *health.Scorer
	Metrics         *health.MetricsRecorder
	Importer        *syncengine.Importer
	Engine          *syncengine.Engine
	ConnectionsSvc  *connections.Service
	Dispatcher      *scheduler.Dispatcher
	Archiver        *jobs.Archiver
	AdminSvc        *admin.Service
}

// Databases returns the open database handles in a stable order.
func (c *Container) Databases() []*database.DB {
	return []*database.DB{c.CoreDB, c.StagingDB, c.OpsDB}
}

// Close closes all databases. Safe to call after partial initialization.
func (c *Container) Close() {
	for _, db := range c.Databases() {
		if db != nil {
			_ = db.Close()
		}
	}
}
