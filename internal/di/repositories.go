package di

import (
	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/accounts"
	"github.com/cofferbank/coffer/internal/audit"
	"github.com/cofferbank/coffer/internal/connections"
	"github.com/cofferbank/coffer/internal/jobs"
	"github.com/cofferbank/coffer/internal/staging"
	"github.com/cofferbank/coffer/internal/tenancy"
	"github.com/cofferbank/coffer/internal/transactions"
)

// InitializeRepositories wires the repositories onto the open databases.
func InitializeRepositories(container *Container, log zerolog.Logger) {
	core := container.CoreDB.Conn()
	stg := container.StagingDB.Conn()
	ops := container.OpsDB.Conn()

	container.TenancyRepo = tenancy.NewRepository(core, log)
	container.ConnectionsRepo = connections.NewRepository(core, log)
	container.AccountsRepo = accounts.NewRepository(core, stg, log)
	container.TransactionsRepo = transactions.NewRepository(core, log)
	container.StagingRepo = staging.NewRepository(stg, log)
	container.JobsRepo = jobs.NewRepository(ops, log)
	container.AuditRepo = audit.NewRepository(ops, log)
}
