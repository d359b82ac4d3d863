package admin

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferbank/coffer/internal/audit"
	"github.com/cofferbank/coffer/internal/connections"
	"github.com/cofferbank/coffer/internal/database"
	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/jobs"
	"github.com/cofferbank/coffer/internal/tenancy"
)

type adminFixture struct {
	svc   *Service
	conns *connections.Repository
	jobs  *jobs.Repository
	audit *audit.Repository
	scope tenancy.Scope
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()

	open := func(name string) *database.DB {
		db, err := database.New(database.Config{
			Path: fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", t.Name(), name),
			Name: name,
		})
		require.NoError(t, err)
		require.NoError(t, db.Migrate())
		t.Cleanup(func() { _ = db.Close() })
		return db
	}

	core := open("core")
	ops := open("ops")

	log := zerolog.Nop()
	f := &adminFixture{
		conns: connections.NewRepository(core.Conn(), log),
		jobs:  jobs.NewRepository(ops.Conn(), log),
		audit: audit.NewRepository(ops.Conn(), log),
	}
	f.svc = NewService(f.conns, f.jobs, nil, nil, nil, f.audit,
		[]*database.DB{core, ops}, log)

	tenants := tenancy.NewRepository(core.Conn(), log)
	tenant, err := tenants.CreateTenant("acme-treasury", "standard", "user-1", domain.TenantSettings{Currency: "EUR"})
	require.NoError(t, err)
	f.scope, err = tenants.ScopeFor(tenancy.Principal{UserID: "user-1"}, tenant.ID)
	require.NoError(t, err)

	return f
}

func (f *adminFixture) connection(t *testing.T) *domain.Connection {
	t.Helper()
	c := &domain.Connection{
		ProviderID:      "gocardless",
		DisplayName:     "Feed",
		IntegrationType: domain.IntegrationOAuthRedirect,
		SyncSchedule:    domain.ScheduleDaily,
		SyncEnabled:     true,
	}
	require.NoError(t, f.conns.Create(f.scope, c))
	require.NoError(t, f.conns.Activate(c.ID))
	return c
}

var superAdmin = tenancy.Principal{UserID: "ops-1", SuperAdmin: true}
var regular = tenancy.Principal{UserID: "user-1"}

func TestFleetOperationsRequireSuperAdmin(t *testing.T) {
	f := newAdminFixture(t)

	_, err := f.svc.FleetConnections(regular)
	assert.ErrorIs(t, err, ErrSuperAdminRequired)
	assert.ErrorIs(t, err, domain.ErrTenantIsolation)

	err = f.svc.UpdateSchedule(regular, ScheduleUpdate{ConnectionID: "x", Schedule: domain.ScheduleDaily})
	assert.ErrorIs(t, err, ErrSuperAdminRequired)

	_, err = f.svc.FleetHealth(context.Background(), regular)
	assert.ErrorIs(t, err, ErrSuperAdminRequired)

	// Refused calls leave no audit trail.
	events, err := f.audit.AdminEvents(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFleetConnectionsListsAcrossTenantsAndAudits(t *testing.T) {
	f := newAdminFixture(t)
	f.connection(t)
	f.connection(t)

	list, err := f.svc.FleetConnections(superAdmin)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	events, err := f.audit.AdminEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "fleet_connections_list", events[0].Action)
	assert.Equal(t, "ops-1", events[0].ActorUserID)
}

func TestUpdateScheduleChangesBucket(t *testing.T) {
	f := newAdminFixture(t)
	c := f.connection(t)

	err := f.svc.UpdateSchedule(superAdmin, ScheduleUpdate{
		ConnectionID: c.ID,
		Schedule:     domain.ScheduleHourly,
		Enabled:      true,
	})
	require.NoError(t, err)

	after, err := f.conns.GetAny(c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleHourly, after.SyncSchedule)
}

func TestBulkUpdateAppliesValidEntriesAndReportsFailures(t *testing.T) {
	f := newAdminFixture(t)
	a := f.connection(t)
	b := f.connection(t)

	applied, failed, err := f.svc.BulkUpdateSchedules(superAdmin, []ScheduleUpdate{
		{ConnectionID: a.ID, Schedule: domain.ScheduleHourly, Enabled: true},
		{ConnectionID: b.ID, Schedule: domain.SyncSchedule("bogus"), Enabled: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, []string{b.ID}, failed)
}

func TestFleetHealthCountsStatusesAndDatabases(t *testing.T) {
	f := newAdminFixture(t)
	f.connection(t)
	c := f.connection(t)
	require.NoError(t, f.conns.SetStatus(c.ID, domain.ConnectionError, "token expired"))
	require.NoError(t, f.conns.SetHealthScore(c.ID, 20))

	fh, err := f.svc.FleetHealth(context.Background(), superAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, fh.Connections["active"])
	assert.Equal(t, 1, fh.Connections["error"])
	assert.Equal(t, 1, fh.Health["healthy"])
	assert.Equal(t, 1, fh.Health["critical"])

	require.Len(t, fh.Databases, 2)
	for _, db := range fh.Databases {
		assert.True(t, db.Healthy)
	}
}

func TestRecentJobsFiltersByConnection(t *testing.T) {
	f := newAdminFixture(t)
	c := f.connection(t)

	job, err := f.jobs.Open(f.scope.TenantID, c.ID, "manual_sync")
	require.NoError(t, err)
	require.NoError(t, f.jobs.Start(job.ID))
	require.NoError(t, f.jobs.Complete(job.ID, jobs.Counts{Imported: 3}, nil))

	other, err := f.jobs.Open(f.scope.TenantID, "other-conn", "manual_sync")
	require.NoError(t, err)
	_ = other

	byConn, err := f.svc.RecentJobs(superAdmin, c.ID, 10)
	require.NoError(t, err)
	require.Len(t, byConn, 1)
	assert.Equal(t, job.ID, byConn[0].ID)

	all, err := f.svc.RecentJobs(superAdmin, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, time.Now().UTC().Year(), all[0].StartedAt.Year())
}
