package connections

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferbank/coffer/internal/database"
	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/tenancy"
)

func testRepo(t *testing.T) (*Repository, tenancy.Scope) {
	t.Helper()

	db, err := database.New(database.Config{
		Path: fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		Name: "core",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	log := zerolog.Nop()
	tenants := tenancy.NewRepository(db.Conn(), log)
	tenant, err := tenants.CreateTenant("acme-treasury", "standard", "user-1", domain.TenantSettings{Currency: "EUR"})
	require.NoError(t, err)
	scope, err := tenants.ScopeFor(tenancy.Principal{UserID: "user-1"}, tenant.ID)
	require.NoError(t, err)

	return NewRepository(db.Conn(), log), scope
}

func newConn(t *testing.T, repo *Repository, scope tenancy.Scope, schedule domain.SyncSchedule) *domain.Connection {
	t.Helper()
	c := &domain.Connection{
		ProviderID:      "gocardless",
		DisplayName:     "Bank Feed",
		IntegrationType: domain.IntegrationOAuthRedirect,
		SyncSchedule:    schedule,
		SyncEnabled:     true,
	}
	require.NoError(t, repo.Create(scope, c))
	return c
}

func TestConsumeOAuthStateIsOneTime(t *testing.T) {
	repo, scope := testRepo(t)

	c := &domain.Connection{
		ProviderID:      "gocardless",
		IntegrationType: domain.IntegrationOAuthRedirect,
		OAuthState:      "state-abc",
		SyncEnabled:     true,
	}
	require.NoError(t, repo.Create(scope, c))

	got, err := repo.ConsumeOAuthState("state-abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.ID, got.ID)
	assert.Empty(t, got.OAuthState)

	// Replay finds nothing.
	replay, err := repo.ConsumeOAuthState("state-abc")
	require.NoError(t, err)
	assert.Nil(t, replay)

	// Unknown state finds nothing.
	forged, err := repo.ConsumeOAuthState("state-forged")
	require.NoError(t, err)
	assert.Nil(t, forged)
}

func TestConsumeOAuthStateIgnoresNonPending(t *testing.T) {
	repo, scope := testRepo(t)

	c := &domain.Connection{
		ProviderID:      "gocardless",
		IntegrationType: domain.IntegrationOAuthRedirect,
		OAuthState:      "state-xyz",
	}
	require.NoError(t, repo.Create(scope, c))
	require.NoError(t, repo.SetStatus(c.ID, domain.ConnectionRevoked, ""))

	got, err := repo.ConsumeOAuthState("state-xyz")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListReadyOrderingAndFilters(t *testing.T) {
	repo, scope := testRepo(t)
	now := time.Now().UTC()

	overdue := newConn(t, repo, scope, domain.ScheduleHourly)
	require.NoError(t, repo.DeferNext(overdue.ID, now.Add(-2*time.Hour)))

	lessOverdue := newConn(t, repo, scope, domain.ScheduleHourly)
	require.NoError(t, repo.DeferNext(lessOverdue.ID, now.Add(-time.Hour)))

	future := newConn(t, repo, scope, domain.ScheduleHourly)
	require.NoError(t, repo.DeferNext(future.ID, now.Add(time.Hour)))

	disabled := newConn(t, repo, scope, domain.ScheduleHourly)
	require.NoError(t, repo.UpdateSchedule(disabled.ID, domain.ScheduleHourly, false))

	revoked := newConn(t, repo, scope, domain.ScheduleHourly)
	require.NoError(t, repo.SetStatus(revoked.ID, domain.ConnectionRevoked, ""))

	leased := newConn(t, repo, scope, domain.ScheduleHourly)
	require.NoError(t, repo.DeferNext(leased.ID, now.Add(-time.Hour)))
	ok, err := repo.AcquireLease(leased.ID, 10*time.Minute, now)
	require.NoError(t, err)
	require.True(t, ok)

	otherBucket := newConn(t, repo, scope, domain.ScheduleDaily)
	require.NoError(t, repo.DeferNext(otherBucket.ID, now.Add(-time.Hour)))

	ready, err := repo.ListReady(domain.ScheduleHourly, now, 100)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, overdue.ID, ready[0].ID)
	assert.Equal(t, lessOverdue.ID, ready[1].ID)
}

func TestListReadyPrioritizesUnhealthyOnTie(t *testing.T) {
	repo, scope := testRepo(t)
	now := time.Now().UTC()
	due := now.Add(-time.Hour)

	healthy := newConn(t, repo, scope, domain.ScheduleHourly)
	require.NoError(t, repo.DeferNext(healthy.ID, due))

	sick := newConn(t, repo, scope, domain.ScheduleHourly)
	require.NoError(t, repo.DeferNext(sick.ID, due))
	require.NoError(t, repo.SetHealthScore(sick.ID, 30))

	ready, err := repo.ListReady(domain.ScheduleHourly, now, 100)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, sick.ID, ready[0].ID)
}

func TestRecordOutcomeSuccessResetsFailureStreak(t *testing.T) {
	repo, scope := testRepo(t)
	now := time.Now().UTC()
	c := newConn(t, repo, scope, domain.ScheduleHourly)

	require.NoError(t, repo.RecordOutcome(c.ID, Outcome{Success: false, Error: "boom"}, now))
	require.NoError(t, repo.RecordOutcome(c.ID, Outcome{Success: false, Error: "boom"}, now))

	mid, err := repo.GetAny(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, mid.ConsecutiveFailures)
	assert.Equal(t, "boom", mid.LastError)

	require.NoError(t, repo.RecordOutcome(c.ID, Outcome{Success: true}, now))

	after, err := repo.GetAny(c.ID)
	require.NoError(t, err)
	assert.Zero(t, after.ConsecutiveFailures)
	assert.Empty(t, after.LastError)
	assert.Equal(t, domain.ConnectionActive, after.Status)
	require.NotNil(t, after.LastSuccessAt)
	require.NotNil(t, after.NextSyncAt)
	assert.WithinDuration(t, now.Add(time.Hour), *after.NextSyncAt, time.Second)
}

func TestRecordOutcomeFailureDefersWithBackoff(t *testing.T) {
	repo, scope := testRepo(t)
	now := time.Now().UTC()
	c := newConn(t, repo, scope, domain.ScheduleHourly)

	require.NoError(t, repo.RecordOutcome(c.ID, Outcome{Success: false, Error: "flap"}, now))
	require.NoError(t, repo.RecordOutcome(c.ID, Outcome{Success: false, Error: "flap"}, now))

	after, err := repo.GetAny(c.ID)
	require.NoError(t, err)
	require.NotNil(t, after.NextSyncAt)
	// interval + backoff(2 failures) = 1h + 2h
	assert.WithinDuration(t, now.Add(3*time.Hour), *after.NextSyncAt, time.Second)
}

func TestRecordOutcomeSuccessDoesNotReviveRevoked(t *testing.T) {
	repo, scope := testRepo(t)
	c := newConn(t, repo, scope, domain.ScheduleHourly)
	require.NoError(t, repo.SetStatus(c.ID, domain.ConnectionRevoked, ""))

	require.NoError(t, repo.RecordOutcome(c.ID, Outcome{Success: true}, time.Now().UTC()))

	after, err := repo.GetAny(c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionRevoked, after.Status)
}

func TestBackoffCapsAtEightIntervals(t *testing.T) {
	interval := domain.ScheduleHourly.Interval()

	assert.Equal(t, time.Duration(0), Backoff(domain.ScheduleHourly, 0))
	assert.Equal(t, interval, Backoff(domain.ScheduleHourly, 1))
	assert.Equal(t, 2*interval, Backoff(domain.ScheduleHourly, 2))
	assert.Equal(t, 4*interval, Backoff(domain.ScheduleHourly, 3))
	assert.Equal(t, 8*interval, Backoff(domain.ScheduleHourly, 4))
	assert.Equal(t, 8*interval, Backoff(domain.ScheduleHourly, 10))
}

func TestLeaseLifecycle(t *testing.T) {
	repo, scope := testRepo(t)
	now := time.Now().UTC()
	c := newConn(t, repo, scope, domain.ScheduleHourly)

	ok, err := repo.AcquireLease(c.ID, 10*time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second acquire while held fails without blocking.
	ok, err = repo.AcquireLease(c.ID, 10*time.Minute, now)
	require.NoError(t, err)
	assert.False(t, ok)

	// An expired lease is claimable: a crashed worker cannot wedge the
	// connection.
	ok, err = repo.AcquireLease(c.ID, 10*time.Minute, now.Add(11*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.ReleaseLease(c.ID))
	ok, err = repo.AcquireLease(c.ID, 10*time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestViewerCannotCreateConnections(t *testing.T) {
	repo, scope := testRepo(t)

	viewer := scope
	viewer.Role = domain.RoleViewer

	err := repo.Create(viewer, &domain.Connection{ProviderID: "gocardless"})
	assert.ErrorIs(t, err, domain.ErrTenantIsolation)
}

func TestGetIsTenantScoped(t *testing.T) {
	repo, scope := testRepo(t)
	c := newConn(t, repo, scope, domain.ScheduleDaily)

	other := scope
	other.TenantID = "some-other-tenant"

	got, err := repo.Get(other, c.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = repo.Get(scope, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.ID, got.ID)
}
