package health

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferbank/coffer/internal/connections"
	"github.com/cofferbank/coffer/internal/database"
	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/tenancy"
)

func TestSampleRecordsTenantHealthAggregate(t *testing.T) {
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
	conns := connections.NewRepository(core.Conn(), log)

	tenants := tenancy.NewRepository(core.Conn(), log)
	tenant, err := tenants.CreateTenant("acme-treasury", "standard", "user-1", domain.TenantSettings{Currency: "EUR"})
	require.NoError(t, err)
	scope, err := tenants.ScopeFor(tenancy.Principal{UserID: "user-1"}, tenant.ID)
	require.NoError(t, err)

	for _, score := range []int{100, 40} {
		conn := &domain.Connection{
			ProviderID:      "gocardless",
			DisplayName:     "Feed",
			IntegrationType: domain.IntegrationOAuthRedirect,
			SyncSchedule:    domain.ScheduleDaily,
			SyncEnabled:     true,
		}
		require.NoError(t, conns.Create(scope, conn))
		require.NoError(t, conns.Activate(conn.ID))
		require.NoError(t, conns.SetHealthScore(conn.ID, score))
	}

	recorder := NewMetricsRecorder(ops.Conn(), nil, conns, log)
	require.NoError(t, recorder.Sample(time.Now().UTC()))

	latest, err := recorder.Latest()
	require.NoError(t, err)

	var tenantMetric *domain.SystemHealthMetric
	for i := range latest {
		if latest[i].MetricName == "tenant_connection_health_"+tenant.ID {
			tenantMetric = &latest[i]
		}
	}
	require.NotNil(t, tenantMetric, "expected a per-tenant health gauge")
	assert.Equal(t, float64(70), tenantMetric.Value)
	assert.Equal(t, "score", tenantMetric.Unit)
	assert.Equal(t, domain.HealthWarning, tenantMetric.Status)
}
