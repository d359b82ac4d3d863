package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferbank/coffer/internal/accounts"
	"github.com/cofferbank/coffer/internal/audit"
	"github.com/cofferbank/coffer/internal/config"
	"github.com/cofferbank/coffer/internal/connections"
	"github.com/cofferbank/coffer/internal/database"
	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/health"
	"github.com/cofferbank/coffer/internal/jobs"
	"github.com/cofferbank/coffer/internal/providers"
	"github.com/cofferbank/coffer/internal/staging"
	"github.com/cofferbank/coffer/internal/syncengine"
	"github.com/cofferbank/coffer/internal/tenancy"
	"github.com/cofferbank/coffer/internal/transactions"
	"github.com/cofferbank/coffer/internal/vault"
)

// tickAdapter is a no-transaction fake provider: every sync succeeds with an
// empty page.
type tickAdapter struct {
	mu    sync.Mutex
	calls int
	fail  bool
	delay time.Duration
}

func (a *tickAdapter) Descriptor() providers.Descriptor {
	return providers.Descriptor{
		ID:                       "fakebank",
		DisplayName:              "Fake Bank",
		IntegrationType:          domain.IntegrationDirectCredentials,
		SyncGranularity:          providers.GranularityConnection,
		RequiredCredentialFields: []string{"api_key"},
	}
}

func (a *tickAdapter) GetAuthorizationURL(state string) (string, error) {
	return "", domain.PermanentProviderError("fakebank", 0, "not supported")
}

func (a *tickAdapter) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	return "", domain.PermanentProviderError("fakebank", 0, "not supported")
}

func (a *tickAdapter) ExchangeCodeForToken(ctx context.Context, code string) (*domain.Tokens, error) {
	return nil, domain.PermanentProviderError("fakebank", 0, "not supported")
}

func (a *tickAdapter) FetchUserInfo(ctx context.Context, auth providers.Auth) (*providers.UserInfo, error) {
	return &providers.UserInfo{}, nil
}

func (a *tickAdapter) FetchRawAccounts(ctx context.Context, auth providers.Auth) ([]providers.RawAccount, error) {
	a.mu.Lock()
	a.calls++
	fail := a.fail
	delay := a.delay
	a.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, domain.TransientProviderError("fakebank", 502, "unavailable", nil)
	}
	return nil, nil
}

func (a *tickAdapter) SyncTransactions(ctx context.Context, auth providers.Auth, accountExternalID, cursor string) (*providers.TransactionsPage, error) {
	return &providers.TransactionsPage{NextCursor: cursor}, nil
}

func (a *tickAdapter) RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.Tokens, error) {
	return nil, domain.PermanentProviderError("fakebank", 0, "not supported")
}

type tickFixture struct {
	dispatcher *Dispatcher
	conns      *connections.Repository
	creds      *vault.CredentialStore
	adapter    *tickAdapter
	scope      tenancy.Scope
	cfg        *config.Config
}

func newTickFixture(t *testing.T) *tickFixture {
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
	stg := open("staging")
	ops := open("ops")

	log := zerolog.Nop()
	key := make([]byte, 32)
	copy(key, []byte("tick-test-key-0123456789abcdefgh"))
	cipher, err := vault.NewCipher(key)
	require.NoError(t, err)

	f := &tickFixture{
		conns:   connections.NewRepository(core.Conn(), log),
		creds:   vault.NewCredentialStore(core.Conn(), cipher, log),
		adapter: &tickAdapter{},
	}

	registry := providers.NewRegistry(log)
	registry.Register(f.adapter)

	accs := accounts.NewRepository(core.Conn(), stg.Conn(), log)
	txs := transactions.NewRepository(core.Conn(), log)
	stgRepo := staging.NewRepository(stg.Conn(), log)
	jobsRepo := jobs.NewRepository(ops.Conn(), log)
	tokens := vault.NewTokenStore(core.Conn(), cipher, 10*time.Second, log)
	auditRepo := audit.NewRepository(ops.Conn(), log)
	scorer := health.NewScorer(jobsRepo, f.conns, log)
	importer := syncengine.NewImporter(stgRepo, txs, accs, log)

	engine := syncengine.NewEngine(
		f.conns, stgRepo, accs, jobsRepo, tokens, f.creds,
		registry, providers.NewGateSet(), importer, scorer, auditRepo,
		syncengine.Config{RunDeadline: time.Minute, LeaseTTL: time.Minute}, log)

	f.cfg = &config.Config{
		WorkerPoolSize: 4,
		TickDeadline:   time.Minute,
		BatchHourly:    20,
		BatchDaily:     50,
		BatchDefault:   25,
	}
	f.dispatcher = NewDispatcher(f.conns, engine, f.cfg, log)

	tenants := tenancy.NewRepository(core.Conn(), log)
	tenant, err := tenants.CreateTenant("acme-treasury", "standard", "user-1", domain.TenantSettings{Currency: "EUR"})
	require.NoError(t, err)
	f.scope, err = tenants.ScopeFor(tenancy.Principal{UserID: "user-1"}, tenant.ID)
	require.NoError(t, err)

	return f
}

// dueConnection creates an active hourly connection whose next sync is
// already in the past.
func (f *tickFixture) dueConnection(t *testing.T) *domain.Connection {
	t.Helper()

	conn := &domain.Connection{
		ProviderID:      "fakebank",
		DisplayName:     "Fake Feed",
		IntegrationType: domain.IntegrationDirectCredentials,
		SyncSchedule:    domain.ScheduleHourly,
		SyncEnabled:     true,
	}
	require.NoError(t, f.conns.Create(f.scope, conn))
	require.NoError(t, f.conns.Activate(conn.ID))
	require.NoError(t, f.conns.DeferNext(conn.ID, time.Now().UTC().Add(-time.Hour)))
	require.NoError(t, f.creds.Store(f.scope, conn.ID, "fakebank", "production",
		map[string]string{"api_key": "k"}, []string{"api_key"}, ""))
	return conn
}

func TestTickDispatchesDueConnections(t *testing.T) {
	f := newTickFixture(t)
	a := f.dueConnection(t)
	b := f.dueConnection(t)

	summary, err := f.dispatcher.Tick(context.Background(), domain.ScheduleHourly)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Candidates)
	assert.Equal(t, 2, summary.Dispatched)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Zero(t, summary.Failed)

	for _, id := range []string{a.ID, b.ID} {
		conn, err := f.conns.GetAny(id)
		require.NoError(t, err)
		require.NotNil(t, conn.NextSyncAt)
		assert.True(t, conn.NextSyncAt.After(time.Now().UTC()))
	}
}

func TestTickAbsorbsPerConnectionFailures(t *testing.T) {
	f := newTickFixture(t)
	f.dueConnection(t)
	f.dueConnection(t)
	f.adapter.fail = true

	summary, err := f.dispatcher.Tick(context.Background(), domain.ScheduleHourly)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Dispatched)
	assert.Equal(t, 2, summary.Failed)
	assert.Zero(t, summary.Succeeded)
}

func TestTickRespectsBatchLimit(t *testing.T) {
	f := newTickFixture(t)
	f.cfg.BatchHourly = 1
	f.dueConnection(t)
	f.dueConnection(t)

	summary, err := f.dispatcher.Tick(context.Background(), domain.ScheduleHourly)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Candidates)
	assert.Equal(t, 1, summary.Dispatched)
}

func TestTickSkipsEmptyBucket(t *testing.T) {
	f := newTickFixture(t)
	f.dueConnection(t) // hourly, not daily

	summary, err := f.dispatcher.Tick(context.Background(), domain.ScheduleDaily)
	require.NoError(t, err)
	assert.Zero(t, summary.Candidates)
	assert.Zero(t, summary.Dispatched)
}

func TestTickDeadlineDoesNotAbortRunningSyncs(t *testing.T) {
	f := newTickFixture(t)
	f.cfg.TickDeadline = 30 * time.Millisecond
	f.adapter.delay = 120 * time.Millisecond
	c := f.dueConnection(t)

	summary, err := f.dispatcher.Tick(context.Background(), domain.ScheduleHourly)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Dispatched)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Zero(t, summary.Failed)

	// The run took at least the adapter delay; the summary reports wall
	// clock in milliseconds.
	assert.GreaterOrEqual(t, summary.DurationMS, int64(100))
	assert.Less(t, summary.DurationMS, int64(60_000))

	conn, err := f.conns.GetAny(c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionActive, conn.Status)
}

func TestTickRejectsInvalidBucket(t *testing.T) {
	f := newTickFixture(t)

	_, err := f.dispatcher.Tick(context.Background(), domain.SyncSchedule("fortnightly"))
	assert.Error(t, err)

	_, err = f.dispatcher.Tick(context.Background(), domain.ScheduleManual)
	assert.Error(t, err)
}
