package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferbank/coffer/internal/accounts"
	"github.com/cofferbank/coffer/internal/admin"
	"github.com/cofferbank/coffer/internal/audit"
	"github.com/cofferbank/coffer/internal/config"
	"github.com/cofferbank/coffer/internal/connections"
	"github.com/cofferbank/coffer/internal/database"
	"github.com/cofferbank/coffer/internal/domain"
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

// redirectAdapter is a stub OAuth provider for callback-flow tests.
type redirectAdapter struct{}

func (redirectAdapter) Descriptor() providers.Descriptor {
	return providers.Descriptor{
		ID:              "gocardless",
		DisplayName:     "GoCardless",
		IntegrationType: domain.IntegrationOAuthRedirect,
		SyncGranularity: providers.GranularityPerAccount,
		SupportsRefresh: true,
	}
}

func (redirectAdapter) GetAuthorizationURL(state string) (string, error) {
	return "https://consent.example.com/?state=" + state, nil
}

func (redirectAdapter) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	return "", domain.PermanentProviderError("gocardless", 0, "not supported")
}

func (redirectAdapter) ExchangeCodeForToken(ctx context.Context, code string) (*domain.Tokens, error) {
	return &domain.Tokens{AccessToken: "access-" + code, TokenType: "Bearer"}, nil
}

func (redirectAdapter) FetchUserInfo(ctx context.Context, auth providers.Auth) (*providers.UserInfo, error) {
	return &providers.UserInfo{ProviderUserID: "bank-user"}, nil
}

func (redirectAdapter) FetchRawAccounts(ctx context.Context, auth providers.Auth) ([]providers.RawAccount, error) {
	return nil, nil
}

func (redirectAdapter) SyncTransactions(ctx context.Context, auth providers.Auth, accountExternalID, cursor string) (*providers.TransactionsPage, error) {
	return &providers.TransactionsPage{NextCursor: cursor}, nil
}

func (redirectAdapter) RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.Tokens, error) {
	return &domain.Tokens{AccessToken: "refreshed", TokenType: "Bearer"}, nil
}

type serverFixture struct {
	srv      *Server
	conns    *connections.Repository
	tenantID string
}

func newServerFixture(t *testing.T) *serverFixture {
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
	copy(key, []byte("server-test-key-0123456789abcdef"))
	cipher, err := vault.NewCipher(key)
	require.NoError(t, err)

	tenants := tenancy.NewRepository(core.Conn(), log)
	conns := connections.NewRepository(core.Conn(), log)
	accs := accounts.NewRepository(core.Conn(), stg.Conn(), log)
	txs := transactions.NewRepository(core.Conn(), log)
	stgRepo := staging.NewRepository(stg.Conn(), log)
	jobsRepo := jobs.NewRepository(ops.Conn(), log)
	auditRepo := audit.NewRepository(ops.Conn(), log)
	tokens := vault.NewTokenStore(core.Conn(), cipher, 10*time.Second, log)
	creds := vault.NewCredentialStore(core.Conn(), cipher, log)

	registry := providers.NewRegistry(log)
	registry.Register(redirectAdapter{})

	detector := reconnect.NewDetector(conns, accs, txs, stgRepo, auditRepo, log)
	scorer := health.NewScorer(jobsRepo, conns, log)
	importer := syncengine.NewImporter(stgRepo, txs, accs, log)
	engine := syncengine.NewEngine(
		conns, stgRepo, accs, jobsRepo, tokens, creds,
		registry, providers.NewGateSet(), importer, scorer, auditRepo,
		syncengine.Config{RunDeadline: time.Minute, LeaseTTL: time.Minute}, log)

	connectSvc := connections.NewService(conns, registry, tokens, creds, detector, auditRepo, log)

	cfg := &config.Config{
		Port:           8040,
		TickSecret:     "tick-secret-1",
		WorkerPoolSize: 2,
		TickDeadline:   time.Minute,
		BatchHourly:    20,
		BatchDaily:     50,
		BatchDefault:   25,
	}
	dispatcher := scheduler.NewDispatcher(conns, engine, cfg, log)
	adminSvc := admin.NewService(conns, jobsRepo, engine, nil, nil, auditRepo,
		[]*database.DB{core, stg, ops}, log)

	srv := New(Config{
		Port:        cfg.Port,
		Log:         log,
		Config:      cfg,
		Tenancy:     tenants,
		Connections: conns,
		ConnectSvc:  connectSvc,
		Engine:      engine,
		Dispatcher:  dispatcher,
		Admin:       adminSvc,
		Jobs:        jobsRepo,
		Audit:       auditRepo,
		Databases:   []*database.DB{core, stg, ops},
	})

	tenant, err := tenants.CreateTenant("acme-treasury", "standard", "user-1", domain.TenantSettings{Currency: "EUR"})
	require.NoError(t, err)

	return &serverFixture{srv: srv, conns: conns, tenantID: tenant.ID}
}

func (f *serverFixture) request(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(w, r)
	return w
}

func (f *serverFixture) tenantHeaders() map[string]string {
	return map[string]string{"X-User-ID": "user-1", "X-Tenant-ID": f.tenantID}
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["databases"]["core"])
	assert.Equal(t, "ok", body["databases"]["ops"])
}

func TestTickRequiresSecret(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(http.MethodPost, "/api/scheduler/tick/hourly", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.request(http.MethodPost, "/api/scheduler/tick/hourly", "",
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.request(http.MethodPost, "/api/scheduler/tick/hourly", "",
		map[string]string{"Authorization": "Bearer tick-secret-1"})
	assert.Equal(t, http.StatusOK, w.Code)

	var summary scheduler.TickSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, "hourly", summary.Bucket)
}

func TestTickRejectsInvalidBucket(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(http.MethodPost, "/api/scheduler/tick/fortnightly", "",
		map[string]string{"Authorization": "Bearer tick-secret-1"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestConnectionEndpointsRequireTenantHeaders(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(http.MethodGet, "/api/connections/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// A user outside the tenant gets a 403.
	w = f.request(http.MethodGet, "/api/connections/", "",
		map[string]string{"X-User-ID": "stranger", "X-Tenant-ID": f.tenantID})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthorizeAndCallbackFlow(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(http.MethodPost, "/api/connections/authorize",
		`{"provider_id":"gocardless","display_name":"My Bank","schedule":"daily"}`,
		f.tenantHeaders())
	require.Equal(t, http.StatusCreated, w.Code)

	var init connections.AuthorizationInit
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &init))
	assert.NotEmpty(t, init.ConnectionID)
	require.Contains(t, init.AuthorizationURL, "state=")
	state := init.AuthorizationURL[strings.Index(init.AuthorizationURL, "state=")+len("state="):]

	w = f.request(http.MethodGet, "/api/callbacks/gocardless?state="+state+"&code=abc", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result connections.CallbackResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, init.ConnectionID, result.ConnectionID)

	// Replayed state is rejected.
	w = f.request(http.MethodGet, "/api/callbacks/gocardless?state="+state+"&code=abc", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetConnectionIsTenantScoped(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(http.MethodPost, "/api/connections/authorize",
		`{"provider_id":"gocardless","display_name":"My Bank","schedule":"daily"}`,
		f.tenantHeaders())
	require.Equal(t, http.StatusCreated, w.Code)
	var init connections.AuthorizationInit
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &init))

	w = f.request(http.MethodGet, "/api/connections/"+init.ConnectionID, "", f.tenantHeaders())
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.request(http.MethodGet, "/api/connections/does-not-exist", "", f.tenantHeaders())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminEndpointsRequireSuperAdmin(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(http.MethodGet, "/api/admin/connections", "",
		map[string]string{"X-User-ID": "user-1"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.request(http.MethodGet, "/api/admin/connections", "",
		map[string]string{"X-User-ID": "ops-1", "X-Super-Admin": "true"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminFleetHealth(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(http.MethodGet, "/api/admin/health", "",
		map[string]string{"X-User-ID": "ops-1", "X-Super-Admin": "true"})
	require.Equal(t, http.StatusOK, w.Code)

	var fh admin.FleetHealth
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fh))
	assert.Len(t, fh.Databases, 3)
}
