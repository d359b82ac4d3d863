package plaid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/providers"
)

func testAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient("client-id", "client-secret", "sandbox", zerolog.Nop())
	client.baseURL = srv.URL
	return NewAdapter(client, zerolog.Nop())
}

func TestDescriptor(t *testing.T) {
	a := NewAdapter(NewClient("id", "secret", "sandbox", zerolog.Nop()), zerolog.Nop())
	d := a.Descriptor()

	assert.Equal(t, "plaid", d.ID)
	assert.Equal(t, domain.IntegrationLinkTokenExchange, d.IntegrationType)
	assert.Equal(t, providers.GranularityConnection, d.SyncGranularity)
	assert.False(t, d.SupportsRefresh)
}

func TestExchangeCodeForToken(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/item/public_token/exchange", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "client-id", body["client_id"])
		assert.Equal(t, "public-sandbox-123", body["public_token"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-sandbox-456",
			"item_id":      "item-1",
		})
	})

	tokens, err := a.ExchangeCodeForToken(context.Background(), "public-sandbox-123")
	require.NoError(t, err)
	assert.Equal(t, "access-sandbox-456", tokens.AccessToken)
	assert.Empty(t, tokens.RefreshToken)
	assert.Nil(t, tokens.ExpiresAt)
}

func TestFetchRawAccountsConvertsToMinorUnits(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/get", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accounts": []map[string]any{{
				"account_id": "acc-1",
				"name":       "Operating",
				"type":       "depository",
				"subtype":    "checking",
				"balances": map[string]any{
					"current":           1250.50,
					"available":         1200.25,
					"iso_currency_code": "USD",
				},
			}},
			"item": map[string]any{"item_id": "item-1", "institution_id": "ins_42"},
		})
	})

	accounts, err := a.FetchRawAccounts(context.Background(), providers.Auth{AccessToken: "tok"})
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, int64(125050), accounts[0].Balance)
	assert.Equal(t, int64(120025), accounts[0].BalanceAvailable)
	assert.Equal(t, "ins_42", accounts[0].InstitutionID)
	assert.Equal(t, "checking", accounts[0].AccountType)
}

func TestSyncTransactionsMapsPageAndSign(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions/sync", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cursor-1", body["cursor"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"added": []map[string]any{{
				"transaction_id":    "tx-1",
				"account_id":        "acc-1",
				"amount":            42.00, // Plaid positive = outflow
				"iso_currency_code": "USD",
				"date":              "2026-08-20",
				"name":              "ACME SaaS",
				"pending":           false,
			}},
			"modified": []map[string]any{{
				"transaction_id":    "tx-2",
				"account_id":        "acc-1",
				"amount":            -10.00, // inflow
				"iso_currency_code": "USD",
				"date":              "2026-08-21",
				"name":              "Refund",
				"pending":           true,
			}},
			"removed":     []map[string]any{{"transaction_id": "tx-3"}},
			"next_cursor": "cursor-2",
			"has_more":    true,
		})
	})

	page, err := a.SyncTransactions(context.Background(), providers.Auth{AccessToken: "tok"}, "", "cursor-1")
	require.NoError(t, err)

	require.Len(t, page.Added, 1)
	assert.Equal(t, int64(-4200), page.Added[0].Amount)
	assert.Equal(t, domain.BookingBooked, page.Added[0].BookingStatus)

	require.Len(t, page.Modified, 1)
	assert.Equal(t, int64(1000), page.Modified[0].Amount)
	assert.Equal(t, domain.BookingPending, page.Modified[0].BookingStatus)

	assert.Equal(t, []string{"tx-3"}, page.Removed)
	assert.Equal(t, "cursor-2", page.NextCursor)
	assert.True(t, page.HasMore)
}

func TestAuthErrorsMapToAuthFailure(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error_type":    "ITEM_ERROR",
			"error_code":    "ITEM_LOGIN_REQUIRED",
			"error_message": "the login details of this item have changed",
		})
	})

	_, err := a.SyncTransactions(context.Background(), providers.Auth{AccessToken: "tok"}, "", "")
	assert.ErrorIs(t, err, domain.ErrAuthFailure)
}

func TestRateLimitMapsToRateLimited(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error_type": "RATE_LIMIT_EXCEEDED",
			"error_code": "TRANSACTIONS_LIMIT",
		})
	})

	_, err := a.SyncTransactions(context.Background(), providers.Auth{AccessToken: "tok"}, "", "")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestServerErrorIsTransient(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := a.SyncTransactions(context.Background(), providers.Auth{AccessToken: "tok"}, "", "")

	var pe *domain.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Retryable)
}

func TestUnsupportedOperations(t *testing.T) {
	a := NewAdapter(NewClient("id", "secret", "sandbox", zerolog.Nop()), zerolog.Nop())

	_, err := a.GetAuthorizationURL("state")
	var pe *domain.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.Retryable)

	_, err = a.RefreshAccessToken(context.Background(), "refresh")
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.Retryable)
}
