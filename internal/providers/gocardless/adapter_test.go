package gocardless

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
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

	client := NewClient("client-id", "client-secret", "https://app.coffer.example/callback", zerolog.Nop())
	client.baseURL = srv.URL
	return NewAdapter(client, zerolog.Nop())
}

func TestDescriptor(t *testing.T) {
	a := NewAdapter(NewClient("id", "secret", "uri", zerolog.Nop()), zerolog.Nop())
	d := a.Descriptor()

	assert.Equal(t, "gocardless", d.ID)
	assert.Equal(t, domain.IntegrationOAuthRedirect, d.IntegrationType)
	assert.Equal(t, providers.GranularityPerAccount, d.SyncGranularity)
	assert.True(t, d.SupportsRefresh)
}

func TestGetAuthorizationURLCarriesState(t *testing.T) {
	a := NewAdapter(NewClient("client-id", "secret", "https://app.coffer.example/callback", zerolog.Nop()), zerolog.Nop())

	raw, err := a.GetAuthorizationURL("state-token-123")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "state-token-123", u.Query().Get("state"))
	assert.Equal(t, "client-id", u.Query().Get("client_id"))
	assert.Equal(t, "https://app.coffer.example/callback", u.Query().Get("redirect_uri"))
}

func TestExchangeCodeForToken(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token/new/", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "auth-code-1", body["code"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access":          "access-1",
			"access_expires":  86400,
			"refresh":         "refresh-1",
			"refresh_expires": 2592000,
		})
	})

	tokens, err := a.ExchangeCodeForToken(context.Background(), "auth-code-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tokens.AccessToken)
	assert.Equal(t, "refresh-1", tokens.RefreshToken)
	require.NotNil(t, tokens.ExpiresAt)
}

func TestRefreshAccessTokenKeepsRefreshEmpty(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token/refresh/", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access":         "access-2",
			"access_expires": 86400,
		})
	})

	tokens, err := a.RefreshAccessToken(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", tokens.AccessToken)
	// No rotation: the caller keeps using the stored refresh token.
	assert.Empty(t, tokens.RefreshToken)
}

func TestSyncTransactionsSyntheticCursor(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/acc-1/transactions/", r.URL.Path)
		assert.Equal(t, "2026-08-01", r.URL.Query().Get("date_from"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"transactions": map[string]any{
				"booked": []map[string]any{
					{
						"transactionId": "tx-1",
						"bookingDate":   "2026-08-10",
						"valueDate":     "2026-08-11",
						"transactionAmount": map[string]any{
							"amount": "-120.50", "currency": "EUR",
						},
						"creditorName": "ACME SRL",
						"remittanceInformationUnstructured": "Invoice 42",
					},
					{
						"transactionId": "tx-2",
						"bookingDate":   "2026-08-15",
						"transactionAmount": map[string]any{
							"amount": "990.00", "currency": "EUR",
						},
						"debtorName": "Customer SpA",
					},
				},
				"pending": []map[string]any{{
					"transactionId": "tx-3",
					"bookingDate":   "2026-08-16",
					"transactionAmount": map[string]any{
						"amount": "-5.00", "currency": "EUR",
					},
				}},
			},
		})
	})

	page, err := a.SyncTransactions(context.Background(),
		providers.Auth{AccessToken: "tok"}, "acc-1", "2026-08-01")
	require.NoError(t, err)

	require.Len(t, page.Added, 3)
	assert.Equal(t, int64(-12050), page.Added[0].Amount)
	assert.Equal(t, "ACME SRL", page.Added[0].CounterpartyName)
	assert.Equal(t, domain.BookingBooked, page.Added[0].BookingStatus)
	require.NotNil(t, page.Added[0].ValueDate)

	assert.Equal(t, int64(99000), page.Added[1].Amount)
	assert.Equal(t, "Customer SpA", page.Added[1].CounterpartyName)

	assert.Equal(t, domain.BookingPending, page.Added[2].BookingStatus)

	// Cursor advances to the latest booked date; pending rows don't move it.
	assert.Equal(t, "2026-08-15", page.NextCursor)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.Removed)
}

func TestSyncTransactionsEmptyPageKeepsCursor(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"transactions": map[string]any{"booked": []any{}, "pending": []any{}},
		})
	})

	page, err := a.SyncTransactions(context.Background(),
		providers.Auth{AccessToken: "tok"}, "acc-1", "2026-08-01")
	require.NoError(t, err)
	assert.Empty(t, page.Added)
	assert.Equal(t, "2026-08-01", page.NextCursor)
}

func TestUnauthorizedMapsToAuthFailure(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"detail": "token expired"})
	})

	_, err := a.SyncTransactions(context.Background(),
		providers.Auth{AccessToken: "expired"}, "acc-1", "")
	assert.ErrorIs(t, err, domain.ErrAuthFailure)
}
