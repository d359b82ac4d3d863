package plaid

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/providers"
)

// Adapter exposes Plaid behind the uniform provider surface. Plaid uses the
// link-token-exchange flow, syncs at connection granularity with a native
// cursor, and issues non-expiring access tokens.
type Adapter struct {
	client *Client
	log    zerolog.Logger
}

// NewAdapter creates a Plaid adapter.
func NewAdapter(client *Client, log zerolog.Logger) *Adapter {
	return &Adapter{
		client: client,
		log:    log.With().Str("adapter", "plaid").Logger(),
	}
}

// Descriptor returns Plaid's capability sheet.
func (a *Adapter) Descriptor() providers.Descriptor {
	return providers.Descriptor{
		ID:              "plaid",
		DisplayName:     "Plaid",
		IntegrationType: domain.IntegrationLinkTokenExchange,
		SyncGranularity: providers.GranularityConnection,
		SupportsRefresh: false,
	}
}

// GetAuthorizationURL is not part of the link-token flow.
func (a *Adapter) GetAuthorizationURL(string) (string, error) {
	return "", domain.PermanentProviderError("plaid", 0, "authorization URL not supported; use link token flow")
}

// CreateLinkToken starts a Link session.
func (a *Adapter) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	return a.client.CreateLinkToken(ctx, userID)
}

// ExchangeCodeForToken exchanges a Link public token. Plaid access tokens do
// not expire, so the bundle carries no expiry or refresh token.
func (a *Adapter) ExchangeCodeForToken(ctx context.Context, publicToken string) (*domain.Tokens, error) {
	accessToken, _, err := a.client.ExchangePublicToken(ctx, publicToken)
	if err != nil {
		return nil, err
	}
	return &domain.Tokens{AccessToken: accessToken, TokenType: "bearer"}, nil
}

// FetchUserInfo resolves the item behind the authorization.
func (a *Adapter) FetchUserInfo(ctx context.Context, auth providers.Auth) (*providers.UserInfo, error) {
	it, err := a.client.GetItem(ctx, auth.AccessToken)
	if err != nil {
		return nil, err
	}
	return &providers.UserInfo{
		ProviderUserID: it.ItemID,
		InstitutionID:  it.InstitutionID,
	}, nil
}

// FetchRawAccounts lists the item's accounts.
func (a *Adapter) FetchRawAccounts(ctx context.Context, auth providers.Auth) ([]providers.RawAccount, error) {
	accounts, institutionID, err := a.client.GetAccounts(ctx, auth.AccessToken)
	if err != nil {
		return nil, err
	}

	result := make([]providers.RawAccount, 0, len(accounts))
	for _, acc := range accounts {
		raw := providers.RawAccount{
			ExternalAccountID: acc.AccountID,
			Name:              acc.Name,
			AccountType:       acc.Subtype,
			Currency:          acc.Balances.IsoCurrencyCode,
			InstitutionID:     institutionID,
			Status:            "active",
			Metadata: map[string]any{
				"type":    acc.Type,
				"subtype": acc.Subtype,
				"mask":    acc.Mask,
			},
		}
		if acc.Balances.Current != nil {
			raw.Balance = toMinorUnits(*acc.Balances.Current)
		}
		if acc.Balances.Available != nil {
			raw.BalanceAvailable = toMinorUnits(*acc.Balances.Available)
		}
		result = append(result, raw)
	}
	return result, nil
}

// SyncTransactions fetches one native cursor page covering the whole
// connection; accountExternalID is ignored.
func (a *Adapter) SyncTransactions(ctx context.Context, auth providers.Auth, _ string, cursor string) (*providers.TransactionsPage, error) {
	page, err := a.client.TransactionsSync(ctx, auth.AccessToken, cursor)
	if err != nil {
		return nil, err
	}

	result := &providers.TransactionsPage{
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}
	for _, tx := range page.Added {
		result.Added = append(result.Added, toRecord(tx))
	}
	for _, tx := range page.Modified {
		result.Modified = append(result.Modified, toRecord(tx))
	}
	for _, r := range page.Removed {
		result.Removed = append(result.Removed, r.TransactionID)
	}
	return result, nil
}

// RefreshAccessToken is not supported: Plaid access tokens do not expire.
func (a *Adapter) RefreshAccessToken(context.Context, string) (*domain.Tokens, error) {
	return nil, domain.PermanentProviderError("plaid", 0, "token refresh not supported")
}

// toRecord maps a Plaid transaction to the staging shape. Plaid reports
// positive amounts for outflows; canonical amounts are credit-positive.
func toRecord(tx transaction) providers.RawTransactionRecord {
	booking := domain.BookingBooked
	if tx.Pending {
		booking = domain.BookingPending
	}

	date, _ := time.Parse("2006-01-02", tx.Date)

	category := ""
	if len(tx.Category) > 0 {
		category = tx.Category[len(tx.Category)-1]
	}

	return providers.RawTransactionRecord{
		ExternalTransactionID: tx.TransactionID,
		ExternalAccountID:     tx.AccountID,
		Date:                  date,
		Amount:                -toMinorUnits(tx.Amount),
		Currency:              tx.IsoCurrency,
		Description:           tx.Name,
		MerchantName:          tx.MerchantName,
		BookingStatus:         booking,
		TypeCode:              category,
		Raw: map[string]any{
			"transaction_id": tx.TransactionID,
			"account_id":     tx.AccountID,
			"amount":         tx.Amount,
			"date":           tx.Date,
			"name":           tx.Name,
			"pending":        tx.Pending,
			"category":       tx.Category,
		},
	}
}

func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
