package gocardless

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/providers"
)

// syntheticCursorLayout is the date form used as this provider's sync cursor.
// GoCardless has no native cursor, so the cursor is the latest booking date
// seen; the next run re-fetches from that date and relies on idempotent
// staging to absorb the one-day overlap.
const syntheticCursorLayout = "2006-01-02"

// Adapter exposes GoCardless behind the uniform provider surface:
// oauth_redirect authorization, per-account sync, refreshable tokens.
type Adapter struct {
	client *Client
	log    zerolog.Logger
}

// NewAdapter creates a GoCardless adapter.
func NewAdapter(client *Client, log zerolog.Logger) *Adapter {
	return &Adapter{
		client: client,
		log:    log.With().Str("adapter", "gocardless").Logger(),
	}
}

// Descriptor returns GoCardless's capability sheet.
func (a *Adapter) Descriptor() providers.Descriptor {
	return providers.Descriptor{
		ID:              "gocardless",
		DisplayName:     "GoCardless Bank Account Data",
		IntegrationType: domain.IntegrationOAuthRedirect,
		SyncGranularity: providers.GranularityPerAccount,
		SupportsRefresh: true,
	}
}

// GetAuthorizationURL builds the end-user redirect URL.
func (a *Adapter) GetAuthorizationURL(state string) (string, error) {
	return a.client.AuthorizationURL(state), nil
}

// CreateLinkToken is not part of the OAuth redirect flow.
func (a *Adapter) CreateLinkToken(context.Context, string) (string, error) {
	return "", domain.PermanentProviderError("gocardless", 0, "link tokens not supported; use authorization URL")
}

// ExchangeCodeForToken converts the callback code into a token pair.
func (a *Adapter) ExchangeCodeForToken(ctx context.Context, code string) (*domain.Tokens, error) {
	return a.client.ExchangeCode(ctx, code)
}

// FetchUserInfo derives the authorization identity from the first account's
// institution; GoCardless exposes no standalone identity endpoint.
func (a *Adapter) FetchUserInfo(ctx context.Context, auth providers.Auth) (*providers.UserInfo, error) {
	accounts, _, err := a.client.ListAccounts(ctx, auth.AccessToken)
	if err != nil {
		return nil, err
	}

	info := &providers.UserInfo{}
	if len(accounts) > 0 {
		info.ProviderUserID = accounts[0].OwnerName
		info.InstitutionID = accounts[0].InstitutionID
	}
	return info, nil
}

// FetchRawAccounts lists the authorized accounts with balances.
func (a *Adapter) FetchRawAccounts(ctx context.Context, auth providers.Auth) ([]providers.RawAccount, error) {
	accounts, balances, err := a.client.ListAccounts(ctx, auth.AccessToken)
	if err != nil {
		return nil, err
	}

	result := make([]providers.RawAccount, 0, len(accounts))
	for _, acc := range accounts {
		name := acc.Name
		if name == "" {
			name = acc.OwnerName
		}
		raw := providers.RawAccount{
			ExternalAccountID: acc.ID,
			Name:              name,
			AccountType:       acc.Product,
			Currency:          acc.Currency,
			IBAN:              acc.IBAN,
			InstitutionID:     acc.InstitutionID,
			Status:            acc.Status,
			Metadata: map[string]any{
				"owner_name": acc.OwnerName,
				"product":    acc.Product,
			},
		}
		if bal, ok := balances[acc.ID]; ok {
			raw.Balance = parseAmount(bal.Amount)
			raw.BalanceAvailable = raw.Balance
		}
		result = append(result, raw)
	}
	return result, nil
}

// SyncTransactions fetches one account's transactions since the synthetic
// date cursor. The full result arrives as a single page.
func (a *Adapter) SyncTransactions(ctx context.Context, auth providers.Auth, accountExternalID, cursor string) (*providers.TransactionsPage, error) {
	resp, err := a.client.GetTransactions(ctx, auth.AccessToken, accountExternalID, cursor)
	if err != nil {
		return nil, err
	}

	page := &providers.TransactionsPage{NextCursor: cursor}

	latest := time.Time{}
	for _, tx := range resp.Transactions.Booked {
		rec := toRecord(tx, accountExternalID, domain.BookingBooked)
		page.Added = append(page.Added, rec)
		if rec.Date.After(latest) {
			latest = rec.Date
		}
	}
	for _, tx := range resp.Transactions.Pending {
		page.Added = append(page.Added, toRecord(tx, accountExternalID, domain.BookingPending))
	}

	if !latest.IsZero() {
		page.NextCursor = latest.Format(syntheticCursorLayout)
	}
	return page, nil
}

// RefreshAccessToken exchanges the refresh token for a new access token.
func (a *Adapter) RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.Tokens, error) {
	return a.client.RefreshToken(ctx, refreshToken)
}

func toRecord(tx bankTransaction, accountID string, booking domain.BookingStatus) providers.RawTransactionRecord {
	date, _ := time.Parse(syntheticCursorLayout, tx.BookingDate)

	rec := providers.RawTransactionRecord{
		ExternalTransactionID: tx.TransactionID,
		ExternalAccountID:     accountID,
		Date:                  date,
		Amount:                parseAmount(tx.TransactionAmount.Amount),
		Currency:              tx.TransactionAmount.Currency,
		Description:           tx.Remittance,
		Reference:             tx.EndToEndID,
		BookingStatus:         booking,
		TypeCode:              tx.BankTransactionCode,
		Raw: map[string]any{
			"transactionId":     tx.TransactionID,
			"bookingDate":       tx.BookingDate,
			"valueDate":         tx.ValueDate,
			"transactionAmount": map[string]any{"amount": tx.TransactionAmount.Amount, "currency": tx.TransactionAmount.Currency},
			"remittance":        tx.Remittance,
		},
	}

	if tx.ValueDate != "" {
		if vd, err := time.Parse(syntheticCursorLayout, tx.ValueDate); err == nil {
			rec.ValueDate = &vd
		}
	}
	// Counterparty: creditor for outflows, debtor for inflows.
	if rec.Amount < 0 {
		rec.CounterpartyName = tx.CreditorName
	} else {
		rec.CounterpartyName = tx.DebtorName
	}
	return rec
}

// parseAmount converts a decimal string like "-12.34" to signed minor units.
func parseAmount(s string) int64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(f * 100))
}
