package sella

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/providers"
)

// Adapter exposes Sella behind the uniform provider surface. Authorization
// is direct-credentials: the vault's decrypted field map rides in Auth.Fields
// and no OAuth operations apply.
type Adapter struct {
	client *Client
	log    zerolog.Logger
}

// NewAdapter creates a Sella adapter.
func NewAdapter(client *Client, log zerolog.Logger) *Adapter {
	return &Adapter{
		client: client,
		log:    log.With().Str("adapter", "sella").Logger(),
	}
}

// Descriptor returns Sella's capability sheet.
func (a *Adapter) Descriptor() providers.Descriptor {
	return providers.Descriptor{
		ID:              "sella",
		DisplayName:     "Banca Sella",
		IntegrationType: domain.IntegrationDirectCredentials,
		SyncGranularity: providers.GranularityPerAccount,
		RequiredCredentialFields: []string{
			FieldPSD2Key,
			FieldAccountsKey,
		},
		SupportsRefresh: false,
	}
}

// GetAuthorizationURL does not apply to direct-credentials providers.
func (a *Adapter) GetAuthorizationURL(string) (string, error) {
	return "", domain.PermanentProviderError("sella", 0, "authorization URL not supported; connection uses stored credentials")
}

// CreateLinkToken does not apply to direct-credentials providers.
func (a *Adapter) CreateLinkToken(context.Context, string) (string, error) {
	return "", domain.PermanentProviderError("sella", 0, "link tokens not supported")
}

// ExchangeCodeForToken does not apply to direct-credentials providers.
func (a *Adapter) ExchangeCodeForToken(context.Context, string) (*domain.Tokens, error) {
	return nil, domain.PermanentProviderError("sella", 0, "token exchange not supported")
}

// FetchUserInfo validates the credentials by listing accounts.
func (a *Adapter) FetchUserInfo(ctx context.Context, auth providers.Auth) (*providers.UserInfo, error) {
	accounts, err := a.client.ListAccounts(ctx, auth.Fields)
	if err != nil {
		return nil, err
	}

	info := &providers.UserInfo{InstitutionID: "sella"}
	if len(accounts) > 0 {
		info.ProviderUserID = accounts[0].AccountID
	}
	return info, nil
}

// FetchRawAccounts lists the accounts visible to the stored credentials.
func (a *Adapter) FetchRawAccounts(ctx context.Context, auth providers.Auth) ([]providers.RawAccount, error) {
	accounts, err := a.client.ListAccounts(ctx, auth.Fields)
	if err != nil {
		return nil, err
	}

	result := make([]providers.RawAccount, 0, len(accounts))
	for _, acc := range accounts {
		result = append(result, providers.RawAccount{
			ExternalAccountID: acc.AccountID,
			Name:              acc.Alias,
			AccountType:       acc.ProductType,
			Currency:          acc.Currency,
			Balance:           acc.Balance.Booked,
			BalanceAvailable:  acc.Balance.Available,
			IBAN:              acc.IBAN,
			InstitutionID:     "sella",
			Status:            acc.Status,
		})
	}
	return result, nil
}

// SyncTransactions fetches one continuation-token page for the account.
func (a *Adapter) SyncTransactions(ctx context.Context, auth providers.Auth, accountExternalID, cursor string) (*providers.TransactionsPage, error) {
	resp, err := a.client.GetTransactions(ctx, auth.Fields, accountExternalID, cursor)
	if err != nil {
		return nil, err
	}

	page := &providers.TransactionsPage{
		NextCursor: resp.ContinuationToken,
		HasMore:    resp.ContinuationToken != "" && len(resp.Transactions) > 0,
	}
	for _, tx := range resp.Transactions {
		page.Added = append(page.Added, toRecord(tx, accountExternalID))
	}
	return page, nil
}

// RefreshAccessToken does not apply to direct-credentials providers.
func (a *Adapter) RefreshAccessToken(context.Context, string) (*domain.Tokens, error) {
	return nil, domain.PermanentProviderError("sella", 0, "token refresh not supported")
}

func toRecord(tx sellaTransaction, accountID string) providers.RawTransactionRecord {
	booking := domain.BookingBooked
	if tx.Status == "PENDING" {
		booking = domain.BookingPending
	}

	date, _ := time.Parse("2006-01-02", tx.BookingDate)

	rec := providers.RawTransactionRecord{
		ExternalTransactionID: tx.TransactionID,
		ExternalAccountID:     accountID,
		Date:                  date,
		Amount:                tx.Amount,
		Currency:              tx.Currency,
		Description:           tx.Description,
		CounterpartyName:      tx.Counterparty,
		CounterpartyIBAN:      tx.CounterpartyIBAN,
		Reference:             tx.Reference,
		BookingStatus:         booking,
		TypeCode:              tx.TypeCode,
		Raw: map[string]any{
			"transactionId": tx.TransactionID,
			"bookingDate":   tx.BookingDate,
			"valueDate":     tx.ValueDate,
			"amount":        tx.Amount,
			"currency":      tx.Currency,
			"description":   tx.Description,
			"status":        tx.Status,
		},
	}
	if tx.ValueDate != "" {
		if vd, err := time.Parse("2006-01-02", tx.ValueDate); err == nil {
			rec.ValueDate = &vd
		}
	}
	return rec
}
