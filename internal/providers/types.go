// Package providers defines the adapter contract that banking provider
// integrations implement, the registry that resolves them by id, and the
// per-provider call gate (rate limit + concurrency cap).
package providers

import (
	"context"
	"time"

	"github.com/cofferbank/coffer/internal/domain"
)

// Granularity states whether a provider syncs per connection or per account.
type Granularity string

const (
	// GranularityConnection - one sync call covers every account on the
	// connection (Plaid-style cursor sync).
	GranularityConnection Granularity = "connection"
	// GranularityPerAccount - transactions are fetched account by account.
	GranularityPerAccount Granularity = "per_account"
)

// Descriptor is the static capability sheet of one provider integration.
type Descriptor struct {
	ID              string
	DisplayName     string
	IntegrationType domain.IntegrationType
	SyncGranularity Granularity

	// RequiredCredentialFields names the credential map entries a
	// direct-credentials provider needs. Empty for token-based providers.
	RequiredCredentialFields []string

	// SupportsRefresh reports whether RefreshAccessToken is implemented.
	SupportsRefresh bool
}

// Auth carries whichever secret material a provider call needs: an access
// token for OAuth/link providers, or the decrypted credential field map for
// direct-credentials providers. Never logged.
type Auth struct {
	AccessToken string
	Fields      map[string]string
}

// UserInfo is the provider-side identity attached to an authorization.
type UserInfo struct {
	ProviderUserID string
	InstitutionID  string
	Metadata       map[string]any
}

// RawAccount is an account exactly as a provider reports it, before
// canonicalization.
type RawAccount struct {
	ExternalAccountID string
	Name              string
	AccountType       string
	Currency          string
	Balance           int64 // minor units
	BalanceAvailable  int64
	IBAN              string
	InstitutionID     string
	Status            string
	Metadata          map[string]any
}

// RawTransactionRecord is a provider-shaped transaction destined for staging.
type RawTransactionRecord struct {
	ExternalTransactionID string
	ExternalAccountID     string
	Date                  time.Time
	ValueDate             *time.Time
	Amount                int64 // signed minor units, credit positive
	Currency              string
	Description           string
	MerchantName          string
	CounterpartyName      string
	CounterpartyIBAN      string
	Reference             string
	BookingStatus         domain.BookingStatus
	TypeCode              string
	Raw                   map[string]any
}

// TransactionsPage is one page of incremental sync results.
type TransactionsPage struct {
	Added      []RawTransactionRecord
	Modified   []RawTransactionRecord
	Removed    []string // external transaction ids
	NextCursor string
	HasMore    bool
}

// Adapter is the uniform surface the sync engine and connect flow use.
// Providers that do not support an operation return a permanent provider
// error rather than panicking.
type Adapter interface {
	Descriptor() Descriptor

	// GetAuthorizationURL builds the redirect URL for oauth_redirect
	// providers. state is the one-time CSRF token bound to the pending
	// connection.
	GetAuthorizationURL(state string) (string, error)

	// CreateLinkToken starts a link_token_exchange flow.
	CreateLinkToken(ctx context.Context, userID string) (string, error)

	// ExchangeCodeForToken converts a callback code (or public token) into
	// a durable token bundle.
	ExchangeCodeForToken(ctx context.Context, code string) (*domain.Tokens, error)

	// FetchUserInfo resolves the provider-side identity of an authorization.
	FetchUserInfo(ctx context.Context, auth Auth) (*UserInfo, error)

	// FetchRawAccounts lists the accounts visible to the authorization.
	FetchRawAccounts(ctx context.Context, auth Auth) ([]RawAccount, error)

	// SyncTransactions fetches one page of transaction changes. For
	// connection-granularity providers accountExternalID is empty; cursor is
	// the opaque value persisted after the previous page.
	SyncTransactions(ctx context.Context, auth Auth, accountExternalID, cursor string) (*TransactionsPage, error)

	// RefreshAccessToken exchanges a refresh token for a new bundle.
	RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.Tokens, error)
}
