// Package sella integrates the Banca Sella open banking API. Authorization
// is by client-supplied subscription keys rather than OAuth; transactions
// are fetched per account with continuation-token paging.
package sella

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/domain"
)

// Credential field names expected in the connection's credential map.
const (
	FieldPSD2Key     = "subscription_key_psd2"
	FieldAccountsKey = "subscription_key_accounts"
)

const pageSize = 200

// Client calls the Sella REST API. Subscription keys arrive per call from
// the credential vault; the client itself holds no secrets.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a Sella client for the given environment.
func NewClient(environment string, log zerolog.Logger) *Client {
	baseURL := "https://sandbox.gbsapi.tech/api/v1"
	if environment == "production" {
		baseURL = "https://gbsapi.tech/api/v1"
	}

	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("client", "sella").Logger(),
	}
}

type sellaAccount struct {
	AccountID   string `json:"accountId"`
	Alias       string `json:"alias"`
	IBAN        string `json:"iban"`
	Currency    string `json:"currency"`
	ProductType string `json:"productType"`
	Status      string `json:"status"`
	Balance     struct {
		Booked    int64 `json:"booked"`    // minor units
		Available int64 `json:"available"` // minor units
	} `json:"balance"`
}

// ListAccounts returns the accounts visible to the subscription keys.
func (c *Client) ListAccounts(ctx context.Context, keys map[string]string) ([]sellaAccount, error) {
	var out struct {
		Accounts []sellaAccount `json:"accounts"`
	}
	if err := c.get(ctx, "/accounts", nil, keys[FieldAccountsKey], &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

type sellaTransaction struct {
	TransactionID string `json:"transactionId"`
	BookingDate   string `json:"bookingDate"`
	ValueDate     string `json:"valueDate"`
	Amount        int64  `json:"amount"` // signed minor units
	Currency      string `json:"currency"`
	Description   string `json:"description"`
	Counterparty  string `json:"counterpartyName"`
	CounterpartyIBAN string `json:"counterpartyIban"`
	Reference     string `json:"reference"`
	Status        string `json:"status"` // BOOKED or PENDING
	TypeCode      string `json:"transactionTypeCode"`
}

type transactionsPage struct {
	Transactions      []sellaTransaction `json:"transactions"`
	ContinuationToken string             `json:"continuationToken"`
}

// GetTransactions fetches one page of an account's transactions. The
// continuation token from the previous page doubles as the sync cursor; an
// empty token starts from the oldest available record.
func (c *Client) GetTransactions(ctx context.Context, keys map[string]string, accountID, continuationToken string) (*transactionsPage, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", pageSize))
	if continuationToken != "" {
		q.Set("continuationToken", continuationToken)
	}

	var out transactionsPage
	path := fmt.Sprintf("/accounts/%s/transactions", url.PathEscape(accountID))
	if err := c.get(ctx, path, q, keys[FieldPSD2Key], &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, subscriptionKey string, out any) error {
	if subscriptionKey == "" {
		return fmt.Errorf("%w: sella subscription key missing", domain.ErrAuthFailure)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", subscriptionKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.TransientProviderError("sella", 0, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.TransientProviderError("sella", resp.StatusCode, "failed to read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: sella status %d", domain.ErrAuthFailure, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: sella status 429", domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		return domain.TransientProviderError("sella", resp.StatusCode, truncate(raw), nil)
	case resp.StatusCode >= 400:
		return domain.PermanentProviderError("sella", resp.StatusCode, truncate(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return domain.TransientProviderError("sella", resp.StatusCode, "failed to parse response", err)
	}
	return nil
}

func truncate(raw []byte) string {
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}
