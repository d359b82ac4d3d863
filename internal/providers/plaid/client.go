// Package plaid integrates the Plaid aggregation API: link-token based
// authorization, item metadata, account listing, and cursor-native
// incremental transaction sync.
package plaid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/domain"
)

// Client calls the Plaid REST API. Client credentials ride in every request
// body per Plaid's convention.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	client       *http.Client
	log          zerolog.Logger
}

// NewClient creates a Plaid client for the given environment.
func NewClient(clientID, clientSecret, environment string, log zerolog.Logger) *Client {
	baseURL := "https://sandbox.plaid.com"
	if environment == "production" {
		baseURL = "https://production.plaid.com"
	}

	return &Client{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 30 * time.Second},
		log:          log.With().Str("client", "plaid").Logger(),
	}
}

type plaidError struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// post sends a JSON request with the client credentials merged in and decodes
// the response. Plaid errors are mapped onto the orchestrator's taxonomy.
func (c *Client) post(ctx context.Context, path string, body map[string]any, out any) error {
	if body == nil {
		body = map[string]any{}
	}
	body["client_id"] = c.clientID
	body["secret"] = c.clientSecret

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.TransientProviderError("plaid", 0, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.TransientProviderError("plaid", resp.StatusCode, "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return c.mapError(resp, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return domain.TransientProviderError("plaid", resp.StatusCode, "failed to parse response", err)
	}
	return nil
}

func (c *Client) mapError(resp *http.Response, raw []byte) error {
	var pe plaidError
	_ = json.Unmarshal(raw, &pe)

	switch {
	case pe.ErrorCode == "ITEM_LOGIN_REQUIRED" || pe.ErrorCode == "INVALID_ACCESS_TOKEN" ||
		pe.ErrorType == "INVALID_INPUT" && pe.ErrorCode == "INVALID_API_KEYS":
		return fmt.Errorf("%w: plaid %s: %s", domain.ErrAuthFailure, pe.ErrorCode, pe.ErrorMessage)
	case resp.StatusCode == http.StatusTooManyRequests || pe.ErrorType == "RATE_LIMIT_EXCEEDED":
		err := fmt.Errorf("%w: plaid %s", domain.ErrRateLimited, pe.ErrorCode)
		if after, parseErr := strconv.Atoi(resp.Header.Get("Retry-After")); parseErr == nil {
			return &domain.ProviderError{
				ProviderID: "plaid", StatusCode: resp.StatusCode,
				Message: pe.ErrorMessage, Retryable: true, RetryAfter: after, Err: err,
			}
		}
		return err
	case resp.StatusCode >= 500:
		return domain.TransientProviderError("plaid", resp.StatusCode, pe.ErrorMessage, nil)
	default:
		return domain.PermanentProviderError("plaid", resp.StatusCode,
			fmt.Sprintf("%s: %s", pe.ErrorCode, pe.ErrorMessage))
	}
}

// CreateLinkToken starts a Link session for the given end user.
func (c *Client) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	var out struct {
		LinkToken string `json:"link_token"`
	}
	err := c.post(ctx, "/link/token/create", map[string]any{
		"user":          map[string]any{"client_user_id": userID},
		"client_name":   "Coffer",
		"products":      []string{"transactions"},
		"country_codes": []string{"US", "GB", "IT", "DE", "FR", "ES", "NL"},
		"language":      "en",
	}, &out)
	if err != nil {
		return "", err
	}
	return out.LinkToken, nil
}

// ExchangePublicToken converts a Link public token into a durable access
// token and its item id.
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (accessToken, itemID string, err error) {
	var out struct {
		AccessToken string `json:"access_token"`
		ItemID      string `json:"item_id"`
	}
	err = c.post(ctx, "/item/public_token/exchange", map[string]any{
		"public_token": publicToken,
	}, &out)
	if err != nil {
		return "", "", err
	}
	return out.AccessToken, out.ItemID, nil
}

type item struct {
	ItemID        string `json:"item_id"`
	InstitutionID string `json:"institution_id"`
}

// GetItem fetches the item behind an access token.
func (c *Client) GetItem(ctx context.Context, accessToken string) (*item, error) {
	var out struct {
		Item item `json:"item"`
	}
	err := c.post(ctx, "/item/get", map[string]any{"access_token": accessToken}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Item, nil
}

type account struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Mask      string `json:"mask"`
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	Balances  struct {
		Current         *float64 `json:"current"`
		Available       *float64 `json:"available"`
		IsoCurrencyCode string   `json:"iso_currency_code"`
	} `json:"balances"`
}

// GetAccounts lists the accounts on the item.
func (c *Client) GetAccounts(ctx context.Context, accessToken string) ([]account, string, error) {
	var out struct {
		Accounts []account `json:"accounts"`
		Item     item      `json:"item"`
	}
	err := c.post(ctx, "/accounts/get", map[string]any{"access_token": accessToken}, &out)
	if err != nil {
		return nil, "", err
	}
	return out.Accounts, out.Item.InstitutionID, nil
}

type transaction struct {
	TransactionID string   `json:"transaction_id"`
	AccountID     string   `json:"account_id"`
	Amount        float64  `json:"amount"` // positive = outflow, Plaid convention
	IsoCurrency   string   `json:"iso_currency_code"`
	Date          string   `json:"date"`
	AuthorizedOn  string   `json:"authorized_date"`
	Name          string   `json:"name"`
	MerchantName  string   `json:"merchant_name"`
	Pending       bool     `json:"pending"`
	Category      []string `json:"category"`
}

type removedTransaction struct {
	TransactionID string `json:"transaction_id"`
}

// syncPage is one /transactions/sync response page.
type syncPage struct {
	Added      []transaction        `json:"added"`
	Modified   []transaction        `json:"modified"`
	Removed    []removedTransaction `json:"removed"`
	NextCursor string               `json:"next_cursor"`
	HasMore    bool                 `json:"has_more"`
}

// TransactionsSync fetches one page of transaction changes since the cursor.
// An empty cursor starts from the beginning of the item's history.
func (c *Client) TransactionsSync(ctx context.Context, accessToken, cursor string) (*syncPage, error) {
	body := map[string]any{
		"access_token": accessToken,
		"count":        250,
	}
	if cursor != "" {
		body["cursor"] = cursor
	}

	var out syncPage
	if err := c.post(ctx, "/transactions/sync", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
