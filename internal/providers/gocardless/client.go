// Package gocardless integrates the GoCardless Bank Account Data API:
// OAuth-redirect authorization, per-account transaction listing, and
// refreshable token pairs.
package gocardless

import (
	"bytes"
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

// Client calls the GoCardless Bank Account Data REST API.
type Client struct {
	baseURL      string
	authorizeURL string
	clientID     string
	clientSecret string
	redirectURI  string
	client       *http.Client
	log          zerolog.Logger
}

// NewClient creates a GoCardless client.
func NewClient(clientID, clientSecret, redirectURI string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:      "https://bankaccountdata.gocardless.com/api/v2",
		authorizeURL: "https://bankaccountdata.gocardless.com/oauth/authorize",
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		client:       &http.Client{Timeout: 30 * time.Second},
		log:          log.With().Str("client", "gocardless").Logger(),
	}
}

// AuthorizationURL builds the end-user redirect URL carrying the one-time
// state token.
func (c *Client) AuthorizationURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("redirect_uri", c.redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", "accounts transactions")
	q.Set("state", state)
	return c.authorizeURL + "?" + q.Encode()
}

type tokenResponse struct {
	Access         string `json:"access"`
	AccessExpires  int    `json:"access_expires"` // seconds
	Refresh        string `json:"refresh"`
	RefreshExpires int    `json:"refresh_expires"`
}

// ExchangeCode converts a callback authorization code into a token pair.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*domain.Tokens, error) {
	var out tokenResponse
	err := c.postJSON(ctx, "/token/new/", map[string]any{
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
		"code":          code,
		"redirect_uri":  c.redirectURI,
		"grant_type":    "authorization_code",
	}, &out, "")
	if err != nil {
		return nil, err
	}
	return out.toTokens(), nil
}

// RefreshToken exchanges a refresh token for a new access token. GoCardless
// does not rotate the refresh token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*domain.Tokens, error) {
	var out tokenResponse
	err := c.postJSON(ctx, "/token/refresh/", map[string]any{
		"refresh": refreshToken,
	}, &out, "")
	if err != nil {
		return nil, err
	}
	return out.toTokens(), nil
}

func (t tokenResponse) toTokens() *domain.Tokens {
	tokens := &domain.Tokens{
		AccessToken:  t.Access,
		RefreshToken: t.Refresh,
		TokenType:    "bearer",
	}
	if t.AccessExpires > 0 {
		exp := time.Now().UTC().Add(time.Duration(t.AccessExpires) * time.Second)
		tokens.ExpiresAt = &exp
	}
	return tokens
}

type accountDetail struct {
	ID            string `json:"id"`
	IBAN          string `json:"iban"`
	Currency      string `json:"currency"`
	OwnerName     string `json:"owner_name"`
	Name          string `json:"name"`
	Product       string `json:"product"`
	Status        string `json:"status"`
	InstitutionID string `json:"institution_id"`
}

type balanceAmount struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// ListAccounts returns the accounts covered by the authorization with their
// current balances.
func (c *Client) ListAccounts(ctx context.Context, accessToken string) ([]accountDetail, map[string]balanceAmount, error) {
	var listing struct {
		Accounts []accountDetail `json:"accounts"`
	}
	if err := c.getJSON(ctx, "/accounts/", &listing, accessToken); err != nil {
		return nil, nil, err
	}

	balances := make(map[string]balanceAmount, len(listing.Accounts))
	for _, acc := range listing.Accounts {
		var out struct {
			Balances []struct {
				BalanceAmount balanceAmount `json:"balanceAmount"`
				BalanceType   string        `json:"balanceType"`
			} `json:"balances"`
		}
		err := c.getJSON(ctx, fmt.Sprintf("/accounts/%s/balances/", acc.ID), &out, accessToken)
		if err != nil {
			return nil, nil, err
		}
		for _, b := range out.Balances {
			if b.BalanceType == "interimAvailable" || len(out.Balances) == 1 {
				balances[acc.ID] = b.BalanceAmount
			}
		}
	}

	return listing.Accounts, balances, nil
}

type bankTransaction struct {
	TransactionID     string        `json:"transactionId"`
	BookingDate       string        `json:"bookingDate"`
	ValueDate         string        `json:"valueDate"`
	TransactionAmount balanceAmount `json:"transactionAmount"`
	CreditorName      string        `json:"creditorName"`
	CreditorIBAN      string        `json:"creditorAccount,omitempty"`
	DebtorName        string        `json:"debtorName"`
	Remittance        string        `json:"remittanceInformationUnstructured"`
	BankTransactionCode string      `json:"bankTransactionCode"`
	EndToEndID        string        `json:"endToEndId"`
}

type transactionsResponse struct {
	Transactions struct {
		Booked  []bankTransaction `json:"booked"`
		Pending []bankTransaction `json:"pending"`
	} `json:"transactions"`
}

// GetTransactions lists an account's transactions from dateFrom (inclusive).
// An empty dateFrom fetches the provider's full available history.
func (c *Client) GetTransactions(ctx context.Context, accessToken, accountID, dateFrom string) (*transactionsResponse, error) {
	path := fmt.Sprintf("/accounts/%s/transactions/", accountID)
	if dateFrom != "" {
		path += "?date_from=" + url.QueryEscape(dateFrom)
	}

	var out transactionsResponse
	if err := c.getJSON(ctx, path, &out, accessToken); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body map[string]any, out any, accessToken string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return domain.TransientProviderError("gocardless", 0, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.TransientProviderError("gocardless", resp.StatusCode, "failed to read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: gocardless status %d: %s", domain.ErrAuthFailure, resp.StatusCode, summarize(raw))
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: gocardless status 429", domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		return domain.TransientProviderError("gocardless", resp.StatusCode, summarize(raw), nil)
	case resp.StatusCode >= 400:
		return domain.PermanentProviderError("gocardless", resp.StatusCode, summarize(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return domain.TransientProviderError("gocardless", resp.StatusCode, "failed to parse response", err)
	}
	return nil
}

func summarize(raw []byte) string {
	var body struct {
		Summary string `json:"summary"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != "" {
		return body.Detail
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}
