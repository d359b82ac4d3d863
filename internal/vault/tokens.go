package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/database"
	"github.com/cofferbank/coffer/internal/domain"
)

// refreshThreshold is how close to expiry a token must be before AccessToken
// refreshes it instead of returning it as-is.
const refreshThreshold = 60 * time.Second

// Refresher exchanges a refresh token for a new token bundle. Provider
// adapters satisfy this; the vault stays free of provider imports.
type Refresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.Tokens, error)
}

// TokenStore persists encrypted OAuth token bundles on core.db. At most one
// active token exists per connection; storing a new bundle revokes the old
// one in the same transaction.
type TokenStore struct {
	db             *sql.DB
	cipher         *Cipher
	refreshTimeout time.Duration
	log            zerolog.Logger
}

// NewTokenStore creates a token store. refreshTimeout bounds the provider
// call made during an expiry-driven refresh.
func NewTokenStore(db *sql.DB, cipher *Cipher, refreshTimeout time.Duration, log zerolog.Logger) *TokenStore {
	return &TokenStore{
		db:             db,
		cipher:         cipher,
		refreshTimeout: refreshTimeout,
		log:            log.With().Str("component", "token_store").Logger(),
	}
}

// Store seals and persists a token bundle as the connection's active token.
// Any previous active token for the connection is marked revoked in the same
// transaction, preserving the one-active-token invariant.
func (s *TokenStore) Store(connectionID, providerID string, tokens *domain.Tokens, providerUserID string, metadata map[string]any) error {
	accessCT, err := s.cipher.SealString(tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}

	var refreshCT []byte
	if tokens.RefreshToken != "" {
		refreshCT, err = s.cipher.SealString(tokens.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to seal refresh token: %w", err)
		}
	}

	scopesJSON, err := json.Marshal(orEmptySlice(tokens.Scopes))
	if err != nil {
		return fmt.Errorf("failed to marshal token scopes: %w", err)
	}
	metadataJSON, err := json.Marshal(orEmptyMap(metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal token metadata: %w", err)
	}

	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE provider_tokens SET status = 'revoked'
			WHERE connection_id = ? AND status = 'active'
		`, connectionID)
		if err != nil {
			return fmt.Errorf("failed to retire previous token: %w", err)
		}

		_, err = tx.Exec(`
			INSERT INTO provider_tokens (
				id, connection_id, provider_id, access_token, refresh_token,
				token_type, expires_at, scopes, provider_user_id,
				provider_metadata, status, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'active', ?)
		`, uuid.NewString(), connectionID, providerID, accessCT, refreshCT,
			orDefault(tokens.TokenType, "bearer"), formatNullableTime(tokens.ExpiresAt),
			string(scopesJSON), providerUserID, string(metadataJSON),
			time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to store token: %w", err)
		}
		return nil
	})
}

// AccessToken returns the connection's decrypted active token bundle,
// refreshing it through the adapter first when it is expired or expires
// within the refresh threshold. The refreshed bundle replaces the stored one
// before it is returned, so a crash mid-run never loses a rotated token.
func (s *TokenStore) AccessToken(ctx context.Context, connectionID, providerID string, refresher Refresher) (*domain.Tokens, error) {
	tokens, err := s.activeTokens(connectionID)
	if err != nil {
		return nil, err
	}

	if !tokens.ExpiresWithin(refreshThreshold, time.Now().UTC()) {
		return tokens, nil
	}

	if tokens.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token for connection %s expired and has no refresh token",
			domain.ErrAuthFailure, connectionID)
	}
	if refresher == nil {
		return nil, fmt.Errorf("%w: token for connection %s expired and provider cannot refresh",
			domain.ErrAuthFailure, connectionID)
	}

	refreshCtx, cancel := context.WithTimeout(ctx, s.refreshTimeout)
	defer cancel()

	refreshed, err := refresher.RefreshAccessToken(refreshCtx, tokens.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: refresh failed for connection %s: %v",
			domain.ErrAuthFailure, connectionID, err)
	}
	// Providers that rotate refresh tokens return the new one; those that
	// don't leave it empty and the old one stays valid.
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}

	if err := s.Store(connectionID, providerID, refreshed, "", nil); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	s.log.Info().Str("connection_id", connectionID).Msg("Access token refreshed")
	return refreshed, nil
}

// Revoke marks the connection's active token revoked. Subsequent AccessToken
// calls fail with domain.ErrTokenRevoked.
func (s *TokenStore) Revoke(connectionID string) error {
	_, err := s.db.Exec(`
		UPDATE provider_tokens SET status = 'revoked'
		WHERE connection_id = ? AND status = 'active'
	`, connectionID)
	if err != nil {
		return fmt.Errorf("failed to revoke token for connection %s: %w", connectionID, err)
	}
	return nil
}

// HasActive reports whether the connection has an active stored token.
func (s *TokenStore) HasActive(connectionID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM provider_tokens WHERE connection_id = ? AND status = 'active'
	`, connectionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check active token: %w", err)
	}
	return n > 0, nil
}

func (s *TokenStore) activeTokens(connectionID string) (*domain.Tokens, error) {
	var accessCT, refreshCT []byte
	var tokenType string
	var expiresAt sql.NullString
	var scopesJSON string

	err := s.db.QueryRow(`
		SELECT access_token, refresh_token, token_type, expires_at, scopes
		FROM provider_tokens
		WHERE connection_id = ? AND status = 'active'
	`, connectionID).Scan(&accessCT, &refreshCT, &tokenType, &expiresAt, &scopesJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: connection %s", domain.ErrTokenRevoked, connectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token for connection %s: %w", connectionID, err)
	}

	access, err := s.cipher.OpenString(accessCT)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}

	var refresh string
	if len(refreshCT) > 0 {
		refresh, err = s.cipher.OpenString(refreshCT)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
	}

	tokens := &domain.Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    tokenType,
	}
	if expiresAt.Valid && expiresAt.String != "" {
		if t, err := time.Parse(time.RFC3339, expiresAt.String); err == nil {
			tokens.ExpiresAt = &t
		}
	}
	_ = json.Unmarshal([]byte(scopesJSON), &tokens.Scopes)

	return tokens, nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func formatNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
