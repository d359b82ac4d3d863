package connections

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/audit"
	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/providers"
	"github.com/cofferbank/coffer/internal/reconnect"
	"github.com/cofferbank/coffer/internal/tenancy"
	"github.com/cofferbank/coffer/internal/vault"
)

// SyncFunc triggers a sync run for a connection. Wired to the sync engine at
// startup; kept as a function type so the connect flow does not depend on the
// engine package.
type SyncFunc func(ctx context.Context, connectionID, trigger string) error

// AuthorizationInit is the client-facing result of starting a connect flow.
type AuthorizationInit struct {
	ConnectionID     string `json:"connection_id"`
	AuthorizationURL string `json:"authorization_url,omitempty"`
	LinkToken        string `json:"link_token,omitempty"`
}

// CallbackResult summarizes a completed OAuth callback.
type CallbackResult struct {
	ConnectionID     string `json:"connection_id"`
	Reconnection     bool   `json:"reconnection"`
	ReconnectedFrom  string `json:"reconnected_from,omitempty"`
	MatchConfidence  string `json:"match_confidence,omitempty"`
	RelinkedAccounts int    `json:"relinked_accounts"`
}

// Service drives the connection lifecycle: authorization start, OAuth
// callback handling, direct-credential enrollment, and revocation.
type Service struct {
	repo     *Repository
	registry *providers.Registry
	tokens   *vault.TokenStore
	creds    *vault.CredentialStore
	detector *reconnect.Detector
	audit    *audit.Repository
	sync     SyncFunc
	log      zerolog.Logger
}

// NewService creates a connection lifecycle service.
func NewService(
	repo *Repository,
	registry *providers.Registry,
	tokens *vault.TokenStore,
	creds *vault.CredentialStore,
	detector *reconnect.Detector,
	aud *audit.Repository,
	log zerolog.Logger,
) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		tokens:   tokens,
		creds:    creds,
		detector: detector,
		audit:    aud,
		log:      log.With().Str("component", "connections_service").Logger(),
	}
}

// SetSyncFunc wires the first-sync trigger. Must be called before callbacks
// are served; without it new connections wait for their scheduled slot.
func (s *Service) SetSyncFunc(fn SyncFunc) { s.sync = fn }

// StartAuthorization creates a pending connection and returns what the
// client needs to continue: an authorization URL for redirect providers, a
// link token for token-exchange providers.
func (s *Service) StartAuthorization(ctx context.Context, scope tenancy.Scope, providerID, displayName string, schedule domain.SyncSchedule) (*AuthorizationInit, error) {
	adapter, err := s.registry.Get(providerID)
	if err != nil {
		return nil, err
	}
	descriptor := adapter.Descriptor()
	if descriptor.IntegrationType == domain.IntegrationDirectCredentials {
		return nil, fmt.Errorf("provider %s uses direct credentials; use CreateDirectConnection", providerID)
	}

	conn := &domain.Connection{
		ProviderID:      providerID,
		DisplayName:     displayName,
		IntegrationType: descriptor.IntegrationType,
		SyncSchedule:    schedule,
		SyncEnabled:     true,
		OAuthState:      uuid.NewString(),
		CreatedBy:       scope.UserID,
	}
	if err := s.repo.Create(scope, conn); err != nil {
		return nil, err
	}

	init := &AuthorizationInit{ConnectionID: conn.ID}
	switch descriptor.IntegrationType {
	case domain.IntegrationOAuthRedirect:
		url, err := adapter.GetAuthorizationURL(conn.OAuthState)
		if err != nil {
			return nil, err
		}
		init.AuthorizationURL = url
	case domain.IntegrationLinkTokenExchange:
		token, err := adapter.CreateLinkToken(ctx, scope.UserID)
		if err != nil {
			return nil, err
		}
		init.LinkToken = token
	default:
		return nil, fmt.Errorf("unsupported integration type %s for provider %s", descriptor.IntegrationType, providerID)
	}

	s.log.Info().
		Str("connection_id", conn.ID).
		Str("provider_id", providerID).
		Msg("Authorization started")
	return init, nil
}

// HandleCallback completes an OAuth flow: the one-time state selects the
// pending connection, the code is exchanged for tokens, accounts are fetched
// for reconnection detection, and the first sync is triggered.
//
// State consumption is atomic, so a replayed or forged callback finds no
// pending connection and is rejected.
func (s *Service) HandleCallback(ctx context.Context, providerID, state, code string) (*CallbackResult, error) {
	conn, err := s.repo.ConsumeOAuthState(state)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: unknown or already-used oauth state", domain.ErrAuthFailure)
	}
	if conn.ProviderID != providerID {
		return nil, fmt.Errorf("%w: state belongs to provider %s, callback came from %s",
			domain.ErrAuthFailure, conn.ProviderID, providerID)
	}

	adapter, err := s.registry.Get(providerID)
	if err != nil {
		return nil, err
	}

	tokens, err := adapter.ExchangeCodeForToken(ctx, code)
	if err != nil {
		if serr := s.repo.SetStatus(conn.ID, domain.ConnectionError, err.Error()); serr != nil {
			s.log.Error().Err(serr).Str("connection_id", conn.ID).Msg("Failed to record exchange failure")
		}
		return nil, err
	}

	auth := providers.Auth{AccessToken: tokens.AccessToken}
	var providerUserID string
	var metadata map[string]any
	if info, err := adapter.FetchUserInfo(ctx, auth); err == nil && info != nil {
		providerUserID = info.ProviderUserID
		metadata = info.Metadata
	}

	if err := s.tokens.Store(conn.ID, providerID, tokens, providerUserID, metadata); err != nil {
		return nil, err
	}
	if err := s.repo.Activate(conn.ID); err != nil {
		return nil, err
	}

	s.recordEvent(conn, domain.EventConnected, map[string]any{
		"provider_id":      providerID,
		"integration_type": string(conn.IntegrationType),
	})

	result := &CallbackResult{ConnectionID: conn.ID}

	scope := tenancy.SystemScope(conn.TenantID)
	rawAccounts, err := adapter.FetchRawAccounts(ctx, auth)
	if err != nil {
		// The link is established; account discovery is retried on the first
		// sync run.
		s.log.Warn().Err(err).Str("connection_id", conn.ID).Msg("Account fetch failed during callback")
	} else {
		detection, err := s.detector.Evaluate(scope, conn, rawAccounts, adapter.Descriptor().SyncGranularity)
		if err != nil {
			return nil, err
		}
		if detection.Confidence != "" {
			result.MatchConfidence = detection.Confidence
			result.RelinkedAccounts = detection.RelinkedAccounts
			if detection.PreviousConnectionID != "" && detection.Confidence == reconnect.ConfidenceHigh {
				result.Reconnection = true
				result.ReconnectedFrom = detection.PreviousConnectionID
			}
		}
	}

	s.triggerFirstSync(ctx, conn.ID)

	s.log.Info().
		Str("connection_id", conn.ID).
		Str("provider_id", providerID).
		Bool("reconnection", result.Reconnection).
		Msg("Connection established")
	return result, nil
}

// CreateDirectConnection enrolls a direct-credential provider: the required
// fields are validated and encrypted into the vault, and the connection goes
// straight to active.
func (s *Service) CreateDirectConnection(ctx context.Context, scope tenancy.Scope, providerID, displayName, environment string, fields map[string]string, schedule domain.SyncSchedule) (*domain.Connection, error) {
	adapter, err := s.registry.Get(providerID)
	if err != nil {
		return nil, err
	}
	descriptor := adapter.Descriptor()
	if descriptor.IntegrationType != domain.IntegrationDirectCredentials {
		return nil, fmt.Errorf("provider %s does not use direct credentials", providerID)
	}

	conn := &domain.Connection{
		ProviderID:      providerID,
		DisplayName:     displayName,
		IntegrationType: domain.IntegrationDirectCredentials,
		SyncSchedule:    schedule,
		SyncEnabled:     true,
		CreatedBy:       scope.UserID,
	}
	if err := s.repo.Create(scope, conn); err != nil {
		return nil, err
	}

	err = s.creds.Store(scope, conn.ID, providerID, environment, fields, descriptor.RequiredCredentialFields, "")
	if err != nil {
		// Field validation failed; do not leave a half-enrolled connection.
		if serr := s.repo.SetStatus(conn.ID, domain.ConnectionError, err.Error()); serr != nil {
			s.log.Error().Err(serr).Str("connection_id", conn.ID).Msg("Failed to record enrollment failure")
		}
		return nil, err
	}
	if err := s.repo.Activate(conn.ID); err != nil {
		return nil, err
	}
	conn.Status = domain.ConnectionActive

	s.recordEvent(conn, domain.EventConnected, map[string]any{
		"provider_id":      providerID,
		"integration_type": string(domain.IntegrationDirectCredentials),
		"environment":      environment,
	})
	s.triggerFirstSync(ctx, conn.ID)

	s.log.Info().
		Str("connection_id", conn.ID).
		Str("provider_id", providerID).
		Msg("Direct connection enrolled")
	return conn, nil
}

// Revoke permanently disconnects a connection: tokens and credentials are
// revoked in the vault and the connection leaves the scheduler's ready-set
// for good. Canonical data is retained.
func (s *Service) Revoke(scope tenancy.Scope, connectionID, reason string) error {
	if !scope.CanWrite() {
		return fmt.Errorf("%w: role %s cannot revoke connections", domain.ErrTenantIsolation, scope.Role)
	}

	conn, err := s.repo.Get(scope, connectionID)
	if err != nil {
		return err
	}
	if conn == nil {
		return fmt.Errorf("connection %s not found", connectionID)
	}

	if err := s.tokens.Revoke(conn.ID); err != nil {
		return err
	}
	if conn.IntegrationType == domain.IntegrationDirectCredentials {
		if err := s.creds.Delete(scope, conn.ID); err != nil {
			return err
		}
	}
	if err := s.repo.SetStatus(conn.ID, domain.ConnectionRevoked, ""); err != nil {
		return err
	}

	s.recordEvent(conn, domain.EventRevocation, map[string]any{
		"reason":     reason,
		"revoked_by": scope.UserID,
	})

	s.log.Info().
		Str("connection_id", conn.ID).
		Str("provider_id", conn.ProviderID).
		Msg("Connection revoked")
	return nil
}

func (s *Service) triggerFirstSync(ctx context.Context, connectionID string) {
	if s.sync == nil {
		return
	}
	if err := s.sync(ctx, connectionID, "initial_sync"); err != nil {
		s.log.Warn().Err(err).Str("connection_id", connectionID).Msg("First sync failed")
	}
}

func (s *Service) recordEvent(conn *domain.Connection, eventType domain.ConnectionEventType, payload map[string]any) {
	err := s.audit.RecordConnectionEvent(&domain.ConnectionHistoryEvent{
		TenantID:     conn.TenantID,
		ConnectionID: conn.ID,
		EventType:    eventType,
		Payload:      payload,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("connection_id", conn.ID).Msg("Failed to record connection event")
	}
}
