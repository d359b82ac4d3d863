package vault

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/tenancy"
)

// CredentialStore persists direct-bank credential maps on core.db. Each
// connection holds at most one credential set; the named fields are sealed
// together as one msgpack blob.
type CredentialStore struct {
	db     *sql.DB
	cipher *Cipher
	log    zerolog.Logger
}

// NewCredentialStore creates a credential store.
func NewCredentialStore(db *sql.DB, cipher *Cipher, log zerolog.Logger) *CredentialStore {
	return &CredentialStore{
		db:     db,
		cipher: cipher,
		log:    log.With().Str("component", "credential_store").Logger(),
	}
}

// Store validates the supplied fields against the provider's required set,
// seals them, and upserts the connection's credential record.
func (s *CredentialStore) Store(scope tenancy.Scope, connectionID, providerID, environment string, fields map[string]string, required []string, notes string) error {
	if !scope.CanWrite() {
		return fmt.Errorf("%w: role %s cannot store credentials", domain.ErrTenantIsolation, scope.Role)
	}

	var missing []string
	for _, name := range required {
		if fields[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required credential fields for %s: %v", providerID, missing)
	}

	packed, err := msgpack.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode credential fields: %w", err)
	}
	sealed, err := s.cipher.Seal(packed)
	if err != nil {
		return fmt.Errorf("failed to seal credential fields: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO banking_provider_credentials (
			id, tenant_id, connection_id, provider_id, environment,
			encrypted_fields, notes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET
			environment = excluded.environment,
			encrypted_fields = excluded.encrypted_fields,
			notes = excluded.notes
	`, uuid.NewString(), scope.TenantID, connectionID, providerID, environment,
		sealed, notes, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	s.log.Info().
		Str("connection_id", connectionID).
		Str("provider_id", providerID).
		Int("field_count", len(fields)).
		Msg("Credentials stored")
	return nil
}

// Fields returns the decrypted credential map for a connection. Missing
// credentials surface as an auth failure so sync runs fail like a revoked
// token would.
func (s *CredentialStore) Fields(connectionID string) (map[string]string, error) {
	var sealed []byte
	err := s.db.QueryRow(`
		SELECT encrypted_fields FROM banking_provider_credentials WHERE connection_id = ?
	`, connectionID).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no credentials stored for connection %s",
			domain.ErrAuthFailure, connectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials for connection %s: %w", connectionID, err)
	}

	packed, err := s.cipher.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var fields map[string]string
	if err := msgpack.Unmarshal(packed, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode credential fields: %w", err)
	}
	return fields, nil
}

// Delete removes a connection's stored credentials.
func (s *CredentialStore) Delete(scope tenancy.Scope, connectionID string) error {
	if !scope.CanWrite() {
		return fmt.Errorf("%w: role %s cannot delete credentials", domain.ErrTenantIsolation, scope.Role)
	}

	_, err := s.db.Exec(`
		DELETE FROM banking_provider_credentials WHERE tenant_id = ? AND connection_id = ?
	`, scope.TenantID, connectionID)
	if err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}
