// Package accounts provides the canonical account store. Accounts are
// tenant-scoped and either manual (no connection) or synced (linked to
// exactly one provider account through a connection).
package accounts

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/database"
	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/tenancy"
)

// Filters narrows List results.
type Filters struct {
	ConnectionID string
	AccountType  string
	Currency     string
}

// Repository handles canonical account persistence on core.db. The staging
// handle is needed to count provider-account referents on delete.
type Repository struct {
	db      *sql.DB // core.db
	staging *sql.DB // staging.db, provider_accounts referent counts
	log     zerolog.Logger
}

// NewRepository creates a new accounts repository.
func NewRepository(db, staging *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:      db,
		staging: staging,
		log:     log.With().Str("repository", "accounts").Logger(),
	}
}

const enrichedSelect = `
	SELECT a.id, a.account_id, a.tenant_id, COALESCE(a.entity_id, ''), a.account_name,
	       a.account_type, a.currency, a.balance_current, a.balance_available,
	       a.balance_ledger, a.iban, a.bic, a.bank_name, a.account_status,
	       COALESCE(a.connection_id, ''), COALESCE(a.provider_id, ''),
	       COALESCE(a.external_account_id, ''), a.created_by, a.created_at,
	       COALESCE(c.provider_id, ''), COALESCE(c.display_name, ''), COALESCE(c.status, '')
	FROM accounts a
	LEFT JOIN connections c ON c.id = a.connection_id
`

// List returns the tenant's accounts enriched with a connection snapshot.
// Manual accounts carry a nil snapshot (the join is left-outer).
func (r *Repository) List(scope tenancy.Scope, f Filters) ([]domain.EnrichedAccount, error) {
	query := enrichedSelect + ` WHERE a.tenant_id = ?`
	args := []interface{}{scope.TenantID}

	if f.ConnectionID != "" {
		query += ` AND a.connection_id = ?`
		args = append(args, f.ConnectionID)
	}
	if f.AccountType != "" {
		query += ` AND a.account_type = ?`
		args = append(args, f.AccountType)
	}
	if f.Currency != "" {
		query += ` AND a.currency = ?`
		args = append(args, f.Currency)
	}
	query += ` ORDER BY a.account_name`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var result []domain.EnrichedAccount
	for rows.Next() {
		ea, err := scanEnriched(rows)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan account row")
			continue
		}
		result = append(result, *ea)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return result, nil
}

// Get retrieves one account by surrogate id within the scope's tenant.
func (r *Repository) Get(scope tenancy.Scope, id string) (*domain.EnrichedAccount, error) {
	row := r.db.QueryRow(enrichedSelect+` WHERE a.tenant_id = ? AND a.id = ?`, scope.TenantID, id)
	ea, err := scanEnriched(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	return ea, nil
}

// GetByExternalID finds the canonical account linked to a provider account.
func (r *Repository) GetByExternalID(scope tenancy.Scope, connectionID, externalAccountID string) (*domain.EnrichedAccount, error) {
	row := r.db.QueryRow(enrichedSelect+`
		WHERE a.tenant_id = ? AND a.connection_id = ? AND a.external_account_id = ?`,
		scope.TenantID, connectionID, externalAccountID)
	ea, err := scanEnriched(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by external id: %w", err)
	}
	return ea, nil
}

// Create inserts a canonical account. Empty entity and connection references
// are normalized to NULL so manual accounts satisfy the schema invariant.
func (r *Repository) Create(scope tenancy.Scope, a *domain.Account) error {
	if !scope.CanWrite() {
		return fmt.Errorf("%w: role %s cannot create accounts", domain.ErrTenantIsolation, scope.Role)
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AccountID == "" {
		a.AccountID = a.ID
	}
	a.TenantID = scope.TenantID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(`
		INSERT INTO accounts (
			id, account_id, tenant_id, entity_id, account_name, account_type,
			currency, balance_current, balance_available, balance_ledger,
			iban, bic, bank_name, account_status, connection_id, provider_id,
			external_account_id, created_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.AccountID, a.TenantID, nullIfEmpty(a.EntityID), a.AccountName, a.AccountType,
		a.Currency, a.BalanceCurrent, a.BalanceAvailable, a.BalanceLedger,
		a.IBAN, a.BIC, a.BankName, a.AccountStatus, nullIfEmpty(a.ConnectionID), nullIfEmpty(a.ProviderID),
		nullIfEmpty(a.ExternalAccountID), a.CreatedBy, a.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// Update writes the mutable attributes of an account.
func (r *Repository) Update(scope tenancy.Scope, a *domain.Account) error {
	if !scope.CanWrite() {
		return fmt.Errorf("%w: role %s cannot update accounts", domain.ErrTenantIsolation, scope.Role)
	}

	res, err := r.db.Exec(`
		UPDATE accounts SET
			entity_id = ?, account_name = ?, account_type = ?, currency = ?,
			balance_current = ?, balance_available = ?, balance_ledger = ?,
			iban = ?, bic = ?, bank_name = ?, account_status = ?
		WHERE tenant_id = ? AND id = ?
	`, nullIfEmpty(a.EntityID), a.AccountName, a.AccountType, a.Currency,
		a.BalanceCurrent, a.BalanceAvailable, a.BalanceLedger,
		a.IBAN, a.BIC, a.BankName, a.AccountStatus,
		scope.TenantID, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", a.ID, err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("account %s not found in tenant %s", a.ID, scope.TenantID)
	}
	return nil
}

// UpdateBalances updates only the balance and status columns; used by the
// sync engine's accounts phase.
func (r *Repository) UpdateBalances(scope tenancy.Scope, id string, current, available, ledger int64, status string) error {
	_, err := r.db.Exec(`
		UPDATE accounts SET balance_current = ?, balance_available = ?, balance_ledger = ?, account_status = ?
		WHERE tenant_id = ? AND id = ?
	`, current, available, ledger, status, scope.TenantID, id)
	if err != nil {
		return fmt.Errorf("failed to update balances for account %s: %w", id, err)
	}
	return nil
}

// Relink points an account at a new connection. Used by the reconnection
// detector when a new authorization matches prior accounts.
func (r *Repository) Relink(scope tenancy.Scope, accountID, connectionID, providerID string) error {
	_, err := r.db.Exec(`
		UPDATE accounts SET connection_id = ?, provider_id = ?
		WHERE tenant_id = ? AND id = ?
	`, connectionID, providerID, scope.TenantID, accountID)
	if err != nil {
		return fmt.Errorf("failed to relink account %s: %w", accountID, err)
	}
	return nil
}

// Delete removes an account. It refuses when the account is referenced by
// any transaction or provider account; the error carries the blocking counts.
// The transaction count and the delete run in one core.db transaction so a
// sync importing rows concurrently cannot slip between check and delete.
func (r *Repository) Delete(scope tenancy.Scope, id string) error {
	if !scope.CanWrite() {
		return fmt.Errorf("%w: role %s cannot delete accounts", domain.ErrTenantIsolation, scope.Role)
	}

	var paCount int
	err := r.staging.QueryRow(`
		SELECT COUNT(*) FROM provider_accounts WHERE tenant_id = ? AND account_id = ?
	`, scope.TenantID, id).Scan(&paCount)
	if err != nil {
		return fmt.Errorf("failed to count provider account referents: %w", err)
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var txCount int
		err := tx.QueryRow(`
			SELECT COUNT(*) FROM transactions WHERE tenant_id = ? AND account_id = ?
		`, scope.TenantID, id).Scan(&txCount)
		if err != nil {
			return fmt.Errorf("failed to count transaction referents: %w", err)
		}

		if txCount > 0 || paCount > 0 {
			return &domain.AccountReferencedError{
				AccountID:        id,
				Transactions:     txCount,
				ProviderAccounts: paCount,
			}
		}

		res, err := tx.Exec(`DELETE FROM accounts WHERE tenant_id = ? AND id = ?`, scope.TenantID, id)
		if err != nil {
			return fmt.Errorf("failed to delete account %s: %w", id, err)
		}

		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("account %s not found in tenant %s", id, scope.TenantID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Info().Str("account_id", id).Msg("Account deleted")
	return nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEnriched(s scanner) (*domain.EnrichedAccount, error) {
	var ea domain.EnrichedAccount
	var createdAt string
	var snapProvider, snapName, snapStatus string

	err := s.Scan(
		&ea.ID, &ea.AccountID, &ea.TenantID, &ea.EntityID, &ea.AccountName,
		&ea.AccountType, &ea.Currency, &ea.BalanceCurrent, &ea.BalanceAvailable,
		&ea.BalanceLedger, &ea.IBAN, &ea.BIC, &ea.BankName, &ea.AccountStatus,
		&ea.ConnectionID, &ea.ProviderID, &ea.ExternalAccountID, &ea.CreatedBy, &createdAt,
		&snapProvider, &snapName, &snapStatus,
	)
	if err != nil {
		return nil, err
	}

	ea.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if ea.ConnectionID != "" {
		ea.Connection = &domain.ConnectionSnapshot{
			ProviderID:       snapProvider,
			ConnectionName:   snapName,
			ConnectionStatus: snapStatus,
		}
	}

	return &ea, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
