// Package transactions provides the canonical transaction store. Synced
// transactions are keyed by (tenant, connection, external id) and upserted
// idempotently; removed transactions are soft-deleted so history survives
// provider retractions.
package transactions

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/tenancy"
)

// Repository handles canonical transaction persistence on core.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new transactions repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "transactions").Logger(),
	}
}

// UpsertByExternalID inserts or updates a synced transaction in a single
// atomic statement keyed on (tenant, connection, external id). The surrogate
// id and account link of an existing row are preserved.
func (r *Repository) UpsertByExternalID(scope tenancy.Scope, t *domain.Transaction) error {
	if t.ExternalTransactionID == "" {
		return &domain.IntegrityError{Entity: "transaction", Reason: "missing external transaction id"}
	}
	if t.AccountID == "" {
		return &domain.IntegrityError{
			Entity:     "transaction",
			ExternalID: t.ExternalTransactionID,
			Reason:     "missing account id",
		}
	}

	if t.TransactionID == "" {
		t.TransactionID = uuid.NewString()
	}
	t.TenantID = scope.TenantID
	if t.Type == "" {
		t.Type = domain.TypeForAmount(t.Amount)
	}

	metadataJSON, err := json.Marshal(orEmptyMap(t.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal transaction metadata: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO transactions (
			transaction_id, tenant_id, account_id, date, value_date, amount,
			currency, type, description, category, merchant_name,
			counterparty_name, counterparty_iban, reference, booking_status,
			transaction_type_code, connection_id, external_transaction_id,
			import_job_id, removed, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(tenant_id, connection_id, external_transaction_id)
		WHERE external_transaction_id IS NOT NULL
		DO UPDATE SET
			date = excluded.date,
			value_date = excluded.value_date,
			amount = excluded.amount,
			currency = excluded.currency,
			type = excluded.type,
			description = excluded.description,
			category = excluded.category,
			merchant_name = excluded.merchant_name,
			counterparty_name = excluded.counterparty_name,
			counterparty_iban = excluded.counterparty_iban,
			reference = excluded.reference,
			booking_status = excluded.booking_status,
			transaction_type_code = excluded.transaction_type_code,
			import_job_id = excluded.import_job_id,
			removed = 0,
			metadata = excluded.metadata
	`, t.TransactionID, t.TenantID, t.AccountID, t.Date.UTC().Format(time.RFC3339),
		formatNullableTime(t.ValueDate), t.Amount, t.Currency, string(t.Type),
		t.Description, t.Category, t.MerchantName, t.CounterpartyName,
		t.CounterpartyIBAN, t.Reference, string(t.BookingStatus),
		t.TransactionTypeCode, t.ConnectionID, t.ExternalTransactionID,
		t.ImportJobID, string(metadataJSON))
	if err != nil {
		if strings.Contains(err.Error(), "constraint") {
			return &domain.IntegrityError{
				Entity:     "transaction",
				ExternalID: t.ExternalTransactionID,
				Reason:     err.Error(),
			}
		}
		return fmt.Errorf("failed to upsert transaction %s: %w", t.ExternalTransactionID, err)
	}

	return nil
}

// MarkRemoved soft-deletes a synced transaction. The row stays retrievable
// for audit; it is excluded from default listings.
func (r *Repository) MarkRemoved(scope tenancy.Scope, connectionID, externalID string) error {
	_, err := r.db.Exec(`
		UPDATE transactions SET removed = 1
		WHERE tenant_id = ? AND connection_id = ? AND external_transaction_id = ?
	`, scope.TenantID, connectionID, externalID)
	if err != nil {
		return fmt.Errorf("failed to mark transaction %s removed: %w", externalID, err)
	}
	return nil
}

// GetByExternalID retrieves one synced transaction.
func (r *Repository) GetByExternalID(scope tenancy.Scope, connectionID, externalID string) (*domain.Transaction, error) {
	row := r.db.QueryRow(selectColumns+`
		WHERE tenant_id = ? AND connection_id = ? AND external_transaction_id = ?
	`, scope.TenantID, connectionID, externalID)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", externalID, err)
	}
	return t, nil
}

// ListByAccount returns an account's transactions, newest first. Soft-removed
// rows are excluded unless includeRemoved is set.
func (r *Repository) ListByAccount(scope tenancy.Scope, accountID string, includeRemoved bool, limit int) ([]domain.Transaction, error) {
	query := selectColumns + ` WHERE tenant_id = ? AND account_id = ?`
	if !includeRemoved {
		query += ` AND removed = 0`
	}
	query += ` ORDER BY date DESC`
	args := []interface{}{scope.TenantID, accountID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var result []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan transaction row")
			continue
		}
		result = append(result, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return result, nil
}

// CountByConnection returns the number of transactions linked to a connection.
func (r *Repository) CountByConnection(scope tenancy.Scope, connectionID string) (int, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM transactions WHERE tenant_id = ? AND connection_id = ?
	`, scope.TenantID, connectionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// ReparentConnection moves all transactions of the given accounts to a new
// connection. Used by the reconnection detector; history stays retrievable
// under the new connection id.
func (r *Repository) ReparentConnection(scope tenancy.Scope, accountIDs []string, newConnectionID string) (int, error) {
	if len(accountIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(accountIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := []interface{}{newConnectionID, scope.TenantID}
	for _, id := range accountIDs {
		args = append(args, id)
	}

	res, err := r.db.Exec(fmt.Sprintf(`
		UPDATE transactions SET connection_id = ?
		WHERE tenant_id = ? AND account_id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reparent transactions: %w", err)
	}

	n, _ := res.RowsAffected()
	return int(n), nil
}

// MaxDateForAccounts returns the latest transaction date across the given
// accounts, or nil when they have no transactions. The reconnection detector
// uses this as the resume-from lower bound.
func (r *Repository) MaxDateForAccounts(scope tenancy.Scope, accountIDs []string) (*time.Time, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(accountIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := []interface{}{scope.TenantID}
	for _, id := range accountIDs {
		args = append(args, id)
	}

	var maxDate sql.NullString
	err := r.db.QueryRow(fmt.Sprintf(`
		SELECT MAX(date) FROM transactions WHERE tenant_id = ? AND account_id IN (%s)
	`, placeholders), args...).Scan(&maxDate)
	if err != nil {
		return nil, fmt.Errorf("failed to get max transaction date: %w", err)
	}
	if !maxDate.Valid || maxDate.String == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, maxDate.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse max transaction date: %w", err)
	}
	return &t, nil
}

const selectColumns = `
	SELECT transaction_id, tenant_id, account_id, date, value_date, amount,
	       currency, type, description, category, merchant_name,
	       counterparty_name, counterparty_iban, reference, booking_status,
	       transaction_type_code, COALESCE(connection_id, ''),
	       COALESCE(external_transaction_id, ''), import_job_id, removed, metadata
	FROM transactions
`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var date string
	var valueDate sql.NullString
	var txType, booking, metadataJSON string
	var removed int

	err := s.Scan(
		&t.TransactionID, &t.TenantID, &t.AccountID, &date, &valueDate, &t.Amount,
		&t.Currency, &txType, &t.Description, &t.Category, &t.MerchantName,
		&t.CounterpartyName, &t.CounterpartyIBAN, &t.Reference, &booking,
		&t.TransactionTypeCode, &t.ConnectionID, &t.ExternalTransactionID,
		&t.ImportJobID, &removed, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	t.Date, _ = time.Parse(time.RFC3339, date)
	if valueDate.Valid && valueDate.String != "" {
		vd, err := time.Parse(time.RFC3339, valueDate.String)
		if err == nil {
			t.ValueDate = &vd
		}
	}
	t.Type = domain.TransactionType(txType)
	t.BookingStatus = domain.BookingStatus(booking)
	t.Removed = removed != 0
	_ = json.Unmarshal([]byte(metadataJSON), &t.Metadata)

	return &t, nil
}

func formatNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
