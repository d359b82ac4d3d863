// Package staging persists provider-shaped pulls on staging.db: raw account
// rows, raw transaction records awaiting import, and the per-connection sync
// cursors. Staging is idempotent so any sync run can be replayed safely.
package staging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cofferbank/coffer/internal/database"
	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/providers"
	"github.com/cofferbank/coffer/internal/tenancy"
)

// Repository handles staging persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new staging repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "staging").Logger(),
	}
}

// CursorKey builds the sync-cursor key. Connection-granularity providers use
// the bare connection id; per-account providers get one cursor per account.
func CursorKey(connectionID, accountExternalID string) string {
	if accountExternalID == "" {
		return connectionID
	}
	return connectionID + ":" + accountExternalID
}

// UpsertProviderAccount writes a raw account row keyed by
// (connection, provider, external id).
func (r *Repository) UpsertProviderAccount(scope tenancy.Scope, pa *domain.ProviderAccount) error {
	if pa.ID == "" {
		pa.ID = uuid.NewString()
	}
	pa.TenantID = scope.TenantID

	metadataJSON, err := json.Marshal(orEmptyMap(pa.ProviderMetadata))
	if err != nil {
		return fmt.Errorf("failed to marshal provider metadata: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO provider_accounts (
			id, tenant_id, connection_id, provider_id, external_account_id,
			account_type, currency, balance, iban, status, provider_metadata,
			last_synced_at, account_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, provider_id, external_account_id) DO UPDATE SET
			account_type = excluded.account_type,
			currency = excluded.currency,
			balance = excluded.balance,
			iban = excluded.iban,
			status = excluded.status,
			provider_metadata = excluded.provider_metadata,
			last_synced_at = excluded.last_synced_at
	`, pa.ID, pa.TenantID, pa.ConnectionID, pa.ProviderID, pa.ExternalAccountID,
		pa.AccountType, pa.Currency, pa.Balance, pa.IBAN, pa.Status, string(metadataJSON),
		formatNullableTime(pa.LastSyncedAt), pa.AccountID)
	if err != nil {
		return fmt.Errorf("failed to upsert provider account %s: %w", pa.ExternalAccountID, err)
	}

	return nil
}

// ListProviderAccounts returns the raw accounts of a connection.
func (r *Repository) ListProviderAccounts(scope tenancy.Scope, connectionID string) ([]domain.ProviderAccount, error) {
	rows, err := r.db.Query(providerAccountColumns+`
		WHERE tenant_id = ? AND connection_id = ?
		ORDER BY external_account_id
	`, scope.TenantID, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider accounts: %w", err)
	}
	defer rows.Close()
	return r.collectProviderAccounts(rows)
}

// FindByIBAN returns raw accounts across connections that carry the given
// IBAN. Used by the reconnection matcher.
func (r *Repository) FindByIBAN(scope tenancy.Scope, iban string) ([]domain.ProviderAccount, error) {
	if iban == "" {
		return nil, nil
	}

	rows, err := r.db.Query(providerAccountColumns+`
		WHERE tenant_id = ? AND iban = ?
	`, scope.TenantID, iban)
	if err != nil {
		return nil, fmt.Errorf("failed to find provider accounts by IBAN: %w", err)
	}
	defer rows.Close()
	return r.collectProviderAccounts(rows)
}

// LinkCanonicalAccount records the canonical account a raw account maps to.
func (r *Repository) LinkCanonicalAccount(providerAccountID, accountID string) error {
	_, err := r.db.Exec(`
		UPDATE provider_accounts SET account_id = ? WHERE id = ?
	`, accountID, providerAccountID)
	if err != nil {
		return fmt.Errorf("failed to link provider account %s: %w", providerAccountID, err)
	}
	return nil
}

// StageBatch stages one page of transaction changes atomically. The cursor is
// deliberately NOT touched here: a pagination walk persists its cursor once,
// through AdvanceCursor, only after every page landed. Re-staging an identical
// record is a no-op, which makes re-running a failed sync safe.
func (r *Repository) StageBatch(scope tenancy.Scope, connectionID string, page *providers.TransactionsPage, now time.Time) (int, error) {
	staged := 0
	nowStr := now.UTC().Format(time.RFC3339)

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		insert := func(rec providers.RawTransactionRecord, action domain.SyncAction) error {
			raw, err := msgpack.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to encode staged record %s: %w", rec.ExternalTransactionID, err)
			}

			res, err := tx.Exec(`
				INSERT INTO provider_raw_transactions (
					id, tenant_id, connection_id, external_transaction_id,
					sync_action, raw_data, last_updated_at, imported_to_canonical
				) VALUES (?, ?, ?, ?, ?, ?, ?, 0)
				ON CONFLICT(connection_id, external_transaction_id, last_updated_at) DO NOTHING
			`, uuid.NewString(), scope.TenantID, connectionID, rec.ExternalTransactionID,
				string(action), raw, nowStr)
			if err != nil {
				return fmt.Errorf("failed to stage record %s: %w", rec.ExternalTransactionID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				staged++
			}
			return nil
		}

		for _, rec := range page.Added {
			if err := insert(rec, domain.SyncAdded); err != nil {
				return err
			}
		}
		for _, rec := range page.Modified {
			if err := insert(rec, domain.SyncModified); err != nil {
				return err
			}
		}
		for _, externalID := range page.Removed {
			rec := providers.RawTransactionRecord{ExternalTransactionID: externalID}
			if err := insert(rec, domain.SyncRemoved); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return staged, nil
}

// CursorAdvance is the cursor state persisted after a completed pagination
// walk.
type CursorAdvance struct {
	Cursor   string
	Added    int
	Modified int
	Removed  int
	HasMore  bool
}

// AdvanceCursor persists the cursor for a completed pagination walk. Callers
// must stage every page first; a walk that fails mid-pagination never reaches
// this, so the stored cursor always points at a fully staged position.
func (r *Repository) AdvanceCursor(cursorKey string, adv CursorAdvance, now time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO provider_sync_cursors (
			connection_id, cursor, last_sync_at, last_page_count,
			added, modified, removed, has_more
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET
			cursor = excluded.cursor,
			last_sync_at = excluded.last_sync_at,
			last_page_count = excluded.last_page_count,
			added = added + excluded.added,
			modified = modified + excluded.modified,
			removed = removed + excluded.removed,
			has_more = excluded.has_more
	`, cursorKey, adv.Cursor, now.UTC().Format(time.RFC3339),
		adv.Added+adv.Modified+adv.Removed,
		adv.Added, adv.Modified, adv.Removed, boolToInt(adv.HasMore))
	if err != nil {
		return fmt.Errorf("failed to persist sync cursor: %w", err)
	}
	return nil
}

// Cursor loads the persisted cursor for a cursor key. A connection that has
// never synced returns an empty cursor, not an error.
func (r *Repository) Cursor(cursorKey string) (*domain.ProviderSyncCursor, error) {
	var c domain.ProviderSyncCursor
	var cursor, lastSyncAt sql.NullString
	var hasMore int

	err := r.db.QueryRow(`
		SELECT connection_id, cursor, last_sync_at, last_page_count,
		       added, modified, removed, has_more
		FROM provider_sync_cursors WHERE connection_id = ?
	`, cursorKey).Scan(&c.ConnectionID, &cursor, &lastSyncAt, &c.LastPageCount,
		&c.Added, &c.Modified, &c.Removed, &hasMore)
	if err == sql.ErrNoRows {
		return &domain.ProviderSyncCursor{ConnectionID: cursorKey}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor %s: %w", cursorKey, err)
	}

	c.Cursor = cursor.String
	c.HasMore = hasMore != 0
	if lastSyncAt.Valid && lastSyncAt.String != "" {
		if t, err := time.Parse(time.RFC3339, lastSyncAt.String); err == nil {
			c.LastSyncAt = &t
		}
	}
	return &c, nil
}

// SetCursor overwrites a cursor value directly. The reconnection detector
// uses this to seed a resume-from cursor on a fresh connection.
func (r *Repository) SetCursor(cursorKey, cursor string) error {
	_, err := r.db.Exec(`
		INSERT INTO provider_sync_cursors (connection_id, cursor)
		VALUES (?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET cursor = excluded.cursor
	`, cursorKey, cursor)
	if err != nil {
		return fmt.Errorf("failed to set cursor %s: %w", cursorKey, err)
	}
	return nil
}

// UnimportedTransactions returns staged rows awaiting canonical import for a
// connection, oldest first.
func (r *Repository) UnimportedTransactions(connectionID string, limit int) ([]domain.RawTransaction, error) {
	query := `
		SELECT id, tenant_id, connection_id, external_transaction_id,
		       sync_action, raw_data, last_updated_at, imported_to_canonical
		FROM provider_raw_transactions
		WHERE connection_id = ? AND imported_to_canonical = 0
		ORDER BY last_updated_at, id
	`
	args := []interface{}{connectionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unimported transactions: %w", err)
	}
	defer rows.Close()

	var result []domain.RawTransaction
	for rows.Next() {
		var rt domain.RawTransaction
		var action, lastUpdated string
		var imported int
		if err := rows.Scan(&rt.ID, &rt.TenantID, &rt.ConnectionID, &rt.ExternalTransactionID,
			&action, &rt.RawData, &lastUpdated, &imported); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan raw transaction row")
			continue
		}
		rt.SyncAction = domain.SyncAction(action)
		rt.LastUpdatedAt, _ = time.Parse(time.RFC3339, lastUpdated)
		rt.ImportedToCanonical = imported != 0
		result = append(result, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating raw transactions: %w", err)
	}

	return result, nil
}

// MarkImported flags staged rows as applied to the canonical store.
func (r *Repository) MarkImported(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`UPDATE provider_raw_transactions SET imported_to_canonical = 1 WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare mark-imported: %w", err)
		}
		defer stmt.Close()

		for _, id := range ids {
			if _, err := stmt.Exec(id); err != nil {
				return fmt.Errorf("failed to mark %s imported: %w", id, err)
			}
		}
		return nil
	})
}

// DecodeRecord unpacks a staged raw_data blob back into the provider record.
func DecodeRecord(raw []byte) (providers.RawTransactionRecord, error) {
	var rec providers.RawTransactionRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("failed to decode staged record: %w", err)
	}
	return rec, nil
}

const providerAccountColumns = `
	SELECT id, tenant_id, connection_id, provider_id, external_account_id,
	       account_type, currency, balance, iban, status, provider_metadata,
	       last_synced_at, account_id
	FROM provider_accounts
`

func (r *Repository) collectProviderAccounts(rows *sql.Rows) ([]domain.ProviderAccount, error) {
	var result []domain.ProviderAccount
	for rows.Next() {
		var pa domain.ProviderAccount
		var metadataJSON string
		var lastSynced sql.NullString
		if err := rows.Scan(&pa.ID, &pa.TenantID, &pa.ConnectionID, &pa.ProviderID,
			&pa.ExternalAccountID, &pa.AccountType, &pa.Currency, &pa.Balance,
			&pa.IBAN, &pa.Status, &metadataJSON, &lastSynced, &pa.AccountID); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan provider account row")
			continue
		}
		_ = json.Unmarshal([]byte(metadataJSON), &pa.ProviderMetadata)
		if lastSynced.Valid && lastSynced.String != "" {
			if t, err := time.Parse(time.RFC3339, lastSynced.String); err == nil {
				pa.LastSyncedAt = &t
			}
		}
		result = append(result, pa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provider accounts: %w", err)
	}
	return result, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func formatNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
