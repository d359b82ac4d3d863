package syncengine

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/accounts"
	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/staging"
	"github.com/cofferbank/coffer/internal/tenancy"
	"github.com/cofferbank/coffer/internal/transactions"
)

// ImportStats tallies one import pass.
type ImportStats struct {
	Processed int
	Imported  int
	Removed   int
	Skipped   int
	Failed    int
}

// Importer applies staged raw transactions to the canonical store. The pass
// is re-runnable: staged rows are only flagged imported after their canonical
// write, and per-record integrity violations are counted without aborting
// the batch.
type Importer struct {
	staging      *staging.Repository
	transactions *transactions.Repository
	accounts     *accounts.Repository
	log          zerolog.Logger
}

// NewImporter creates an importer.
func NewImporter(stg *staging.Repository, txs *transactions.Repository, accs *accounts.Repository, log zerolog.Logger) *Importer {
	return &Importer{
		staging:      stg,
		transactions: txs,
		accounts:     accs,
		log:          log.With().Str("component", "importer").Logger(),
	}
}

// Run imports all unimported staged rows for a connection.
func (i *Importer) Run(scope tenancy.Scope, connectionID, jobID string) (ImportStats, error) {
	var stats ImportStats

	rows, err := i.staging.UnimportedTransactions(connectionID, 0)
	if err != nil {
		return stats, err
	}

	// Canonical account lookup cache: provider external id -> account id.
	accountCache := make(map[string]string)
	resolveAccount := func(externalAccountID string) (string, error) {
		if id, ok := accountCache[externalAccountID]; ok {
			return id, nil
		}
		acc, err := i.accounts.GetByExternalID(scope, connectionID, externalAccountID)
		if err != nil {
			return "", err
		}
		if acc == nil {
			return "", nil
		}
		accountCache[externalAccountID] = acc.ID
		return acc.ID, nil
	}

	var done []string
	for _, row := range rows {
		stats.Processed++

		switch row.SyncAction {
		case domain.SyncRemoved:
			err := i.transactions.MarkRemoved(scope, connectionID, row.ExternalTransactionID)
			if err != nil {
				return stats, err
			}
			stats.Removed++
			done = append(done, row.ID)

		case domain.SyncAdded, domain.SyncModified:
			rec, err := staging.DecodeRecord(row.RawData)
			if err != nil {
				i.log.Error().Err(err).
					Str("staged_id", row.ID).
					Msg("Undecodable staged record")
				stats.Failed++
				done = append(done, row.ID)
				continue
			}

			accountID, err := resolveAccount(rec.ExternalAccountID)
			if err != nil {
				return stats, err
			}
			if accountID == "" {
				// Provider emitted a transaction for an account we have not
				// canonicalized; count it and move on.
				stats.Failed++
				done = append(done, row.ID)
				i.log.Warn().
					Str("external_account_id", rec.ExternalAccountID).
					Str("external_transaction_id", rec.ExternalTransactionID).
					Msg("Staged transaction references unknown account")
				continue
			}

			tx := &domain.Transaction{
				AccountID:             accountID,
				Date:                  rec.Date,
				ValueDate:             rec.ValueDate,
				Amount:                rec.Amount,
				Currency:              rec.Currency,
				Description:           rec.Description,
				MerchantName:          rec.MerchantName,
				CounterpartyName:      rec.CounterpartyName,
				CounterpartyIBAN:      rec.CounterpartyIBAN,
				Reference:             rec.Reference,
				BookingStatus:         rec.BookingStatus,
				TransactionTypeCode:   rec.TypeCode,
				ConnectionID:          connectionID,
				ExternalTransactionID: rec.ExternalTransactionID,
				ImportJobID:           jobID,
				Metadata:              rec.Raw,
			}

			if err := i.transactions.UpsertByExternalID(scope, tx); err != nil {
				var integrity *domain.IntegrityError
				if errors.As(err, &integrity) {
					stats.Failed++
					done = append(done, row.ID)
					i.log.Warn().
						Str("external_transaction_id", rec.ExternalTransactionID).
						Str("reason", integrity.Reason).
						Msg("Canonical upsert rejected staged record")
					continue
				}
				return stats, err
			}
			stats.Imported++
			done = append(done, row.ID)

		default:
			return stats, fmt.Errorf("unknown sync action %q on staged row %s", row.SyncAction, row.ID)
		}
	}

	if err := i.staging.MarkImported(done); err != nil {
		return stats, err
	}

	return stats, nil
}
