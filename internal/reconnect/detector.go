package reconnect

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/accounts"
	"github.com/cofferbank/coffer/internal/audit"
	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/providers"
	"github.com/cofferbank/coffer/internal/staging"
	"github.com/cofferbank/coffer/internal/tenancy"
	"github.com/cofferbank/coffer/internal/transactions"
)

// resumeCursorLayout is the date form used when seeding a resume-from cursor
// on date-cursor providers.
const resumeCursorLayout = "2006-01-02"

// ConnectionsRepository is the slice of the connections repository the
// detector uses, declared locally so reconnect does not import connections
// (which imports reconnect).
type ConnectionsRepository interface {
	ListByTenant(scope tenancy.Scope) ([]domain.Connection, error)
	MarkReconnection(id, previousID, confidence string) error
}

// Result summarizes what the detector did for one new connection.
type Result struct {
	Confidence           string // "" when nothing matched
	PreviousConnectionID string
	RelinkedAccounts     int
	ReparentedRecords    int
	ResumeFrom           *time.Time
}

// Detector compares a freshly authorized connection's accounts against the
// tenant's disconnected connections. High-confidence matches relink history
// automatically; medium-confidence matches only record an event for a human
// to act on.
type Detector struct {
	connections  ConnectionsRepository
	accounts     *accounts.Repository
	transactions *transactions.Repository
	staging      *staging.Repository
	audit        *audit.Repository
	log          zerolog.Logger
}

// NewDetector creates a reconnection detector.
func NewDetector(
	conns ConnectionsRepository,
	accs *accounts.Repository,
	txs *transactions.Repository,
	stg *staging.Repository,
	aud *audit.Repository,
	log zerolog.Logger,
) *Detector {
	return &Detector{
		connections:  conns,
		accounts:     accs,
		transactions: txs,
		staging:      stg,
		audit:        aud,
		log:          log.With().Str("component", "reconnect_detector").Logger(),
	}
}

// Evaluate runs reconnection detection for a new connection against the raw
// accounts its first pull returned. Only connections of the same tenant and
// provider in error or revoked status are considered prior candidates.
func (d *Detector) Evaluate(scope tenancy.Scope, newConn *domain.Connection, rawAccounts []providers.RawAccount, granularity providers.Granularity) (*Result, error) {
	priorConns, err := d.priorCandidates(scope, newConn)
	if err != nil {
		return nil, err
	}
	if len(priorConns) == 0 || len(rawAccounts) == 0 {
		return &Result{}, nil
	}

	for _, prior := range priorConns {
		candidates, err := d.loadCandidates(scope, prior.ID)
		if err != nil {
			return nil, err
		}
		matches := matchAccounts(candidates, rawAccounts)
		if len(matches) == 0 {
			continue
		}

		confidence := highestConfidence(matches)
		if confidence == ConfidenceHigh {
			return d.relink(scope, newConn, prior, matches, granularity)
		}
		return d.flag(scope, newConn, prior, matches)
	}

	return &Result{}, nil
}

func (d *Detector) priorCandidates(scope tenancy.Scope, newConn *domain.Connection) ([]domain.Connection, error) {
	all, err := d.connections.ListByTenant(scope)
	if err != nil {
		return nil, err
	}

	var prior []domain.Connection
	for _, c := range all {
		if c.ID == newConn.ID || c.ProviderID != newConn.ProviderID {
			continue
		}
		if c.Status == domain.ConnectionError || c.Status == domain.ConnectionRevoked {
			prior = append(prior, c)
		}
	}
	return prior, nil
}

func (d *Detector) loadCandidates(scope tenancy.Scope, connectionID string) ([]candidate, error) {
	providerAccounts, err := d.staging.ListProviderAccounts(scope, connectionID)
	if err != nil {
		return nil, err
	}

	candidates := make([]candidate, 0, len(providerAccounts))
	for _, pa := range providerAccounts {
		c := candidate{account: pa}
		if pa.AccountID != "" {
			if canonical, err := d.accounts.Get(scope, pa.AccountID); err == nil && canonical != nil {
				c.name = canonical.AccountName
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// relink carries account history from the prior connection onto the new one:
// canonical accounts are repointed, their transactions reparented, and a
// resume-from cursor seeded so the first sync does not re-pull full history.
func (d *Detector) relink(scope tenancy.Scope, newConn *domain.Connection, prior domain.Connection, matches []Match, granularity providers.Granularity) (*Result, error) {
	result := &Result{
		Confidence:           ConfidenceHigh,
		PreviousConnectionID: prior.ID,
	}

	var accountIDs []string
	for _, m := range matches {
		if m.Confidence != ConfidenceHigh || m.Prior.AccountID == "" {
			continue
		}

		err := d.accounts.Relink(scope, m.Prior.AccountID, newConn.ID, newConn.ProviderID)
		if err != nil {
			return nil, fmt.Errorf("failed to relink account %s: %w", m.Prior.AccountID, err)
		}
		accountIDs = append(accountIDs, m.Prior.AccountID)
		result.RelinkedAccounts++
	}

	if len(accountIDs) > 0 {
		reparented, err := d.transactions.ReparentConnection(scope, accountIDs, newConn.ID)
		if err != nil {
			return nil, err
		}
		result.ReparentedRecords = reparented

		resumeFrom, err := d.transactions.MaxDateForAccounts(scope, accountIDs)
		if err != nil {
			return nil, err
		}
		result.ResumeFrom = resumeFrom

		// Native-cursor providers (Plaid) cannot resume from a date; their
		// first sync re-pulls and relies on idempotent staging.
		if resumeFrom != nil && granularity == providers.GranularityPerAccount {
			for _, m := range matches {
				if m.Confidence != ConfidenceHigh {
					continue
				}
				key := staging.CursorKey(newConn.ID, m.Raw.ExternalAccountID)
				if err := d.staging.SetCursor(key, resumeFrom.Format(resumeCursorLayout)); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := d.connections.MarkReconnection(newConn.ID, prior.ID, ConfidenceHigh); err != nil {
		return nil, err
	}

	if err := d.recordEvent(scope, newConn, prior, matches, ConfidenceHigh, result); err != nil {
		return nil, err
	}

	d.log.Info().
		Str("connection_id", newConn.ID).
		Str("previous_connection_id", prior.ID).
		Int("relinked_accounts", result.RelinkedAccounts).
		Int("reparented_records", result.ReparentedRecords).
		Msg("Reconnection detected and relinked")

	return result, nil
}

// flag records a medium-confidence match for manual review; nothing is
// relinked automatically.
func (d *Detector) flag(scope tenancy.Scope, newConn *domain.Connection, prior domain.Connection, matches []Match) (*Result, error) {
	result := &Result{
		Confidence:           ConfidenceMedium,
		PreviousConnectionID: prior.ID,
	}

	if err := d.recordEvent(scope, newConn, prior, matches, ConfidenceMedium, result); err != nil {
		return nil, err
	}

	d.log.Info().
		Str("connection_id", newConn.ID).
		Str("previous_connection_id", prior.ID).
		Int("matches", len(matches)).
		Msg("Possible reconnection flagged for review")

	return result, nil
}

func (d *Detector) recordEvent(scope tenancy.Scope, newConn *domain.Connection, prior domain.Connection, matches []Match, confidence string, result *Result) error {
	matched := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		matched = append(matched, map[string]any{
			"external_account_id": m.Raw.ExternalAccountID,
			"account_id":          m.Prior.AccountID,
			"basis":               m.Basis,
			"confidence":          m.Confidence,
		})
	}

	payload := map[string]any{
		"confidence":         confidence,
		"matches":            matched,
		"relinked_accounts":  result.RelinkedAccounts,
		"reparented_records": result.ReparentedRecords,
	}
	if result.ResumeFrom != nil {
		payload["resume_from"] = result.ResumeFrom.Format(time.RFC3339)
	}

	return d.audit.RecordConnectionEvent(&domain.ConnectionHistoryEvent{
		TenantID:             scope.TenantID,
		ConnectionID:         newConn.ID,
		PreviousConnectionID: prior.ID,
		EventType:            domain.EventReconnection,
		Payload:              payload,
	})
}
