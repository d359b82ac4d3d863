// Package syncengine executes sync runs: it resolves the provider adapter
// and auth material, pulls accounts and transaction pages into staging, and
// imports staged rows into the canonical store, under a per-connection lease
// and a per-run deadline.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/accounts"
	"github.com/cofferbank/coffer/internal/audit"
	"github.com/cofferbank/coffer/internal/connections"
	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/health"
	"github.com/cofferbank/coffer/internal/jobs"
	"github.com/cofferbank/coffer/internal/providers"
	"github.com/cofferbank/coffer/internal/staging"
	"github.com/cofferbank/coffer/internal/tenancy"
	"github.com/cofferbank/coffer/internal/vault"
)

// maxPagesPerTarget bounds the cursor loop against a provider that never
// reports has_more=false.
const maxPagesPerTarget = 200

// Config holds the engine's run limits.
type Config struct {
	RunDeadline time.Duration // per-run wall clock budget
	LeaseTTL    time.Duration // sync lease duration
}

// RunResult reports one attempted sync run.
type RunResult struct {
	JobID       string
	Counts      jobs.Counts
	Skipped     bool
	SkipReason  string
	HealthScore int
}

// Engine coordinates sync runs across the repositories, the vault, and the
// provider adapters.
type Engine struct {
	conns    *connections.Repository
	staging  *staging.Repository
	accounts *accounts.Repository
	jobs     *jobs.Repository
	tokens   *vault.TokenStore
	creds    *vault.CredentialStore
	registry *providers.Registry
	gates    *providers.GateSet
	importer *Importer
	scorer   *health.Scorer
	audit    *audit.Repository
	cfg      Config
	log      zerolog.Logger
}

// NewEngine creates a sync engine.
func NewEngine(
	conns *connections.Repository,
	stg *staging.Repository,
	accs *accounts.Repository,
	jobsRepo *jobs.Repository,
	tokens *vault.TokenStore,
	creds *vault.CredentialStore,
	registry *providers.Registry,
	gates *providers.GateSet,
	importer *Importer,
	scorer *health.Scorer,
	aud *audit.Repository,
	cfg Config,
	log zerolog.Logger,
) *Engine {
	if cfg.RunDeadline <= 0 {
		cfg.RunDeadline = 3 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}

	return &Engine{
		conns:    conns,
		staging:  stg,
		accounts: accs,
		jobs:     jobsRepo,
		tokens:   tokens,
		creds:    creds,
		registry: registry,
		gates:    gates,
		importer: importer,
		scorer:   scorer,
		audit:    aud,
		cfg:      cfg,
		log:      log.With().Str("component", "sync_engine").Logger(),
	}
}

// SyncConnection runs one sync for a connection. Skips (lease contention,
// throttling, disabled sync) return a RunResult with Skipped set and a nil
// error; genuine failures return the error after the ledger and schedule
// bookkeeping is done.
func (e *Engine) SyncConnection(ctx context.Context, connectionID, trigger string) (*RunResult, error) {
	now := time.Now().UTC()

	conn, err := e.conns.GetAny(connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("connection %s not found", connectionID)
	}
	if conn.Status == domain.ConnectionRevoked {
		return &RunResult{Skipped: true, SkipReason: "revoked"}, nil
	}
	if !conn.SyncEnabled && trigger == "scheduled_sync" {
		return &RunResult{Skipped: true, SkipReason: "sync_disabled"}, nil
	}

	if conn.LastSyncAt != nil && now.Sub(*conn.LastSyncAt) < minGap(conn.SyncSchedule) {
		e.log.Debug().Str("connection_id", conn.ID).Msg("Sync throttled")
		return &RunResult{Skipped: true, SkipReason: domain.ErrThrottled.Error()}, nil
	}

	acquired, err := e.conns.AcquireLease(conn.ID, e.cfg.LeaseTTL, now)
	if err != nil {
		return nil, err
	}
	if !acquired {
		e.log.Debug().Str("connection_id", conn.ID).Msg("Lease held, skipping run")
		return &RunResult{Skipped: true, SkipReason: domain.ErrLeaseContention.Error()}, nil
	}
	defer func() {
		if err := e.conns.ReleaseLease(conn.ID); err != nil {
			e.log.Error().Err(err).Str("connection_id", conn.ID).Msg("Failed to release lease")
		}
	}()

	job, err := e.jobs.Open(conn.TenantID, conn.ID, trigger)
	if err != nil {
		return nil, err
	}
	if err := e.jobs.Start(job.ID); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.RunDeadline)
	defer cancel()

	scope := tenancy.SystemScope(conn.TenantID)
	counts, runErr := e.run(runCtx, scope, conn, job.ID)

	result := &RunResult{JobID: job.ID, Counts: counts}

	if runErr == nil {
		summary := map[string]any{
			"trigger":  trigger,
			"imported": counts.Imported,
			"skipped":  counts.Skipped,
			"failed":   counts.Failed,
		}
		if err := e.jobs.Complete(job.ID, counts, summary); err != nil {
			return nil, err
		}
		if err := e.conns.RecordOutcome(conn.ID, connections.Outcome{Success: true}, time.Now().UTC()); err != nil {
			return nil, err
		}
		result.HealthScore, _ = e.rescore(conn.ID)

		e.log.Info().
			Str("connection_id", conn.ID).
			Str("job_id", job.ID).
			Int("fetched", counts.Fetched).
			Int("imported", counts.Imported).
			Msg("Sync run completed")
		return result, nil
	}

	return e.finishFailed(conn, job.ID, counts, runErr, result)
}

// finishFailed routes a failed run through the error taxonomy: rate limits
// defer without counting a failure, auth failures park the connection in
// error status, everything else is a counted failure with back-off.
func (e *Engine) finishFailed(conn *domain.Connection, jobID string, counts jobs.Counts, runErr error, result *RunResult) (*RunResult, error) {
	now := time.Now().UTC()

	if errors.Is(runErr, domain.ErrRateLimited) {
		if err := e.jobs.Fail(jobID, counts, runErr.Error()); err != nil {
			return nil, err
		}
		if err := e.conns.DeferNext(conn.ID, now.Add(retryAfter(runErr))); err != nil {
			return nil, err
		}
		e.log.Warn().Str("connection_id", conn.ID).Msg("Provider rate limited, deferring")
		result.Skipped = true
		result.SkipReason = domain.ErrRateLimited.Error()
		return result, nil
	}

	var pe *domain.ProviderError
	switch {
	case errors.Is(runErr, domain.ErrAuthFailure):
		if err := e.conns.SetStatus(conn.ID, domain.ConnectionError, runErr.Error()); err != nil {
			return nil, err
		}
		_ = e.audit.RecordConnectionEvent(&domain.ConnectionHistoryEvent{
			TenantID:     conn.TenantID,
			ConnectionID: conn.ID,
			EventType:    domain.EventError,
			Payload:      map[string]any{"error": runErr.Error(), "kind": "auth_failure"},
		})
	case errors.As(runErr, &pe) && !pe.Retryable:
		// A permanent provider error needs human attention; park the
		// connection and leave an audit trail of the state change.
		if err := e.conns.SetStatus(conn.ID, domain.ConnectionError, runErr.Error()); err != nil {
			return nil, err
		}
		_ = e.audit.RecordConnectionEvent(&domain.ConnectionHistoryEvent{
			TenantID:     conn.TenantID,
			ConnectionID: conn.ID,
			EventType:    domain.EventError,
			Payload:      map[string]any{"error": runErr.Error(), "kind": "permanent_provider_error"},
		})
	}

	if err := e.jobs.Fail(jobID, counts, runErr.Error()); err != nil {
		return nil, err
	}
	if err := e.conns.RecordOutcome(conn.ID, connections.Outcome{Success: false, Error: runErr.Error()}, now); err != nil {
		return nil, err
	}
	result.HealthScore, _ = e.rescore(conn.ID)

	e.log.Error().Err(runErr).
		Str("connection_id", conn.ID).
		Str("job_id", jobID).
		Msg("Sync run failed")
	return result, runErr
}

func (e *Engine) rescore(connectionID string) (int, error) {
	conn, err := e.conns.GetAny(connectionID)
	if err != nil || conn == nil {
		return 0, err
	}
	return e.scorer.Rescore(conn, time.Now().UTC())
}

// run executes the sync phases: auth, accounts, transaction pages, import.
func (e *Engine) run(ctx context.Context, scope tenancy.Scope, conn *domain.Connection, jobID string) (jobs.Counts, error) {
	var counts jobs.Counts

	adapter, err := e.registry.Get(conn.ProviderID)
	if err != nil {
		return counts, err
	}
	descriptor := adapter.Descriptor()
	gate := e.gates.For(conn.ProviderID)

	auth, err := e.resolveAuth(ctx, conn, adapter, descriptor)
	if err != nil {
		return counts, err
	}

	targets, err := e.syncAccounts(ctx, scope, conn, adapter, descriptor, gate, auth)
	if err != nil {
		return counts, err
	}

	for _, target := range targets {
		fetched, err := e.syncTransactionPages(ctx, scope, conn, adapter, gate, auth, target)
		counts.Fetched += fetched
		if err != nil {
			return counts, err
		}
	}

	stats, err := e.importer.Run(scope, conn.ID, jobID)
	counts.Processed = stats.Processed
	counts.Imported = stats.Imported + stats.Removed
	counts.Skipped = stats.Skipped
	counts.Failed = stats.Failed
	if err != nil {
		return counts, err
	}

	return counts, nil
}

// resolveAuth produces the provider auth material for the connection's
// integration type.
func (e *Engine) resolveAuth(ctx context.Context, conn *domain.Connection, adapter providers.Adapter, descriptor providers.Descriptor) (providers.Auth, error) {
	if descriptor.IntegrationType == domain.IntegrationDirectCredentials {
		fields, err := e.creds.Fields(conn.ID)
		if err != nil {
			return providers.Auth{}, err
		}
		return providers.Auth{Fields: fields}, nil
	}

	var refresher vault.Refresher
	if descriptor.SupportsRefresh {
		refresher = adapter
	}
	tokens, err := e.tokens.AccessToken(ctx, conn.ID, conn.ProviderID, refresher)
	if err != nil {
		return providers.Auth{}, err
	}
	return providers.Auth{AccessToken: tokens.AccessToken}, nil
}

// syncAccounts pulls the provider's account list, refreshes staging rows,
// canonicalizes new accounts, and updates balances. Returns the sync targets
// for the transaction phase: one empty target for connection-granularity
// providers, or the external account ids for per-account providers.
func (e *Engine) syncAccounts(ctx context.Context, scope tenancy.Scope, conn *domain.Connection, adapter providers.Adapter, descriptor providers.Descriptor, gate *providers.Gate, auth providers.Auth) ([]string, error) {
	if err := gate.Acquire(ctx); err != nil {
		return nil, err
	}
	rawAccounts, err := adapter.FetchRawAccounts(ctx, auth)
	gate.Release()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var targets []string
	for _, raw := range rawAccounts {
		metadata := raw.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		if raw.InstitutionID != "" {
			metadata["institution_id"] = raw.InstitutionID
		}

		pa := &domain.ProviderAccount{
			ConnectionID:      conn.ID,
			ProviderID:        conn.ProviderID,
			ExternalAccountID: raw.ExternalAccountID,
			AccountType:       raw.AccountType,
			Currency:          raw.Currency,
			Balance:           raw.Balance,
			IBAN:              raw.IBAN,
			Status:            raw.Status,
			ProviderMetadata:  metadata,
			LastSyncedAt:      &now,
		}

		canonical, err := e.accounts.GetByExternalID(scope, conn.ID, raw.ExternalAccountID)
		if err != nil {
			return nil, err
		}
		if canonical == nil {
			acc := &domain.Account{
				AccountName:       accountName(raw),
				AccountType:       raw.AccountType,
				Currency:          raw.Currency,
				BalanceCurrent:    raw.Balance,
				BalanceAvailable:  raw.BalanceAvailable,
				BalanceLedger:     raw.Balance,
				IBAN:              raw.IBAN,
				AccountStatus:     orDefault(raw.Status, "active"),
				ConnectionID:      conn.ID,
				ProviderID:        conn.ProviderID,
				ExternalAccountID: raw.ExternalAccountID,
				CreatedBy:         "system",
			}
			if err := e.accounts.Create(scope, acc); err != nil {
				return nil, err
			}
			pa.AccountID = acc.ID
		} else {
			pa.AccountID = canonical.ID
			err := e.accounts.UpdateBalances(scope, canonical.ID,
				raw.Balance, raw.BalanceAvailable, raw.Balance, orDefault(raw.Status, canonical.AccountStatus))
			if err != nil {
				return nil, err
			}
		}

		if err := e.staging.UpsertProviderAccount(scope, pa); err != nil {
			return nil, err
		}
		if pa.AccountID != "" {
			if err := e.staging.LinkCanonicalAccount(pa.ID, pa.AccountID); err != nil {
				return nil, err
			}
		}

		targets = append(targets, raw.ExternalAccountID)
	}

	if descriptor.SyncGranularity == providers.GranularityConnection {
		return []string{""}, nil
	}
	return targets, nil
}

// syncTransactionPages walks the provider's cursor pages for one target. Each
// page is staged atomically, but the cursor is persisted only once the walk
// completes: a mid-pagination failure leaves the stored cursor at the
// pre-run value, and the next run re-fetches into the idempotent staging
// table.
func (e *Engine) syncTransactionPages(ctx context.Context, scope tenancy.Scope, conn *domain.Connection, adapter providers.Adapter, gate *providers.Gate, auth providers.Auth, target string) (int, error) {
	key := staging.CursorKey(conn.ID, target)
	cursor, err := e.staging.Cursor(key)
	if err != nil {
		return 0, err
	}

	fetched := 0
	current := cursor.Cursor
	var adv staging.CursorAdvance
	for page := 0; page < maxPagesPerTarget; page++ {
		if err := ctx.Err(); err != nil {
			return fetched, fmt.Errorf("run deadline exceeded: %w", err)
		}

		if err := gate.Acquire(ctx); err != nil {
			return fetched, err
		}
		result, err := adapter.SyncTransactions(ctx, auth, target, current)
		gate.Release()
		if err != nil {
			return fetched, err
		}

		if _, err := e.staging.StageBatch(scope, conn.ID, result, time.Now().UTC()); err != nil {
			return fetched, err
		}
		fetched += len(result.Added) + len(result.Modified) + len(result.Removed)
		adv.Added += len(result.Added)
		adv.Modified += len(result.Modified)
		adv.Removed += len(result.Removed)
		adv.HasMore = result.HasMore

		current = result.NextCursor
		if !result.HasMore {
			break
		}
	}

	adv.Cursor = current
	if err := e.staging.AdvanceCursor(key, adv, time.Now().UTC()); err != nil {
		return fetched, err
	}
	return fetched, nil
}

// minGap is the shortest allowed spacing between runs of a connection: the
// full schedule interval. A manual trigger inside the interval is throttled,
// not run.
func minGap(bucket domain.SyncSchedule) time.Duration {
	if interval := bucket.Interval(); interval > 0 {
		return interval
	}
	return time.Minute // manual schedules have no cadence
}

// retryAfter extracts a provider-supplied retry hint, defaulting to fifteen
// minutes.
func retryAfter(err error) time.Duration {
	var pe *domain.ProviderError
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return time.Duration(pe.RetryAfter) * time.Second
	}
	return 15 * time.Minute
}

func accountName(raw providers.RawAccount) string {
	if raw.Name != "" {
		return raw.Name
	}
	if raw.IBAN != "" {
		return raw.IBAN
	}
	return raw.ExternalAccountID
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
