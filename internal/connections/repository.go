// Package connections manages provider connections: their lifecycle, the
// scheduler's ready-set, sync outcome bookkeeping, and the per-connection
// lease that serializes sync runs.
package connections

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/tenancy"
)

// Outcome summarizes one finished sync run for schedule bookkeeping.
type Outcome struct {
	Success bool
	Error   string
}

// Repository handles connection persistence on core.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new connections repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "connections").Logger(),
	}
}

// Create inserts a new pending connection.
func (r *Repository) Create(scope tenancy.Scope, c *domain.Connection) error {
	if !scope.CanWrite() {
		return fmt.Errorf("%w: role %s cannot create connections", domain.ErrTenantIsolation, scope.Role)
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.TenantID = scope.TenantID
	if c.Status == "" {
		c.Status = domain.ConnectionPending
	}
	if c.SyncSchedule == "" {
		c.SyncSchedule = domain.ScheduleDaily
	}
	if c.HealthScore == 0 {
		c.HealthScore = 100
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(`
		INSERT INTO connections (
			id, tenant_id, provider_id, display_name, status, integration_type,
			sync_schedule, sync_enabled, next_sync_at, health_score,
			oauth_state, is_reconnection, reconnected_from, reconnection_confidence,
			created_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.TenantID, c.ProviderID, c.DisplayName, string(c.Status), string(c.IntegrationType),
		string(c.SyncSchedule), boolToInt(c.SyncEnabled), formatNullableTime(c.NextSyncAt), c.HealthScore,
		nullIfEmpty(c.OAuthState), boolToInt(c.IsReconnection), nullIfEmpty(c.ReconnectedFrom),
		nullIfEmpty(c.ReconnectionConfidence), c.CreatedBy, c.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return nil
}

// Get retrieves a connection within the scope's tenant.
func (r *Repository) Get(scope tenancy.Scope, id string) (*domain.Connection, error) {
	row := r.db.QueryRow(selectColumns+` WHERE tenant_id = ? AND id = ?`, scope.TenantID, id)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection %s: %w", id, err)
	}
	return c, nil
}

// GetAny retrieves a connection by id without tenant scoping. Reserved for
// the sync engine and scheduler, which act on behalf of the platform.
func (r *Repository) GetAny(id string) (*domain.Connection, error) {
	row := r.db.QueryRow(selectColumns+` WHERE id = ?`, id)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection %s: %w", id, err)
	}
	return c, nil
}

// ListByTenant returns all of a tenant's connections.
func (r *Repository) ListByTenant(scope tenancy.Scope) ([]domain.Connection, error) {
	rows, err := r.db.Query(selectColumns+` WHERE tenant_id = ? ORDER BY created_at`, scope.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows, r.log)
}

// FleetList returns every connection across tenants. Callers must hold a
// super-admin principal; the admin service audits each use.
func (r *Repository) FleetList() ([]domain.Connection, error) {
	rows, err := r.db.Query(selectColumns + ` ORDER BY tenant_id, created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list fleet connections: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows, r.log)
}

// ConsumeOAuthState atomically looks up the pending connection holding the
// given one-time state and clears it. Returns nil when no connection holds
// the state (expired, replayed, or forged callbacks).
func (r *Repository) ConsumeOAuthState(state string) (*domain.Connection, error) {
	if state == "" {
		return nil, nil
	}

	var id string
	err := r.db.QueryRow(`
		UPDATE connections SET oauth_state = NULL
		WHERE oauth_state = ? AND status = 'pending'
		RETURNING id
	`, state).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}

	return r.GetAny(id)
}

// Activate transitions a pending connection to active after a successful
// token exchange.
func (r *Repository) Activate(id string) error {
	_, err := r.db.Exec(`
		UPDATE connections SET status = 'active', oauth_state = NULL WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to activate connection %s: %w", id, err)
	}
	return nil
}

// SetStatus writes the connection status and optional error detail.
func (r *Repository) SetStatus(id string, status domain.ConnectionStatus, lastError string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	var err error
	if lastError != "" {
		_, err = r.db.Exec(`
			UPDATE connections SET status = ?, last_error = ?, last_error_at = ? WHERE id = ?
		`, string(status), lastError, now, id)
	} else {
		_, err = r.db.Exec(`UPDATE connections SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("failed to set connection %s status: %w", id, err)
	}
	return nil
}

// MarkReconnection records that a connection supersedes a previous one.
func (r *Repository) MarkReconnection(id, previousID, confidence string) error {
	_, err := r.db.Exec(`
		UPDATE connections SET is_reconnection = 1, reconnected_from = ?, reconnection_confidence = ?
		WHERE id = ?
	`, previousID, confidence, id)
	if err != nil {
		return fmt.Errorf("failed to mark reconnection on %s: %w", id, err)
	}
	return nil
}

// UpdateSchedule changes a connection's schedule bucket and enablement.
// next_sync_at is recomputed from now so the new cadence takes effect on the
// next tick.
func (r *Repository) UpdateSchedule(id string, bucket domain.SyncSchedule, enabled bool) error {
	if !bucket.Valid() {
		return fmt.Errorf("invalid sync schedule: %s", bucket)
	}

	next := time.Now().UTC().Add(bucket.Interval()).Format(time.RFC3339)
	_, err := r.db.Exec(`
		UPDATE connections SET sync_schedule = ?, sync_enabled = ?, next_sync_at = ? WHERE id = ?
	`, string(bucket), boolToInt(enabled), next, id)
	if err != nil {
		return fmt.Errorf("failed to update schedule for %s: %w", id, err)
	}
	return nil
}

// ListReady selects the connections due for a sync in the given bucket:
// enabled, next_sync_at in the past, not currently leased. Ordered oldest
// next_sync_at first with lowest health score as tiebreaker, so recovering
// connections are prioritized.
func (r *Repository) ListReady(bucket domain.SyncSchedule, now time.Time, limit int) ([]domain.Connection, error) {
	nowStr := now.UTC().Format(time.RFC3339)

	rows, err := r.db.Query(selectColumns+`
		WHERE sync_enabled = 1
		  AND sync_schedule = ?
		  AND status != 'revoked'
		  AND (next_sync_at IS NULL OR next_sync_at <= ?)
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		ORDER BY COALESCE(next_sync_at, '') ASC, health_score ASC
		LIMIT ?
	`, string(bucket), nowStr, nowStr, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready connections: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows, r.log)
}

// RecordOutcome persists a finished run's schedule bookkeeping: success
// resets the failure streak; failure increments it and defers the next run
// by exponential back-off (capped at interval x 8).
func (r *Repository) RecordOutcome(id string, outcome Outcome, now time.Time) error {
	conn, err := r.GetAny(id)
	if err != nil {
		return err
	}
	if conn == nil {
		return fmt.Errorf("connection %s not found", id)
	}

	nowStr := now.UTC().Format(time.RFC3339)

	if outcome.Success {
		next := now.UTC().Add(conn.SyncSchedule.Interval()).Format(time.RFC3339)
		_, err = r.db.Exec(`
			UPDATE connections SET
				last_sync_at = ?, last_success_at = ?, next_sync_at = ?,
				consecutive_failures = 0, last_error = '', status = 'active'
			WHERE id = ? AND status != 'revoked'
		`, nowStr, nowStr, next, id)
		if err != nil {
			return fmt.Errorf("failed to record success for %s: %w", id, err)
		}
		return nil
	}

	failures := conn.ConsecutiveFailures + 1
	next := now.UTC().
		Add(conn.SyncSchedule.Interval()).
		Add(Backoff(conn.SyncSchedule, failures)).
		Format(time.RFC3339)

	_, err = r.db.Exec(`
		UPDATE connections SET
			last_sync_at = ?, next_sync_at = ?, consecutive_failures = ?,
			last_error = ?, last_error_at = ?
		WHERE id = ?
	`, nowStr, next, failures, outcome.Error, nowStr, id)
	if err != nil {
		return fmt.Errorf("failed to record failure for %s: %w", id, err)
	}
	return nil
}

// AcquireLease claims the connection's sync lease until now+ttl. Returns
// false without blocking when another worker holds an unexpired lease. The
// expiry is wall-clock so a crashed worker's lease frees itself.
func (r *Repository) AcquireLease(id string, ttl time.Duration, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := r.db.Exec(`
		UPDATE connections SET lease_expires_at = ?
		WHERE id = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
	`, now.UTC().Add(ttl).Format(time.RFC3339), id, nowStr)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease on %s: %w", id, err)
	}

	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLease frees the connection's sync lease.
func (r *Repository) ReleaseLease(id string) error {
	_, err := r.db.Exec(`UPDATE connections SET lease_expires_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to release lease on %s: %w", id, err)
	}
	return nil
}

// DeferNext pushes the next sync out without recording an outcome. Used for
// rate-limit skips, which are not failures.
func (r *Repository) DeferNext(id string, until time.Time) error {
	_, err := r.db.Exec(`UPDATE connections SET next_sync_at = ? WHERE id = ?`,
		until.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to defer next sync for %s: %w", id, err)
	}
	return nil
}

// SetHealthScore persists the scorer's result.
func (r *Repository) SetHealthScore(id string, score int) error {
	_, err := r.db.Exec(`UPDATE connections SET health_score = ? WHERE id = ?`, score, id)
	if err != nil {
		return fmt.Errorf("failed to set health score for %s: %w", id, err)
	}
	return nil
}

// Backoff computes the failure deferral for a schedule bucket: the interval
// doubled per consecutive failure, capped at interval x 8.
func Backoff(bucket domain.SyncSchedule, consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 0 {
		return 0
	}

	interval := bucket.Interval()
	if interval == 0 {
		interval = time.Hour
	}

	backoff := interval
	for i := 1; i < consecutiveFailures; i++ {
		backoff *= 2
		if backoff >= interval*8 {
			return interval * 8
		}
	}
	if backoff > interval*8 {
		backoff = interval * 8
	}
	return backoff
}

const selectColumns = `
	SELECT id, tenant_id, provider_id, display_name, status, integration_type,
	       sync_schedule, sync_enabled, last_sync_at, next_sync_at,
	       last_success_at, last_error, last_error_at, consecutive_failures,
	       health_score, COALESCE(oauth_state, ''), is_reconnection,
	       COALESCE(reconnected_from, ''), COALESCE(reconnection_confidence, ''),
	       lease_expires_at, created_by, created_at
	FROM connections
`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(s scanner) (*domain.Connection, error) {
	var c domain.Connection
	var status, integrationType, schedule, createdAt string
	var syncEnabled, isReconnection int
	var lastSync, nextSync, lastSuccess, lastErrorAt, leaseExpires sql.NullString

	err := s.Scan(
		&c.ID, &c.TenantID, &c.ProviderID, &c.DisplayName, &status, &integrationType,
		&schedule, &syncEnabled, &lastSync, &nextSync,
		&lastSuccess, &c.LastError, &lastErrorAt, &c.ConsecutiveFailures,
		&c.HealthScore, &c.OAuthState, &isReconnection,
		&c.ReconnectedFrom, &c.ReconnectionConfidence,
		&leaseExpires, &c.CreatedBy, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = domain.ConnectionStatus(status)
	c.IntegrationType = domain.IntegrationType(integrationType)
	c.SyncSchedule = domain.SyncSchedule(schedule)
	c.SyncEnabled = syncEnabled != 0
	c.IsReconnection = isReconnection != 0
	c.LastSyncAt = parseNullableTime(lastSync)
	c.NextSyncAt = parseNullableTime(nextSync)
	c.LastSuccessAt = parseNullableTime(lastSuccess)
	c.LastErrorAt = parseNullableTime(lastErrorAt)
	c.LeaseExpiresAt = parseNullableTime(leaseExpires)
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &c, nil
}

func collectConnections(rows *sql.Rows, log zerolog.Logger) ([]domain.Connection, error) {
	var result []domain.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to scan connection row")
			continue
		}
		result = append(result, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return result, nil
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
