// Package audit persists the append-only event streams on ops.db:
// connection history events and admin audit events.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/domain"
)

// Repository handles audit and history persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new audit repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "audit").Logger(),
	}
}

// RecordConnectionEvent appends a connection lifecycle event.
func (r *Repository) RecordConnectionEvent(e *domain.ConnectionHistoryEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(orEmptyMap(e.Payload))
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO connection_history_events (
			id, tenant_id, connection_id, previous_connection_id,
			event_type, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TenantID, e.ConnectionID, nullIfEmpty(e.PreviousConnectionID),
		string(e.EventType), string(payloadJSON), e.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record connection event: %w", err)
	}

	return nil
}

// ConnectionEvents returns a connection's history, newest first.
func (r *Repository) ConnectionEvents(connectionID string, limit int) ([]domain.ConnectionHistoryEvent, error) {
	query := `
		SELECT id, tenant_id, connection_id, COALESCE(previous_connection_id, ''),
		       event_type, payload, created_at
		FROM connection_history_events
		WHERE connection_id = ?
		ORDER BY created_at DESC
	`
	args := []interface{}{connectionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connection events: %w", err)
	}
	defer rows.Close()

	var result []domain.ConnectionHistoryEvent
	for rows.Next() {
		var e domain.ConnectionHistoryEvent
		var eventType, payloadJSON, createdAt string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ConnectionID, &e.PreviousConnectionID,
			&eventType, &payloadJSON, &createdAt); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan connection event row")
			continue
		}
		e.EventType = domain.ConnectionEventType(eventType)
		_ = json.Unmarshal([]byte(payloadJSON), &e.Payload)
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connection events: %w", err)
	}

	return result, nil
}

// RecordAdminEvent appends an administrative audit event. Every fleet-wide
// admin operation writes one of these before returning.
func (r *Repository) RecordAdminEvent(e *domain.AdminAuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(orEmptyMap(e.Payload))
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO admin_audit_events (
			id, actor_user_id, action, target_type, target_id, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ActorUserID, e.Action, e.TargetType, nullIfEmpty(e.TargetID),
		string(payloadJSON), e.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record admin audit event: %w", err)
	}

	return nil
}

// AdminEvents returns recent admin audit events, newest first.
func (r *Repository) AdminEvents(limit int) ([]domain.AdminAuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(`
		SELECT id, actor_user_id, action, target_type, COALESCE(target_id, ''),
		       payload, created_at
		FROM admin_audit_events
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list admin audit events: %w", err)
	}
	defer rows.Close()

	var result []domain.AdminAuditEvent
	for rows.Next() {
		var e domain.AdminAuditEvent
		var payloadJSON, createdAt string
		if err := rows.Scan(&e.ID, &e.ActorUserID, &e.Action, &e.TargetType,
			&e.TargetID, &payloadJSON, &createdAt); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan audit event row")
			continue
		}
		_ = json.Unmarshal([]byte(payloadJSON), &e.Payload)
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return result, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
