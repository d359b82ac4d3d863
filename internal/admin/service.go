// Package admin exposes the cross-tenant fleet operations. Every call
// requires a super-admin principal and writes an append-only audit event.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/audit"
	"github.com/cofferbank/coffer/internal/connections"
	"github.com/cofferbank/coffer/internal/database"
	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/health"
	"github.com/cofferbank/coffer/internal/jobs"
	"github.com/cofferbank/coffer/internal/syncengine"
	"github.com/cofferbank/coffer/internal/tenancy"
)

// ErrSuperAdminRequired is returned for any fleet call without a super-admin
// principal.
var ErrSuperAdminRequired = fmt.Errorf("%w: super admin required", domain.ErrTenantIsolation)

// ScheduleUpdate is one entry of a bulk schedule change.
type ScheduleUpdate struct {
	ConnectionID string              `json:"connection_id"`
	Schedule     domain.SyncSchedule `json:"schedule"`
	Enabled      bool                `json:"enabled"`
}

// FleetHealth aggregates connection health and storage state across tenants.
type FleetHealth struct {
	Connections map[string]int              `json:"connections"` // status -> count
	Health      map[string]int              `json:"health"`      // healthy/warning/critical -> count
	Databases   []DatabaseHealth            `json:"databases"`
	Metrics     []domain.SystemHealthMetric `json:"metrics"`
}

// DatabaseHealth is one database's integrity and size snapshot.
type DatabaseHealth struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	SizeBytes int64  `json:"size_bytes"`
	WALBytes  int64  `json:"wal_bytes"`
}

// Service implements the fleet operations.
type Service struct {
	conns     *connections.Repository
	jobs      *jobs.Repository
	engine    *syncengine.Engine
	archiver  *jobs.Archiver
	metrics   *health.MetricsRecorder
	audit     *audit.Repository
	databases []*database.DB
	log       zerolog.Logger
}

// NewService creates the admin fleet service.
func NewService(
	conns *connections.Repository,
	jobsRepo *jobs.Repository,
	engine *syncengine.Engine,
	archiver *jobs.Archiver,
	metrics *health.MetricsRecorder,
	aud *audit.Repository,
	databases []*database.DB,
	log zerolog.Logger,
) *Service {
	return &Service{
		conns:     conns,
		jobs:      jobsRepo,
		engine:    engine,
		archiver:  archiver,
		metrics:   metrics,
		audit:     aud,
		databases: databases,
		log:       log.With().Str("component", "admin_service").Logger(),
	}
}

// FleetConnections lists every connection across tenants.
func (s *Service) FleetConnections(principal tenancy.Principal) ([]domain.Connection, error) {
	if err := s.authorize(principal, "fleet_connections_list", "fleet", "", nil); err != nil {
		return nil, err
	}
	return s.conns.FleetList()
}

// TriggerSync starts an immediate sync run for a connection.
func (s *Service) TriggerSync(ctx context.Context, principal tenancy.Principal, connectionID string) (*syncengine.RunResult, error) {
	err := s.authorize(principal, "connection_sync_trigger", "connection", connectionID, nil)
	if err != nil {
		return nil, err
	}
	return s.engine.SyncConnection(ctx, connectionID, "admin_sync")
}

// UpdateSchedule changes one connection's schedule bucket.
func (s *Service) UpdateSchedule(principal tenancy.Principal, update ScheduleUpdate) error {
	err := s.authorize(principal, "connection_schedule_update", "connection", update.ConnectionID,
		map[string]any{"schedule": string(update.Schedule), "enabled": update.Enabled})
	if err != nil {
		return err
	}
	return s.conns.UpdateSchedule(update.ConnectionID, update.Schedule, update.Enabled)
}

// BulkUpdateSchedules applies schedule changes across connections. Invalid
// entries are skipped and reported; valid entries still apply.
func (s *Service) BulkUpdateSchedules(principal tenancy.Principal, updates []ScheduleUpdate) (applied int, failed []string, err error) {
	err = s.authorize(principal, "connection_schedule_bulk_update", "fleet", "",
		map[string]any{"count": len(updates)})
	if err != nil {
		return 0, nil, err
	}

	for _, u := range updates {
		if err := s.conns.UpdateSchedule(u.ConnectionID, u.Schedule, u.Enabled); err != nil {
			failed = append(failed, u.ConnectionID)
			s.log.Warn().Err(err).Str("connection_id", u.ConnectionID).Msg("Bulk schedule entry failed")
			continue
		}
		applied++
	}
	return applied, failed, nil
}

// FleetHealth reports connection status counts, database health, and the
// latest system metrics.
func (s *Service) FleetHealth(ctx context.Context, principal tenancy.Principal) (*FleetHealth, error) {
	if err := s.authorize(principal, "fleet_health_read", "fleet", "", nil); err != nil {
		return nil, err
	}

	all, err := s.conns.FleetList()
	if err != nil {
		return nil, err
	}

	result := &FleetHealth{
		Connections: make(map[string]int),
		Health:      make(map[string]int),
	}
	for _, c := range all {
		result.Connections[string(c.Status)]++
		result.Health[string(health.StatusFor(c.HealthScore))]++
	}

	for _, db := range s.databases {
		dh := DatabaseHealth{Name: db.Name(), Healthy: db.HealthCheck(ctx) == nil}
		if stats, err := db.GetStats(); err == nil {
			dh.SizeBytes = stats.SizeBytes
			dh.WALBytes = stats.WALSizeBytes
		}
		result.Databases = append(result.Databases, dh)
	}

	if s.metrics != nil {
		if latest, err := s.metrics.Latest(); err == nil {
			result.Metrics = latest
		}
	}
	return result, nil
}

// RecentJobs lists the newest entries of the job ledger, optionally filtered
// by connection.
func (s *Service) RecentJobs(principal tenancy.Principal, connectionID string, limit int) ([]domain.IngestionJob, error) {
	err := s.authorize(principal, "jobs_read", "connection", connectionID, nil)
	if err != nil {
		return nil, err
	}
	if connectionID != "" {
		return s.jobs.RecentByConnection(connectionID, limit)
	}
	return s.jobs.Recent(limit)
}

// RunArchive triggers the job-ledger retention cycle outside its schedule and
// reports how many ledger rows were purged.
func (s *Service) RunArchive(ctx context.Context, principal tenancy.Principal) (int, error) {
	if err := s.authorize(principal, "job_archive_run", "fleet", "", nil); err != nil {
		return 0, err
	}
	purged, err := s.archiver.RunRetentionCycle(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	s.log.Info().Int("purged", purged).Msg("Job ledger retention cycle completed")
	return purged, nil
}

// AuditTrail returns the most recent admin audit events.
func (s *Service) AuditTrail(principal tenancy.Principal, limit int) ([]domain.AdminAuditEvent, error) {
	if err := s.authorize(principal, "audit_trail_read", "fleet", "", nil); err != nil {
		return nil, err
	}
	return s.audit.AdminEvents(limit)
}

// authorize rejects non-super-admin principals and records the action. The
// audit write happens before the operation so refused writes cannot hide.
func (s *Service) authorize(principal tenancy.Principal, action, targetType, targetID string, payload map[string]any) error {
	if !principal.SuperAdmin {
		return ErrSuperAdminRequired
	}

	err := s.audit.RecordAdminEvent(&domain.AdminAuditEvent{
		ActorUserID: principal.UserID,
		Action:      action,
		TargetType:  targetType,
		TargetID:    targetID,
		Payload:     payload,
	})
	if err != nil {
		return fmt.Errorf("failed to audit admin action %s: %w", action, err)
	}
	return nil
}
