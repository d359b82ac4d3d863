// Package jobs maintains the ingestion job ledger on ops.db: one row per
// sync run, with enforced status transitions and a retention/archive cycle.
package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/domain"
)

// RetentionDays is how long completed job rows stay in the ledger before the
// purge cycle archives and removes them.
const RetentionDays = 30

// Counts carries the per-run record tallies written on completion.
type Counts struct {
	Fetched   int
	Processed int
	Imported  int
	Skipped   int
	Failed    int
}

// Repository handles job ledger persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new jobs repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "jobs").Logger(),
	}
}

// validTransitions lists the allowed job status edges. Anything else is a
// programming error and is refused.
var validTransitions = map[domain.JobStatus][]domain.JobStatus{
	domain.JobPending:    {domain.JobInProgress, domain.JobFailed},
	domain.JobInProgress: {domain.JobCompleted, domain.JobFailed},
}

func transitionAllowed(from, to domain.JobStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Open creates a pending job row for a sync run.
func (r *Repository) Open(tenantID, connectionID, jobType string) (*domain.IngestionJob, error) {
	job := &domain.IngestionJob{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		ConnectionID: connectionID,
		JobType:      jobType,
		Status:       domain.JobPending,
		StartedAt:    time.Now().UTC(),
	}

	_, err := r.db.Exec(`
		INSERT INTO ingestion_jobs (id, tenant_id, connection_id, job_type, status, started_at)
		VALUES (?, ?, ?, ?, 'pending', ?)
	`, job.ID, job.TenantID, job.ConnectionID, job.JobType, job.StartedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to open job: %w", err)
	}

	return job, nil
}

// Start moves a job to in_progress.
func (r *Repository) Start(jobID string) error {
	return r.transition(jobID, domain.JobInProgress, nil, "", nil)
}

// Complete moves a job to completed with its final counts.
func (r *Repository) Complete(jobID string, counts Counts, summary map[string]any) error {
	return r.transition(jobID, domain.JobCompleted, &counts, "", summary)
}

// Fail moves a job to failed with the error message and whatever counts
// accumulated before the failure.
func (r *Repository) Fail(jobID string, counts Counts, errMsg string) error {
	return r.transition(jobID, domain.JobFailed, &counts, errMsg, nil)
}

func (r *Repository) transition(jobID string, to domain.JobStatus, counts *Counts, errMsg string, summary map[string]any) error {
	job, err := r.Get(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", jobID)
	}
	if !transitionAllowed(job.Status, to) {
		return fmt.Errorf("invalid job transition %s -> %s for job %s", job.Status, to, jobID)
	}

	args := []interface{}{string(to)}
	query := `UPDATE ingestion_jobs SET status = ?`

	if to == domain.JobCompleted || to == domain.JobFailed {
		query += `, completed_at = ?`
		args = append(args, time.Now().UTC().Format(time.RFC3339))
	}
	if counts != nil {
		query += `, records_fetched = ?, records_processed = ?, records_imported = ?,
			records_skipped = ?, records_failed = ?`
		args = append(args, counts.Fetched, counts.Processed, counts.Imported, counts.Skipped, counts.Failed)
	}
	if errMsg != "" {
		query += `, error_message = ?`
		args = append(args, errMsg)
	}
	if summary != nil {
		summaryJSON, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to marshal job summary: %w", err)
		}
		query += `, summary = ?`
		args = append(args, string(summaryJSON))
	}

	query += ` WHERE id = ?`
	args = append(args, jobID)

	if _, err := r.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to transition job %s to %s: %w", jobID, to, err)
	}
	return nil
}

const selectColumns = `
	SELECT id, tenant_id, connection_id, job_type, status, started_at,
	       completed_at, records_fetched, records_processed, records_imported,
	       records_skipped, records_failed, error_message, summary
	FROM ingestion_jobs
`

// Get retrieves one job.
func (r *Repository) Get(jobID string) (*domain.IngestionJob, error) {
	row := r.db.QueryRow(selectColumns+` WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}

// RecentByConnection returns a connection's latest jobs, newest first.
func (r *Repository) RecentByConnection(connectionID string, limit int) ([]domain.IngestionJob, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.Query(selectColumns+`
		WHERE connection_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for connection %s: %w", connectionID, err)
	}
	defer rows.Close()
	return r.collect(rows)
}

// Recent returns the fleet's latest jobs, newest first.
func (r *Repository) Recent(limit int) ([]domain.IngestionJob, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(selectColumns+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent jobs: %w", err)
	}
	defer rows.Close()
	return r.collect(rows)
}

// SuccessRate computes the completed fraction of a connection's last n
// finished jobs. A connection with no finished jobs scores 1.0 so new
// connections start healthy.
func (r *Repository) SuccessRate(connectionID string, n int) (float64, error) {
	if n <= 0 {
		n = 20
	}

	rows, err := r.db.Query(`
		SELECT status FROM ingestion_jobs
		WHERE connection_id = ? AND status IN ('completed', 'failed')
		ORDER BY started_at DESC
		LIMIT ?
	`, connectionID, n)
	if err != nil {
		return 0, fmt.Errorf("failed to query job outcomes: %w", err)
	}
	defer rows.Close()

	total, completed := 0, 0
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, fmt.Errorf("failed to scan job status: %w", err)
		}
		total++
		if domain.JobStatus(status) == domain.JobCompleted {
			completed++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating job outcomes: %w", err)
	}

	if total == 0 {
		return 1.0, nil
	}
	return float64(completed) / float64(total), nil
}

// ExpiredBefore returns finished jobs older than the cutoff, oldest first.
// The archiver uploads these before PurgeBefore removes them.
func (r *Repository) ExpiredBefore(cutoff time.Time, limit int) ([]domain.IngestionJob, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := r.db.Query(selectColumns+`
		WHERE started_at < ? AND status IN ('completed', 'failed')
		ORDER BY started_at
		LIMIT ?
	`, cutoff.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired jobs: %w", err)
	}
	defer rows.Close()
	return r.collect(rows)
}

// PurgeBefore deletes finished jobs older than the cutoff and returns the
// number removed.
func (r *Repository) PurgeBefore(cutoff time.Time) (int, error) {
	res, err := r.db.Exec(`
		DELETE FROM ingestion_jobs
		WHERE started_at < ? AND status IN ('completed', 'failed')
	`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("Job ledger purged")
	}
	return int(n), nil
}

func (r *Repository) collect(rows *sql.Rows) ([]domain.IngestionJob, error) {
	var result []domain.IngestionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan job row")
			continue
		}
		result = append(result, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*domain.IngestionJob, error) {
	var job domain.IngestionJob
	var status, startedAt, summaryJSON string
	var completedAt sql.NullString

	err := s.Scan(&job.ID, &job.TenantID, &job.ConnectionID, &job.JobType, &status,
		&startedAt, &completedAt, &job.RecordsFetched, &job.RecordsProcessed,
		&job.RecordsImported, &job.RecordsSkipped, &job.RecordsFailed,
		&job.ErrorMessage, &summaryJSON)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	job.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if completedAt.Valid && completedAt.String != "" {
		if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
			job.CompletedAt = &t
		}
	}
	_ = json.Unmarshal([]byte(summaryJSON), &job.Summary)

	return &job, nil
}
