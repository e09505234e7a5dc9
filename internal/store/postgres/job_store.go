package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

// JobStore implements indexer.JobStore using Postgres.
type JobStore struct {
	pool Querier
}

// NewJobStore creates a new JobStore.
func NewJobStore(pool Querier) *JobStore {
	return &JobStore{pool: pool}
}

// CreateJob inserts a new PENDING job row. Scan-type jobs are rejected
// with indexer.ErrConflict while another scan for the same project is
// still active; the check and insert share one transaction so two
// concurrent enqueues cannot both pass.
func (s *JobStore) CreateJob(ctx context.Context, job indexer.Job) error {
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin job tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if job.Type == indexer.JobFullScan || job.Type == indexer.JobIncrementalSync {
		// Serialize enqueues per project and type: the row locks below
		// cover nothing while no active scan exists yet.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
			job.ProjectID.String()+"/"+string(job.Type)); err != nil {
			return fmt.Errorf("lock job enqueue: %w", err)
		}
		var active bool
		check := `
			SELECT EXISTS (
				SELECT 1 FROM jobs
				WHERE project_id = $1 AND type = $2 AND status IN ('PENDING', 'PROCESSING')
				FOR UPDATE
			);
		`
		if err := tx.QueryRow(ctx, check, job.ProjectID, job.Type).Scan(&active); err != nil {
			return fmt.Errorf("check active jobs: %w", err)
		}
		if active {
			return indexer.ErrConflict
		}
	}

	insert := `
		INSERT INTO jobs (id, project_id, type, status, progress, total_items,
		                  processed_items, metadata, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	if _, err := tx.Exec(ctx, insert,
		job.ID,
		job.ProjectID,
		job.Type,
		job.Status,
		job.Progress,
		job.TotalItems,
		job.ProcessedItems,
		meta,
		job.ScheduledAt,
	); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit job tx: %w", err)
	}
	return nil
}

// GetJob retrieves a single job by its ID.
func (s *JobStore) GetJob(ctx context.Context, id uuid.UUID) (indexer.Job, error) {
	query := `
		SELECT id, project_id, type, status, progress, total_items,
		       processed_items, metadata, scheduled_at, started_at,
		       completed_at, error_message
		FROM jobs
		WHERE id = $1;
	`
	var job indexer.Job
	var meta []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&job.ID,
		&job.ProjectID,
		&job.Type,
		&job.Status,
		&job.Progress,
		&job.TotalItems,
		&job.ProcessedItems,
		&meta,
		&job.ScheduledAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return indexer.Job{}, indexer.ErrNotFound
		}
		return indexer.Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Metadata); err != nil {
			return indexer.Job{}, fmt.Errorf("unmarshal job metadata: %w", err)
		}
	}
	return job, nil
}

// HasActiveJob reports whether a PENDING or PROCESSING job of the given
// type exists for the project.
func (s *JobStore) HasActiveJob(ctx context.Context, projectID uuid.UUID, jobType indexer.JobType) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE project_id = $1 AND type = $2 AND status IN ('PENDING', 'PROCESSING')
		);
	`
	var active bool
	if err := s.pool.QueryRow(ctx, query, projectID, jobType).Scan(&active); err != nil {
		return false, fmt.Errorf("failed to check active jobs: %w", err)
	}
	return active, nil
}

// UpdateJobStatus advances the lifecycle state. Terminal states also
// stamp completed_at; PROCESSING stamps started_at. Rows already in a
// terminal state are left untouched.
func (s *JobStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status indexer.JobStatus, errMsg string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = NULLIF($2, ''),
		    started_at = CASE WHEN $1 = 'PROCESSING' AND started_at IS NULL THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $1 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN NOW() ELSE completed_at END
		WHERE id = $3 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED');
	`
	if _, err := s.pool.Exec(ctx, query, status, errMsg, id); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// UpdateJobProgress writes the progress snapshot. Progress never moves
// backwards; GREATEST keeps concurrent writers monotonic.
func (s *JobStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress, processed, total int) error {
	query := `
		UPDATE jobs
		SET progress = GREATEST(progress, LEAST($1, 100)),
		    processed_items = $2,
		    total_items = $3
		WHERE id = $4;
	`
	if _, err := s.pool.Exec(ctx, query, progress, processed, total, id); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}
