package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

// ProjectStore implements indexer.ProjectStore using Postgres.
type ProjectStore struct {
	pool Querier
}

// NewProjectStore creates a new ProjectStore.
func NewProjectStore(pool Querier) *ProjectStore {
	return &ProjectStore{pool: pool}
}

// GetProject retrieves a single project by its ID.
func (s *ProjectStore) GetProject(ctx context.Context, id uuid.UUID) (indexer.Project, error) {
	query := `
		SELECT id, organization_id, domain, root_sitemap_url,
		       total_urls, indexed_urls, pending_urls, error_urls,
		       last_scan_at, last_submission_at
		FROM projects
		WHERE id = $1;
	`
	var p indexer.Project
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.OrganizationID,
		&p.Domain,
		&p.RootSitemapURL,
		&p.Counters.Total,
		&p.Counters.Indexed,
		&p.Counters.Pending,
		&p.Counters.Error,
		&p.LastScanAt,
		&p.LastSubmissionAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return indexer.Project{}, indexer.ErrNotFound
		}
		return indexer.Project{}, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// UpdateProjectCounters recomputes the cached counters from the url rows
// and writes them with last_scan_at in one transaction. The counters are
// eventually consistent with the underlying rows by design of the caller.
func (s *ProjectStore) UpdateProjectCounters(ctx context.Context, id uuid.UUID) (indexer.Counters, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return indexer.Counters{}, fmt.Errorf("begin counters tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	aggregate := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE google_status = 'INDEXED'),
			COUNT(*) FILTER (WHERE google_status IN ('DISCOVERED', 'QUEUED', 'SUBMITTED')),
			COUNT(*) FILTER (WHERE google_status IN ('ERROR_4XX', 'ERROR_5XX', 'CRAWL_ERROR'))
		FROM urls
		WHERE project_id = $1 AND removed_at IS NULL;
	`
	var c indexer.Counters
	if err := tx.QueryRow(ctx, aggregate, id).Scan(&c.Total, &c.Indexed, &c.Pending, &c.Error); err != nil {
		return indexer.Counters{}, fmt.Errorf("aggregate url counters: %w", err)
	}

	update := `
		UPDATE projects
		SET total_urls = $1, indexed_urls = $2, pending_urls = $3, error_urls = $4, last_scan_at = NOW()
		WHERE id = $5;
	`
	if _, err := tx.Exec(ctx, update, c.Total, c.Indexed, c.Pending, c.Error, id); err != nil {
		return indexer.Counters{}, fmt.Errorf("write project counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return indexer.Counters{}, fmt.Errorf("commit counters tx: %w", err)
	}
	return c, nil
}

// StampSubmission records the latest submission time on the project.
func (s *ProjectStore) StampSubmission(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE projects SET last_submission_at = $1 WHERE id = $2;`
	if _, err := s.pool.Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("failed to stamp submission: %w", err)
	}
	return nil
}
