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

// QuotaStore implements indexer.QuotaStore using Postgres. All writes go
// through an atomic upsert so concurrent submitters cannot lose
// increments.
type QuotaStore struct {
	pool Querier
}

// NewQuotaStore creates a new QuotaStore.
func NewQuotaStore(pool Querier) *QuotaStore {
	return &QuotaStore{pool: pool}
}

// GetQuota reads the usage row for (project, engine, day). A missing row
// reads as zero usage with the stored limit defaulted by the caller.
func (s *QuotaStore) GetQuota(ctx context.Context, projectID uuid.UUID, engine indexer.Engine, day time.Time) (indexer.QuotaUsage, error) {
	query := `
		SELECT project_id, engine, date, used, daily_limit
		FROM quota_usage
		WHERE project_id = $1 AND engine = $2 AND date = $3;
	`
	var q indexer.QuotaUsage
	err := s.pool.QueryRow(ctx, query, projectID, engine, indexer.QuotaDay(day)).Scan(
		&q.ProjectID,
		&q.Engine,
		&q.Date,
		&q.Used,
		&q.Limit,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return indexer.QuotaUsage{
				ProjectID: projectID,
				Engine:    engine,
				Date:      indexer.QuotaDay(day),
			}, nil
		}
		return indexer.QuotaUsage{}, fmt.Errorf("failed to get quota: %w", err)
	}
	return q, nil
}

// IncrementQuota adds delta atomically and returns the new used value.
// used only ever grows within a (project, engine, day).
func (s *QuotaStore) IncrementQuota(ctx context.Context, projectID uuid.UUID, engine indexer.Engine, day time.Time, delta, limit int) (int, error) {
	query := `
		INSERT INTO quota_usage (project_id, engine, date, used, daily_limit)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, engine, date) DO UPDATE
		SET used = quota_usage.used + EXCLUDED.used
		RETURNING used;
	`
	var used int
	err := s.pool.QueryRow(ctx, query, projectID, engine, indexer.QuotaDay(day), delta, limit).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to increment quota: %w", err)
	}
	return used, nil
}
