package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

// maxBatchSize caps how many rows one upsert batch may carry.
const maxBatchSize = 500

// URLStore implements indexer.URLStore using Postgres.
type URLStore struct {
	pool Querier
}

// NewURLStore creates a new URLStore.
func NewURLStore(pool Querier) *URLStore {
	return &URLStore{pool: pool}
}

const upsertURLQuery = `
	INSERT INTO urls (id, project_id, sitemap_id, loc, loc_hash,
	                  lastmod, changefreq, priority, google_status, bing_status, first_seen_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'DISCOVERED', 'DISCOVERED', NOW())
	ON CONFLICT (project_id, loc_hash) DO UPDATE
	SET sitemap_id = EXCLUDED.sitemap_id,
	    lastmod = EXCLUDED.lastmod,
	    changefreq = EXCLUDED.changefreq,
	    priority = EXCLUDED.priority,
	    removed_at = NULL;
`

// UpsertBatch inserts or refreshes entries keyed by (projectID, locHash).
// Feeding the same entry twice leaves one row and does not touch
// first_seen_at. The batch rides a single transaction via pgx.Batch.
func (s *URLStore) UpsertBatch(ctx context.Context, projectID uuid.UUID, sitemapID *uuid.UUID, entries []indexer.URLEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	if len(entries) > maxBatchSize {
		return 0, fmt.Errorf("batch of %d exceeds cap %d", len(entries), maxBatchSize)
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(upsertURLQuery,
			e.ID,
			projectID,
			sitemapID,
			e.Loc,
			e.LocHash,
			e.LastMod,
			e.ChangeFreq,
			e.Priority,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer func() {
		_ = results.Close()
	}()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return 0, fmt.Errorf("failed to upsert url batch: %w", err)
		}
	}
	return len(entries), nil
}

// ListByIDs returns the (id, loc) projection for the given ids.
func (s *URLStore) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]indexer.URLRef, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT id, loc FROM urls WHERE id = ANY($1) ORDER BY id;`
	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list urls: %w", err)
	}
	defer rows.Close()

	var refs []indexer.URLRef
	for rows.Next() {
		var ref indexer.URLRef
		if err := rows.Scan(&ref.ID, &ref.Loc); err != nil {
			return nil, fmt.Errorf("failed to scan url row: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate url rows: %w", err)
	}
	return refs, nil
}

// MarkSubmitted stamps the per-engine submitted status and time.
func (s *URLStore) MarkSubmitted(ctx context.Context, engine indexer.Engine, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	var query string
	switch engine {
	case indexer.EngineGoogle:
		query = `UPDATE urls SET google_status = 'SUBMITTED', google_submitted_at = $1 WHERE id = ANY($2);`
	case indexer.EngineIndexNow:
		query = `UPDATE urls SET bing_status = 'SUBMITTED', bing_submitted_at = $1 WHERE id = ANY($2);`
	default:
		return fmt.Errorf("unknown engine %q", engine)
	}
	if _, err := s.pool.Exec(ctx, query, at, ids); err != nil {
		return fmt.Errorf("failed to mark submitted: %w", err)
	}
	return nil
}

// MarkStatus records a per-URL error or status outcome for one engine.
func (s *URLStore) MarkStatus(ctx context.Context, engine indexer.Engine, id uuid.UUID, status indexer.URLStatus) error {
	var query string
	switch engine {
	case indexer.EngineGoogle:
		query = `UPDATE urls SET google_status = $1 WHERE id = $2;`
	case indexer.EngineIndexNow:
		query = `UPDATE urls SET bing_status = $1 WHERE id = $2;`
	default:
		return fmt.Errorf("unknown engine %q", engine)
	}
	if _, err := s.pool.Exec(ctx, query, status, id); err != nil {
		return fmt.Errorf("failed to mark url status: %w", err)
	}
	return nil
}
