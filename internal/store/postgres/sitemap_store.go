package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

// SitemapStore implements indexer.SitemapStore using Postgres.
type SitemapStore struct {
	pool Querier
}

// NewSitemapStore creates a new SitemapStore.
func NewSitemapStore(pool Querier) *SitemapStore {
	return &SitemapStore{pool: pool}
}

// GetSitemapByURL retrieves a sitemap row by its (project, url) key.
func (s *SitemapStore) GetSitemapByURL(ctx context.Context, projectID uuid.UUID, url string) (indexer.Sitemap, error) {
	query := `
		SELECT id, project_id, url, kind, parent_id, url_count,
		       etag, last_modified, last_fetched_at, content_hash
		FROM sitemaps
		WHERE project_id = $1 AND url = $2;
	`
	var sm indexer.Sitemap
	err := s.pool.QueryRow(ctx, query, projectID, url).Scan(
		&sm.ID,
		&sm.ProjectID,
		&sm.URL,
		&sm.Kind,
		&sm.ParentID,
		&sm.URLCount,
		&sm.ETag,
		&sm.LastModified,
		&sm.LastFetched,
		&sm.ContentHash,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return indexer.Sitemap{}, indexer.ErrNotFound
		}
		return indexer.Sitemap{}, fmt.Errorf("failed to get sitemap: %w", err)
	}
	return sm, nil
}

// UpsertSitemap inserts or refreshes the row keyed by (project, url) and
// returns its id.
func (s *SitemapStore) UpsertSitemap(ctx context.Context, sm indexer.Sitemap) (uuid.UUID, error) {
	query := `
		INSERT INTO sitemaps (id, project_id, url, kind, parent_id, url_count,
		                      etag, last_modified, last_fetched_at, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (project_id, url) DO UPDATE
		SET kind = EXCLUDED.kind,
		    parent_id = EXCLUDED.parent_id,
		    url_count = EXCLUDED.url_count,
		    etag = EXCLUDED.etag,
		    last_modified = EXCLUDED.last_modified,
		    last_fetched_at = EXCLUDED.last_fetched_at,
		    content_hash = EXCLUDED.content_hash
		RETURNING id;
	`
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, query,
		sm.ID,
		sm.ProjectID,
		sm.URL,
		sm.Kind,
		sm.ParentID,
		sm.URLCount,
		sm.ETag,
		sm.LastModified,
		sm.LastFetched,
		sm.ContentHash,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert sitemap: %w", err)
	}
	return id, nil
}
