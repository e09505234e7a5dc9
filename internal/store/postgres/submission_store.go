package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

// SubmissionStore implements indexer.SubmissionStore using Postgres.
// Submissions are append-only; a new row per attempt batch.
type SubmissionStore struct {
	pool Querier
}

// NewSubmissionStore creates a new SubmissionStore.
func NewSubmissionStore(pool Querier) *SubmissionStore {
	return &SubmissionStore{pool: pool}
}

const insertSubmissionQuery = `
	INSERT INTO submissions (id, url_id, project_id, engine, action, status,
	                         attempts, max_attempts, response_code, error_message,
	                         scheduled_at, started_at, completed_at, next_retry_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
`

// AppendSubmissions writes one row per submission in a single batch.
func (s *SubmissionStore) AppendSubmissions(ctx context.Context, subs []indexer.Submission) error {
	if len(subs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, sub := range subs {
		batch.Queue(insertSubmissionQuery,
			sub.ID,
			sub.URLID,
			sub.ProjectID,
			sub.Engine,
			sub.Action,
			sub.Status,
			sub.Attempts,
			sub.MaxAttempts,
			nullableInt(sub.ResponseCode),
			nullableString(sub.ErrorMessage),
			sub.ScheduledAt,
			sub.StartedAt,
			sub.CompletedAt,
			sub.NextRetryAt,
		)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer func() {
		_ = results.Close()
	}()
	for range subs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to append submissions: %w", err)
		}
	}
	return nil
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
