package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

func errNoRows() error {
	return pgx.ErrNoRows
}

func TestURLStore_UpsertBatchRejectsOversizedBatches(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewURLStore(mock)
	entries := make([]indexer.URLEntry, maxBatchSize+1)
	_, err = store.UpsertBatch(context.Background(), uuid.New(), nil, entries)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds cap")
}

func TestURLStore_UpsertBatchEmptyIsNoop(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewURLStore(mock)
	n, err := store.UpsertBatch(context.Background(), uuid.New(), nil, nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestURLStore_UpsertBatchQueuesOneStatementPerEntry(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewURLStore(mock)
	projectID := uuid.New()
	sitemapID := uuid.New()
	entries := []indexer.URLEntry{
		{ID: uuid.New(), Loc: "http://t/x", LocHash: "hx"},
		{ID: uuid.New(), Loc: "http://t/y", LocHash: "hy"},
	}

	batch := mock.ExpectBatch()
	for _, e := range entries {
		batch.ExpectExec(`INSERT INTO urls`).
			WithArgs(e.ID, projectID, &sitemapID, e.Loc, e.LocHash, "", "", "").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	n, err := store.UpsertBatch(context.Background(), projectID, &sitemapID, entries)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestURLStore_ListByIDs(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewURLStore(mock)
	ids := []uuid.UUID{uuid.New(), uuid.New()}

	mock.ExpectQuery(`SELECT id, loc FROM urls WHERE id = ANY\(\$1\)`).
		WithArgs(ids).
		WillReturnRows(pgxmock.NewRows([]string{"id", "loc"}).
			AddRow(ids[0], "http://t/x").
			AddRow(ids[1], "http://t/y"))

	refs, err := store.ListByIDs(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Equal(t, "http://t/x", refs[0].Loc)
	require.NoError(t, mock.ExpectationsWereMet())
}
