package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

func TestQuotaStore_IncrementQuotaIsAtomicUpsert(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewQuotaStore(mock)
	projectID := uuid.New()
	day := time.Date(2025, 6, 15, 13, 45, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO quota_usage`).
		WithArgs(projectID, indexer.EngineGoogle, indexer.QuotaDay(day), 2, 200).
		WillReturnRows(pgxmock.NewRows([]string{"used"}).AddRow(200))

	used, err := store.IncrementQuota(context.Background(), projectID, indexer.EngineGoogle, day, 2, 200)
	require.NoError(t, err)
	require.Equal(t, 200, used)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQuotaStore_GetQuotaMissingRowReadsAsZero(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewQuotaStore(mock)
	projectID := uuid.New()
	day := time.Now().UTC()

	mock.ExpectQuery(`SELECT project_id, engine, date, used, daily_limit`).
		WithArgs(projectID, indexer.EngineGoogle, indexer.QuotaDay(day)).
		WillReturnError(errNoRows())

	usage, err := store.GetQuota(context.Background(), projectID, indexer.EngineGoogle, day)
	require.NoError(t, err)
	require.Zero(t, usage.Used)
	require.Equal(t, projectID, usage.ProjectID)
	require.NoError(t, mock.ExpectationsWereMet())
}
