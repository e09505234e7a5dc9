package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/clock/system"
	"github.com/indexerpro/sitemap-indexer/internal/events"
	"github.com/indexerpro/sitemap-indexer/internal/indexer"
	storemem "github.com/indexerpro/sitemap-indexer/internal/store/memory"
)

func newTestController(t *testing.T) (*Controller, *storemem.Store, indexer.Job) {
	t.Helper()
	store := storemem.NewStore()
	ctrl := NewController(store, nil, system.New(), zap.NewNop())
	job := indexer.Job{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Type:      indexer.JobFullScan,
		Status:    indexer.JobPending,
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	return ctrl, store, job
}

func TestController_AttachSharesHandlePerJob(t *testing.T) {
	t.Parallel()

	ctrl, _, job := newTestController(t)
	h1, _ := ctrl.Attach(context.Background(), job, uuid.New())
	h2, _ := ctrl.Attach(context.Background(), job, uuid.New())
	require.Same(t, h1, h2)

	ctrl.Detach(h1)
	require.True(t, ctrl.Pause(job.ID), "still referenced after one detach")
	ctrl.Detach(h2)
	require.False(t, ctrl.Pause(job.ID), "unregistered after last detach")
}

func TestController_AbortCancelsDerivedContext(t *testing.T) {
	t.Parallel()

	ctrl, _, job := newTestController(t)
	h, ctx := ctrl.Attach(context.Background(), job, uuid.New())
	defer ctrl.Detach(h)

	require.True(t, ctrl.Abort(job.ID))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("abort must cancel the job context")
	}
	require.ErrorIs(t, h.Checkpoint(context.Background()), indexer.ErrJobAborted)
}

func TestHandle_ProgressClampAndThrottle(t *testing.T) {
	t.Parallel()

	ctrl, store, job := newTestController(t)
	h, ctx := ctrl.Attach(context.Background(), job, uuid.New())
	defer ctrl.Detach(h)

	h.ReportProgress(ctx, 30, 300, 1000)
	require.Equal(t, 30, h.Progress())

	// A lower value can never move the bar backwards.
	time.Sleep(250 * time.Millisecond)
	h.ReportProgress(ctx, 10, 100, 1000)
	require.Equal(t, 30, h.Progress())

	// Values beyond the range clamp to 100.
	time.Sleep(250 * time.Millisecond)
	h.ReportProgress(ctx, 150, 1000, 1000)
	require.Equal(t, 100, h.Progress())

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 100, got.Progress)
}

func TestHandle_ProgressThrottledWritesCoalesce(t *testing.T) {
	t.Parallel()

	ctrl, store, job := newTestController(t)
	h, ctx := ctrl.Attach(context.Background(), job, uuid.New())
	defer ctrl.Detach(h)

	h.ReportProgress(ctx, 10, 100, 1000)
	// Inside the throttle window: retained in memory, not persisted.
	h.ReportProgress(ctx, 20, 200, 1000)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 10, got.Progress)
	require.Equal(t, 200, h.processedItems(), "item counts are not throttled away")

	require.Equal(t, 10, h.Progress(), "throttled value does not advance the clamp floor")
}

func TestController_MarkVisitedSurvivesHandleTurnover(t *testing.T) {
	t.Parallel()

	ctrl, _, job := newTestController(t)

	h1, _ := ctrl.Attach(context.Background(), job, uuid.New())
	require.True(t, h1.MarkVisited("http://t/sm.xml"))
	require.False(t, h1.MarkVisited("http://t/sm.xml"))
	ctrl.Detach(h1)

	// A later message of the same job run sees the earlier visits.
	h2, _ := ctrl.Attach(context.Background(), job, uuid.New())
	defer ctrl.Detach(h2)
	require.False(t, h2.MarkVisited("http://t/sm.xml"))
	require.True(t, h2.MarkVisited("http://t/other.xml"))
}

func TestController_SetStatusPublishesTerminalUpdate(t *testing.T) {
	t.Parallel()

	store := storemem.NewStore()
	bus := events.NewBus("test-instance", 16, zap.NewNop())
	ctrl := NewController(store, bus, system.New(), zap.NewNop())

	orgID := uuid.New()
	job := indexer.Job{ID: uuid.New(), ProjectID: uuid.New(), Type: indexer.JobFullScan, Status: indexer.JobPending}
	require.NoError(t, store.CreateJob(context.Background(), job))

	sub := bus.Subscribe(orgID, job.ProjectID)
	defer bus.Unsubscribe(sub)

	h, ctx := ctrl.Attach(context.Background(), job, orgID)
	defer ctrl.Detach(h)
	ctrl.SetStatus(ctx, h, indexer.JobCompleted, "")

	evt, err := sub.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, events.KindJobUpdate, evt.Kind)
	require.Equal(t, indexer.JobCompleted, evt.Job.Status)
	require.Equal(t, 100, evt.Job.Progress)
}
