package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/clock/system"
	hashsha "github.com/indexerpro/sitemap-indexer/internal/hash/sha256"
	idgen "github.com/indexerpro/sitemap-indexer/internal/id/uuid"
	"github.com/indexerpro/sitemap-indexer/internal/indexer"
	"github.com/indexerpro/sitemap-indexer/internal/queue"
	queuemem "github.com/indexerpro/sitemap-indexer/internal/queue/memory"
	"github.com/indexerpro/sitemap-indexer/internal/sitemap"
	storemem "github.com/indexerpro/sitemap-indexer/internal/store/memory"
)

// fakeFetcher serves canned parse results keyed by URL.
type fakeFetcher struct {
	results map[string]sitemap.FetchResult
	calls   map[string]int
}

func (f *fakeFetcher) Fetch(_ context.Context, url, _ string) (sitemap.FetchResult, error) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[url]++
	res, ok := f.results[url]
	if !ok {
		return sitemap.FetchResult{}, fmt.Errorf("%w: unknown url %s", indexer.ErrInvalidSitemap, url)
	}
	return res, nil
}

func urlset(locs ...string) sitemap.FetchResult {
	entries := make([]sitemap.Entry, len(locs))
	for i, loc := range locs {
		entries[i] = sitemap.Entry{Loc: loc}
	}
	return sitemap.FetchResult{Kind: indexer.SitemapURLSet, URLs: entries}
}

func index(children ...string) sitemap.FetchResult {
	return sitemap.FetchResult{Kind: indexer.SitemapIndex, ChildSitemaps: children}
}

type scannerHarness struct {
	scanner   *Scanner
	store     *storemem.Store
	broker    *queuemem.Broker
	ctrl      *Controller
	fetcher   *fakeFetcher
	projectID uuid.UUID
	jobID     uuid.UUID
}

func newScannerHarness(t *testing.T, results map[string]sitemap.FetchResult) *scannerHarness {
	t.Helper()

	store := storemem.NewStore()
	broker := queuemem.NewBroker(64)
	clk := system.New()
	ctrl := NewController(store, nil, clk, zap.NewNop())
	fetcher := &fakeFetcher{results: results}

	projectID := uuid.New()
	store.PutProject(indexer.Project{
		ID:             projectID,
		OrganizationID: uuid.New(),
		Domain:         "t",
		RootSitemapURL: "http://t/sm.xml",
	})

	jobID := uuid.New()
	require.NoError(t, store.CreateJob(context.Background(), indexer.Job{
		ID:        jobID,
		ProjectID: projectID,
		Type:      indexer.JobFullScan,
		Status:    indexer.JobPending,
	}))

	scanner := NewScanner(
		ScannerConfig{MaxDepth: 10, FanOut: 5, BatchSize: 500},
		fetcher, store, store, store, broker, ctrl,
		hashsha.New(), idgen.NewUUIDGenerator(), clk, zap.NewNop(),
	)
	return &scannerHarness{
		scanner:   scanner,
		store:     store,
		broker:    broker,
		ctrl:      ctrl,
		fetcher:   fetcher,
		projectID: projectID,
		jobID:     jobID,
	}
}

// runScan handles the root message, then drains fan-out messages until
// the queue is empty.
func (h *scannerHarness) runScan(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	rootMsg := queue.Message{
		ID:      uuid.NewString(),
		Queue:   queue.QueueScanner,
		Attempt: 1,
		Payload: indexer.NewScannerPayload(indexer.ScannerPayload{
			ProjectID: h.projectID,
			JobID:     h.jobID,
		}),
	}
	require.NoError(t, h.scanner.Handle(ctx, rootMsg))

	for i := 0; i < 1000; i++ {
		depth, err := h.broker.Size(ctx, queue.QueueScanner)
		require.NoError(t, err)
		if depth == 0 {
			return
		}
		msg, err := h.broker.Dequeue(ctx, queue.QueueScanner)
		require.NoError(t, err)
		require.NoError(t, h.scanner.Handle(ctx, msg))
	}
	t.Fatal("scan did not drain")
}

func TestScanner_IndexWithTwoChildren(t *testing.T) {
	t.Parallel()

	h := newScannerHarness(t, map[string]sitemap.FetchResult{
		"http://t/sm.xml": index("http://t/a.xml", "http://t/b.xml"),
		"http://t/a.xml":  urlset("http://t/x", "http://t/y"),
		"http://t/b.xml":  urlset("http://t/y", "http://t/z"),
	})
	h.runScan(t)

	require.Equal(t, 3, h.store.URLCount(), "x, y, z deduplicated by loc hash")
	require.Equal(t, 3, h.store.SitemapCount())

	job, err := h.store.GetJob(context.Background(), h.jobID)
	require.NoError(t, err)
	require.Equal(t, indexer.JobCompleted, job.Status)
	require.Equal(t, 100, job.Progress)

	project, err := h.store.GetProject(context.Background(), h.projectID)
	require.NoError(t, err)
	require.Equal(t, int64(3), project.Counters.Total)
	require.Equal(t, int64(3), project.Counters.Pending)
	require.Zero(t, project.Counters.Indexed)
	require.Zero(t, project.Counters.Error)
}

func TestScanner_CyclicIndexTerminates(t *testing.T) {
	t.Parallel()

	h := newScannerHarness(t, map[string]sitemap.FetchResult{
		"http://t/sm.xml":  index("http://t/sm2.xml"),
		"http://t/sm2.xml": index("http://t/sm.xml"),
	})
	h.runScan(t)

	require.Equal(t, 1, h.fetcher.calls["http://t/sm.xml"], "each sitemap fetched exactly once")
	require.Equal(t, 1, h.fetcher.calls["http://t/sm2.xml"])
	require.Zero(t, h.store.URLCount())

	job, err := h.store.GetJob(context.Background(), h.jobID)
	require.NoError(t, err)
	require.Equal(t, indexer.JobCompleted, job.Status)
}

func TestScanner_DepthCapStopsRecursion(t *testing.T) {
	t.Parallel()

	// An endless chain of distinct indexes must stop at the depth cap.
	results := map[string]sitemap.FetchResult{
		"http://t/sm.xml": index("http://t/lvl-1.xml"),
	}
	for i := 1; i < 30; i++ {
		results[fmt.Sprintf("http://t/lvl-%d.xml", i)] = index(fmt.Sprintf("http://t/lvl-%d.xml", i+1))
	}
	h := newScannerHarness(t, results)
	h.runScan(t)

	total := 0
	for _, n := range h.fetcher.calls {
		total += n
	}
	require.LessOrEqual(t, total, 12, "depth cap of 10 bounds the chain")
}

func TestScanner_SubSitemapFailureDoesNotFailParent(t *testing.T) {
	t.Parallel()

	h := newScannerHarness(t, map[string]sitemap.FetchResult{
		"http://t/sm.xml":   index("http://t/good.xml", "http://t/broken.xml"),
		"http://t/good.xml": urlset("http://t/x"),
		// broken.xml is absent: child scans of it fail.
	})

	ctx := context.Background()
	rootMsg := queue.Message{
		ID:      uuid.NewString(),
		Queue:   queue.QueueScanner,
		Attempt: 1,
		Payload: indexer.NewScannerPayload(indexer.ScannerPayload{ProjectID: h.projectID, JobID: h.jobID}),
	}
	require.NoError(t, h.scanner.Handle(ctx, rootMsg))

	for {
		depth, err := h.broker.Size(ctx, queue.QueueScanner)
		require.NoError(t, err)
		if depth == 0 {
			break
		}
		msg, _ := h.broker.Dequeue(ctx, queue.QueueScanner)
		// Child failures surface to the broker but must not flip the job.
		_ = h.scanner.Handle(ctx, msg)
	}

	job, err := h.store.GetJob(ctx, h.jobID)
	require.NoError(t, err)
	require.Equal(t, indexer.JobCompleted, job.Status)
	require.Equal(t, 1, h.store.URLCount())
}

func TestScanner_AbortCancelsJob(t *testing.T) {
	t.Parallel()

	h := newScannerHarness(t, map[string]sitemap.FetchResult{
		"http://t/sm.xml": urlset("http://t/x", "http://t/y"),
	})

	// Abort as soon as the handle registers.
	go func() {
		for i := 0; i < 1000; i++ {
			if h.ctrl.Abort(h.jobID) {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	rootMsg := queue.Message{
		ID:      uuid.NewString(),
		Queue:   queue.QueueScanner,
		Attempt: 1,
		Payload: indexer.NewScannerPayload(indexer.ScannerPayload{ProjectID: h.projectID, JobID: h.jobID}),
	}

	err := h.scanner.Handle(context.Background(), rootMsg)
	job, getErr := h.store.GetJob(context.Background(), h.jobID)
	require.NoError(t, getErr)
	if err != nil {
		require.ErrorIs(t, err, indexer.ErrJobAborted)
		require.Equal(t, indexer.JobCancelled, job.Status)
		require.Equal(t, "Job Aborted", job.ErrorMessage)
	} else {
		// The scan may have finished before the abort landed.
		require.Equal(t, indexer.JobCompleted, job.Status)
	}
}

func TestScanner_PauseStallsUntilResume(t *testing.T) {
	t.Parallel()

	h := newScannerHarness(t, map[string]sitemap.FetchResult{
		"http://t/sm.xml": urlset("http://t/x"),
	})

	job := indexer.Job{ID: h.jobID, ProjectID: h.projectID, Type: indexer.JobFullScan}
	handle, ctx := h.ctrl.Attach(context.Background(), job, uuid.New())
	defer h.ctrl.Detach(handle)

	require.True(t, h.ctrl.Pause(h.jobID))

	done := make(chan error, 1)
	go func() {
		done <- handle.Checkpoint(ctx)
	}()

	select {
	case <-done:
		t.Fatal("checkpoint must block while paused")
	case <-time.After(300 * time.Millisecond):
	}

	require.True(t, h.ctrl.Resume(h.jobID))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("checkpoint must return after resume")
	}
}
