package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/clock/system"
	idgen "github.com/indexerpro/sitemap-indexer/internal/id/uuid"
	"github.com/indexerpro/sitemap-indexer/internal/indexer"
	"github.com/indexerpro/sitemap-indexer/internal/indexnow"
	"github.com/indexerpro/sitemap-indexer/internal/queue"
	storemem "github.com/indexerpro/sitemap-indexer/internal/store/memory"
	"github.com/indexerpro/sitemap-indexer/internal/vault"
)

// fakeIndexNowClient scripts per-endpoint outcomes.
type fakeIndexNowClient struct {
	mu       sync.Mutex
	requests []string
	respond  func(endpoint string, payload indexnow.Payload) indexnow.EndpointResult
}

func (f *fakeIndexNowClient) Submit(_ context.Context, endpoint string, payload indexnow.Payload) indexnow.EndpointResult {
	f.mu.Lock()
	f.requests = append(f.requests, endpoint)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(endpoint, payload)
	}
	return indexnow.EndpointResult{Endpoint: endpoint, Accepted: len(payload.URLList)}
}

type indexnowHarness struct {
	worker    *IndexNowSubmitter
	client    *fakeIndexNowClient
	store     *storemem.Store
	projectID uuid.UUID
	jobID     uuid.UUID
	urlIDs    []uuid.UUID
}

func newIndexNowHarness(t *testing.T, urlCount int) *indexnowHarness {
	t.Helper()

	store := storemem.NewStore()
	clk := system.New()
	ctrl := NewController(store, nil, clk, zap.NewNop())
	client := &fakeIndexNowClient{}

	v, err := vault.New("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	projectID := uuid.New()
	store.PutProject(indexer.Project{
		ID:             projectID,
		OrganizationID: uuid.New(),
		Domain:         "example.com",
		RootSitemapURL: "https://example.com/sitemap.xml",
	})

	rec, err := v.Encrypt([]byte("aabbccddeeff00112233445566778899"))
	require.NoError(t, err)
	store.PutCredential(indexer.Credential{
		ID:            uuid.New(),
		ProjectID:     projectID,
		Engine:        indexer.EngineIndexNow,
		Type:          "api_key",
		EncryptedData: rec.EncryptedData,
		IV:            rec.IV,
		AuthTag:       rec.AuthTag,
		Salt:          rec.Salt,
		IsValid:       true,
	})

	ctx := context.Background()
	var urlIDs []uuid.UUID
	for i := 0; i < urlCount; i++ {
		entry := indexer.URLEntry{ID: uuid.New(), Loc: "https://example.com/p-" + uuid.NewString(), LocHash: uuid.NewString()}
		_, err := store.UpsertBatch(ctx, projectID, nil, []indexer.URLEntry{entry})
		require.NoError(t, err)
		row, ok := store.URLByLoc(projectID, entry.LocHash)
		require.True(t, ok)
		urlIDs = append(urlIDs, row.ID)
	}

	jobID := uuid.New()
	require.NoError(t, store.CreateJob(ctx, indexer.Job{
		ID: jobID, ProjectID: projectID, Type: indexer.JobIndexNowSubmit, Status: indexer.JobPending,
	}))

	w := NewIndexNowSubmitter(
		IndexNowConfig{Endpoints: []string{"https://bing/indexnow", "https://yandex/indexnow"}},
		client, v, store, store, store, store, store, ctrl,
		idgen.NewUUIDGenerator(), clk, zap.NewNop(),
	)
	return &indexnowHarness{worker: w, client: client, store: store, projectID: projectID, jobID: jobID, urlIDs: urlIDs}
}

func (h *indexnowHarness) message() queue.Message {
	return queue.Message{
		ID:      uuid.NewString(),
		Queue:   queue.QueueIndexNow,
		Attempt: 1,
		Payload: indexer.NewIndexNowPayload(indexer.IndexNowPayload{
			ProjectID: h.projectID,
			JobID:     h.jobID,
			URLIDs:    h.urlIDs,
		}),
	}
}

func TestIndexNowSubmitter_HappyPath(t *testing.T) {
	t.Parallel()

	h := newIndexNowHarness(t, 40)
	require.NoError(t, h.worker.Handle(context.Background(), h.message()))

	require.Len(t, h.client.requests, 2, "every endpoint notified")

	subs := h.store.Submissions()
	require.Len(t, subs, 40)
	for _, sub := range subs {
		require.Equal(t, indexer.SubmissionCompleted, sub.Status)
		require.Equal(t, indexer.EngineIndexNow, sub.Engine)
	}

	quota, err := h.store.GetQuota(context.Background(), h.projectID, indexer.EngineIndexNow, time.Now())
	require.NoError(t, err)
	require.Equal(t, 40, quota.Used)

	for _, id := range h.urlIDs {
		row, ok := h.store.URL(id)
		require.True(t, ok)
		require.Equal(t, indexer.URLSubmitted, row.BingStatus)
		require.NotNil(t, row.BingSubmittedAt)
	}

	job, err := h.store.GetJob(context.Background(), h.jobID)
	require.NoError(t, err)
	require.Equal(t, indexer.JobCompleted, job.Status)
}

func TestIndexNowSubmitter_SingleEngineAcceptanceSuffices(t *testing.T) {
	t.Parallel()

	h := newIndexNowHarness(t, 5)
	h.client.respond = func(endpoint string, payload indexnow.Payload) indexnow.EndpointResult {
		if endpoint == "https://bing/indexnow" {
			return indexnow.EndpointResult{Endpoint: endpoint, Accepted: len(payload.URLList)}
		}
		return indexnow.EndpointResult{Endpoint: endpoint, Failed: len(payload.URLList), LastError: "endpoint status 403"}
	}

	require.NoError(t, h.worker.Handle(context.Background(), h.message()))

	subs := h.store.Submissions()
	require.Len(t, subs, 5)
	for _, sub := range subs {
		require.Equal(t, indexer.SubmissionCompleted, sub.Status, "one accepting engine marks the batch completed")
	}
}

func TestIndexNowSubmitter_AllEnginesRejectFailsJob(t *testing.T) {
	t.Parallel()

	h := newIndexNowHarness(t, 5)
	h.client.respond = func(endpoint string, payload indexnow.Payload) indexnow.EndpointResult {
		return indexnow.EndpointResult{Endpoint: endpoint, Failed: len(payload.URLList), LastError: "endpoint status 403"}
	}

	err := h.worker.Handle(context.Background(), h.message())
	require.Error(t, err)

	job, getErr := h.store.GetJob(context.Background(), h.jobID)
	require.NoError(t, getErr)
	require.Equal(t, indexer.JobFailed, job.Status)

	subs := h.store.Submissions()
	require.Len(t, subs, 5)
	for _, sub := range subs {
		require.Equal(t, indexer.SubmissionFailed, sub.Status)
	}

	quota, qerr := h.store.GetQuota(context.Background(), h.projectID, indexer.EngineIndexNow, time.Now())
	require.NoError(t, qerr)
	require.Zero(t, quota.Used, "rejected batches do not consume quota")
}

func TestIndexNowSubmitter_HostDerivedFromRootSitemap(t *testing.T) {
	t.Parallel()

	h := newIndexNowHarness(t, 1)
	var mu sync.Mutex
	var captured indexnow.Payload
	h.client.respond = func(endpoint string, payload indexnow.Payload) indexnow.EndpointResult {
		mu.Lock()
		captured = payload
		mu.Unlock()
		return indexnow.EndpointResult{Endpoint: endpoint, Accepted: len(payload.URLList)}
	}

	require.NoError(t, h.worker.Handle(context.Background(), h.message()))
	require.Equal(t, "example.com", captured.Host)
	require.Equal(t, "aabbccddeeff00112233445566778899", captured.Key)
	require.Equal(t, "https://example.com/aabbccddeeff00112233445566778899.txt", captured.KeyLocation)
}
