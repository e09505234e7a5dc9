package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/clock/system"
	"github.com/indexerpro/sitemap-indexer/internal/events"
	idgen "github.com/indexerpro/sitemap-indexer/internal/id/uuid"
	"github.com/indexerpro/sitemap-indexer/internal/indexer"
	"github.com/indexerpro/sitemap-indexer/internal/queue"
	queuemem "github.com/indexerpro/sitemap-indexer/internal/queue/memory"
	storemem "github.com/indexerpro/sitemap-indexer/internal/store/memory"
	"github.com/indexerpro/sitemap-indexer/internal/worker"
)

type apiHarness struct {
	server    *Server
	store     *storemem.Store
	broker    *queuemem.Broker
	projectID uuid.UUID
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	store := storemem.NewStore()
	broker := queuemem.NewBroker(16)
	clk := system.New()
	ctrl := worker.NewController(store, nil, clk, zap.NewNop())
	bus := events.NewBus("test", 16, zap.NewNop())
	ws := events.NewWSHandler(bus, store, func(context.Context, string) error { return nil }, clk, zap.NewNop())

	projectID := uuid.New()
	store.PutProject(indexer.Project{
		ID:             projectID,
		OrganizationID: uuid.New(),
		Domain:         "t",
		RootSitemapURL: "http://t/sm.xml",
	})

	server := NewServer(store, store, broker, ctrl, ws, idgen.NewUUIDGenerator(), clk, zap.NewNop())
	return &apiHarness{server: server, store: store, broker: broker, projectID: projectID}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_TriggerScanEnqueuesJob(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/projects/"+h.projectID.String()+"/scan", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	jobID, err := uuid.Parse(resp["job_id"])
	require.NoError(t, err)

	job, err := h.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, indexer.JobPending, job.Status)
	require.Equal(t, indexer.JobFullScan, job.Type)

	msg, err := h.broker.Dequeue(context.Background(), queue.QueueScanner)
	require.NoError(t, err)
	require.Equal(t, jobID, msg.Payload.JobID())
}

func TestServer_ConcurrentScanConflicts(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	first := h.do(t, http.MethodPost, "/v1/projects/"+h.projectID.String()+"/scan", nil)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := h.do(t, http.MethodPost, "/v1/projects/"+h.projectID.String()+"/scan", nil)
	require.Equal(t, http.StatusConflict, second.Code)
}

func TestServer_TriggerGoogleSubmission(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/projects/"+h.projectID.String()+"/submit/google", submitRequest{
		URLIDs: []uuid.UUID{uuid.New(), uuid.New()},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	msg, err := h.broker.Dequeue(context.Background(), queue.QueueGoogle)
	require.NoError(t, err)
	require.Equal(t, indexer.PayloadGoogle, msg.Payload.Kind)
	require.Len(t, msg.Payload.Google.URLIDs, 2)
	require.Equal(t, indexer.ActionURLUpdated, msg.Payload.Google.Action)
}

func TestServer_SubmitRequiresURLIDs(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/projects/"+h.projectID.String()+"/submit/indexnow", submitRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_JobControlUnknownJob(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/jobs/"+uuid.NewString()+"/pause", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetJob(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	jobID := uuid.New()
	require.NoError(t, h.store.CreateJob(context.Background(), indexer.Job{
		ID:        jobID,
		ProjectID: h.projectID,
		Type:      indexer.JobFullScan,
		Status:    indexer.JobProcessing,
	}))

	rec := h.do(t, http.MethodGet, "/v1/jobs/"+jobID.String()+"/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "PROCESSING")
}
