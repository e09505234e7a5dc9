// Package api exposes the HTTP interface for the indexer service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/events"
	"github.com/indexerpro/sitemap-indexer/internal/indexer"
	"github.com/indexerpro/sitemap-indexer/internal/logging"
	"github.com/indexerpro/sitemap-indexer/internal/metrics"
	"github.com/indexerpro/sitemap-indexer/internal/queue"
	"github.com/indexerpro/sitemap-indexer/internal/worker"
)

// Server wires HTTP handlers to the stores, broker, and controller.
type Server struct {
	router     chi.Router
	projects   indexer.ProjectStore
	jobs       indexer.JobStore
	broker     queue.Broker
	controller *worker.Controller
	ws         *events.WSHandler
	idGen      indexer.IDGenerator
	clock      indexer.Clock
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	projects indexer.ProjectStore,
	jobs indexer.JobStore,
	broker queue.Broker,
	controller *worker.Controller,
	ws *events.WSHandler,
	idGen indexer.IDGenerator,
	clock indexer.Clock,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		projects:   projects,
		jobs:       jobs,
		broker:     broker,
		controller: controller,
		ws:         ws,
		idGen:      idGen,
		clock:      clock,
		logger:     logging.ForModule(logger, logging.ModuleAPI),
	}
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/ws/jobs/{project_id}", s.serveWS)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/projects/{project_id}", func(r chi.Router) {
			r.Post("/scan", s.triggerScan)
			r.Post("/submit/google", s.triggerGoogle)
			r.Post("/submit/indexnow", s.triggerIndexNow)
		})
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Post("/pause", s.pauseJob)
			r.Post("/resume", s.resumeJob)
			r.Post("/abort", s.abortJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.broker.Size(r.Context(), queue.QueueScanner); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "broker unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.ws.ServeHTTP(w, r, chi.URLParam(r, "project_id"))
}

type scanRequest struct {
	SitemapURL  string `json:"sitemap_url"`
	Incremental bool   `json:"incremental"`
}

func (s *Server) triggerScan(w http.ResponseWriter, r *http.Request) {
	projectID, ok := s.parseID(w, chi.URLParam(r, "project_id"))
	if !ok {
		return
	}
	var req scanRequest
	if r.Body != nil {
		// An empty body means a full scan of the root sitemap.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	jobType := indexer.JobFullScan
	if req.Incremental {
		jobType = indexer.JobIncrementalSync
	}

	jobID, err := s.createJob(r.Context(), projectID, jobType, nil)
	if err != nil {
		if errors.Is(err, indexer.ErrConflict) {
			s.writeError(w, http.StatusConflict, "a scan is already running for this project")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload := indexer.NewScannerPayload(indexer.ScannerPayload{
		ProjectID:  projectID,
		JobID:      jobID,
		SitemapURL: req.SitemapURL,
	})
	if err := s.broker.Enqueue(r.Context(), queue.QueueScanner, payload); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID.String()})
}

type submitRequest struct {
	URLIDs []uuid.UUID `json:"url_ids"`
	Action string      `json:"action"`
}

func (s *Server) triggerGoogle(w http.ResponseWriter, r *http.Request) {
	projectID, ok := s.parseID(w, chi.URLParam(r, "project_id"))
	if !ok {
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.URLIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "url_ids required")
		return
	}
	action := indexer.ActionURLUpdated
	if req.Action == string(indexer.ActionURLDeleted) {
		action = indexer.ActionURLDeleted
	}

	jobID, err := s.createJob(r.Context(), projectID, indexer.JobGoogleSubmit, map[string]any{
		"url_count": len(req.URLIDs),
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := indexer.NewGooglePayload(indexer.GooglePayload{
		ProjectID: projectID,
		JobID:     jobID,
		URLIDs:    req.URLIDs,
		Action:    action,
	})
	if err := s.broker.Enqueue(r.Context(), queue.QueueGoogle, payload); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID.String()})
}

func (s *Server) triggerIndexNow(w http.ResponseWriter, r *http.Request) {
	projectID, ok := s.parseID(w, chi.URLParam(r, "project_id"))
	if !ok {
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.URLIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "url_ids required")
		return
	}

	jobID, err := s.createJob(r.Context(), projectID, indexer.JobIndexNowSubmit, map[string]any{
		"url_count": len(req.URLIDs),
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := indexer.NewIndexNowPayload(indexer.IndexNowPayload{
		ProjectID: projectID,
		JobID:     jobID,
		URLIDs:    req.URLIDs,
	})
	if err := s.broker.Enqueue(r.Context(), queue.QueueIndexNow, payload); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID.String()})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.parseID(w, chi.URLParam(r, "job_id"))
	if !ok {
		return
	}
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.controlJob(w, r, s.controller.Pause, "paused")
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.controlJob(w, r, s.controller.Resume, "resumed")
}

func (s *Server) abortJob(w http.ResponseWriter, r *http.Request) {
	s.controlJob(w, r, s.controller.Abort, "aborted")
}

func (s *Server) controlJob(w http.ResponseWriter, r *http.Request, op func(uuid.UUID) bool, verb string) {
	jobID, ok := s.parseID(w, chi.URLParam(r, "job_id"))
	if !ok {
		return
	}
	if !op(jobID) {
		s.writeError(w, http.StatusNotFound, "job is not running on this instance")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID.String(), "status": verb})
}

func (s *Server) createJob(ctx context.Context, projectID uuid.UUID, jobType indexer.JobType, meta map[string]any) (uuid.UUID, error) {
	jobID, err := s.idGen.NewRawID()
	if err != nil {
		return uuid.Nil, err
	}
	job := indexer.Job{
		ID:          jobID,
		ProjectID:   projectID,
		Type:        jobType,
		Status:      indexer.JobPending,
		Metadata:    meta,
		ScheduledAt: s.clock.Now(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return uuid.Nil, err
	}
	return jobID, nil
}

func (s *Server) parseID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Hijack() (c net.Conn, rw *bufio.ReadWriter, err error) {
	if h, ok := sw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
