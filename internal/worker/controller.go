// Package worker implements the job pipelines consumed from the three
// work queues, together with pause/abort/progress control.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/events"
	"github.com/indexerpro/sitemap-indexer/internal/indexer"
	"github.com/indexerpro/sitemap-indexer/internal/metrics"
)

const (
	pausePollInterval = 200 * time.Millisecond
	progressThrottle  = 200 * time.Millisecond
	abortedJobMessage = "Job Aborted"
)

// Controller tracks running jobs so the API surface can pause, resume,
// and abort them, and so workers share one progress/status pipeline.
type Controller struct {
	jobs   indexer.JobStore
	bus    *events.Bus
	clock  indexer.Clock
	logger *zap.Logger

	mu      sync.Mutex
	handles map[uuid.UUID]*Handle
	visited map[uuid.UUID]*visitRecord
}

// visitRecord is the per-job-run visited set. It outlives individual
// handles because fan-out children of a scan attach after the root
// message finished; stale records are pruned lazily.
type visitRecord struct {
	urls    map[string]struct{}
	touched time.Time
}

// visitedTTL bounds how long a finished run's visited set lingers.
const visitedTTL = time.Hour

// NewController builds a Controller.
func NewController(jobs indexer.JobStore, bus *events.Bus, clock indexer.Clock, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		jobs:    jobs,
		bus:     bus,
		clock:   clock,
		logger:  logger,
		handles: make(map[uuid.UUID]*Handle),
		visited: make(map[uuid.UUID]*visitRecord),
	}
}

// Attach returns the handle for a job, creating and registering it on
// first sight. Child queue messages of a fan-out share the parent's
// handle, and with it the visited set and cancellation signal. The
// returned context is canceled when the job is aborted.
func (c *Controller) Attach(ctx context.Context, job indexer.Job, orgID uuid.UUID) (*Handle, context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[job.ID]; ok {
		h.refs++
		return h, h.withCancel(ctx)
	}
	h := &Handle{
		controller:   c,
		JobID:        job.ID,
		ProjectID:    job.ProjectID,
		OrgID:        orgID,
		Type:         job.Type,
		refs:         1,
		lastProgress: job.Progress,
		abortCh:      make(chan struct{}),
	}
	c.handles[job.ID] = h
	metrics.IncActiveJobs()
	return h, h.withCancel(ctx)
}

// Detach releases one reference; the handle unregisters when the last
// worker holding it finishes, releasing its derived contexts.
func (c *Controller) Detach(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.refs--
	if h.refs <= 0 {
		delete(c.handles, h.JobID)
		metrics.DecActiveJobs()
		h.mu.Lock()
		cancels := h.cancels
		h.cancels = nil
		h.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// markVisited tracks one job run's visited sitemap URLs and prunes
// stale records from finished runs as a side effect.
func (c *Controller) markVisited(jobID uuid.UUID, url string) bool {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, rec := range c.visited {
		if now.Sub(rec.touched) > visitedTTL {
			delete(c.visited, id)
		}
	}
	rec, ok := c.visited[jobID]
	if !ok {
		rec = &visitRecord{urls: make(map[string]struct{})}
		c.visited[jobID] = rec
	}
	rec.touched = now
	if _, seen := rec.urls[url]; seen {
		return false
	}
	rec.urls[url] = struct{}{}
	return true
}

// Pause flags the job; workers stall at their next checkpoint.
func (c *Controller) Pause(jobID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[jobID]
	if !ok {
		return false
	}
	h.setPaused(true)
	return true
}

// Resume clears the pause flag.
func (c *Controller) Resume(jobID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[jobID]
	if !ok {
		return false
	}
	h.setPaused(false)
	return true
}

// Abort cancels the job's contexts. Workers observe it at the next
// suspension point and transition the job to CANCELLED.
func (c *Controller) Abort(jobID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[jobID]
	if !ok {
		return false
	}
	h.abort()
	return true
}

// SetStatus persists the transition and publishes a JOB_UPDATE event.
func (c *Controller) SetStatus(ctx context.Context, h *Handle, status indexer.JobStatus, errMsg string) {
	// Status writes must survive an aborted job context.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.jobs.UpdateJobStatus(writeCtx, h.JobID, status, errMsg); err != nil {
		c.logger.Error("job status update failed",
			zap.String("job_id", h.JobID.String()),
			zap.Error(err),
		)
	}
	h.mu.Lock()
	progress := h.lastProgress
	processed, total := h.processed, h.total
	h.mu.Unlock()
	if status == indexer.JobCompleted {
		progress = 100
	}
	c.publishUpdate(writeCtx, h, status, progress, processed, total)
}

func (c *Controller) publishUpdate(ctx context.Context, h *Handle, status indexer.JobStatus, progress, processed, total int) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, events.Event{
		Kind:      events.KindJobUpdate,
		OrgID:     h.OrgID,
		ProjectID: h.ProjectID,
		Job: &events.JobUpdatePayload{
			ID:             h.JobID.String(),
			Type:           h.Type,
			Status:         status,
			Progress:       progress,
			ProcessedItems: processed,
			TotalItems:     total,
		},
	})
}

// Log publishes a LOG event on the job's channel.
func (c *Controller) Log(ctx context.Context, h *Handle, level events.Level, module, message string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, events.Event{
		Kind:      events.KindLog,
		OrgID:     h.OrgID,
		ProjectID: h.ProjectID,
		Log: &events.LogPayload{
			ID:        uuid.NewString(),
			Timestamp: c.clock.Now(),
			Level:     level,
			Module:    module,
			Message:   message,
			JobID:     h.JobID.String(),
			ProjectID: h.ProjectID.String(),
		},
	})
}

// Handle is the per-job control block shared by every worker goroutine
// touching the job.
type Handle struct {
	controller *Controller

	JobID     uuid.UUID
	ProjectID uuid.UUID
	OrgID     uuid.UUID
	Type      indexer.JobType

	mu           sync.Mutex
	refs         int
	paused       bool
	aborted      bool
	abortCh      chan struct{}
	lastProgress int
	lastReport   time.Time
	processed    int
	total        int
	cancels      []context.CancelFunc
}

func (h *Handle) withCancel(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	h.mu.Lock()
	h.cancels = append(h.cancels, cancel)
	h.mu.Unlock()
	go func() {
		select {
		case <-h.abortCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

func (h *Handle) setPaused(v bool) {
	h.mu.Lock()
	h.paused = v
	h.mu.Unlock()
}

func (h *Handle) abort() {
	h.mu.Lock()
	if !h.aborted {
		h.aborted = true
		close(h.abortCh)
	}
	h.mu.Unlock()
}

// Aborted reports whether the job was aborted.
func (h *Handle) Aborted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted
}

// Checkpoint is called between units of work. It blocks while the job is
// paused, polling at most every 200 ms, and returns ErrJobAborted once
// the job is aborted or the context ends.
func (h *Handle) Checkpoint(ctx context.Context) error {
	for {
		if h.Aborted() {
			return indexer.ErrJobAborted
		}
		if ctx.Err() != nil {
			return indexer.ErrJobAborted
		}
		h.mu.Lock()
		paused := h.paused
		h.mu.Unlock()
		if !paused {
			return nil
		}
		if err := indexer.Sleep(ctx, pausePollInterval); err != nil {
			return indexer.ErrJobAborted
		}
	}
}

// MarkVisited records url in the job run's visited set, returning true
// on first sight. This is the scanner's cycle brake; the set lives on
// the controller so fan-out children observe the root's visits.
func (h *Handle) MarkVisited(url string) bool {
	return h.controller.markVisited(h.JobID, url)
}

// ReportProgress clamps percent to [lastReported, 100], throttles
// persistence to one write per 200 ms, and publishes a JOB_UPDATE.
// Forced reports (percent 100) always go through.
func (h *Handle) ReportProgress(ctx context.Context, percent, processed, total int) {
	h.mu.Lock()
	if percent < h.lastProgress {
		percent = h.lastProgress
	}
	if percent > 100 {
		percent = 100
	}
	now := h.controller.clock.Now()
	force := percent == 100
	if !force && now.Sub(h.lastReport) < progressThrottle {
		h.processed = processed
		h.total = total
		h.mu.Unlock()
		return
	}
	h.lastProgress = percent
	h.lastReport = now
	h.processed = processed
	h.total = total
	h.mu.Unlock()

	if err := h.controller.jobs.UpdateJobProgress(ctx, h.JobID, percent, processed, total); err != nil {
		h.controller.logger.Warn("job progress update failed",
			zap.String("job_id", h.JobID.String()),
			zap.Error(err),
		)
	}
	h.controller.publishUpdate(ctx, h, indexer.JobProcessing, percent, processed, total)
}

// Progress returns the last reported percentage.
func (h *Handle) Progress() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastProgress
}
