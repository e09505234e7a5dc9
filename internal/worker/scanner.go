package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/indexerpro/sitemap-indexer/internal/events"
	"github.com/indexerpro/sitemap-indexer/internal/indexer"
	"github.com/indexerpro/sitemap-indexer/internal/logging"
	"github.com/indexerpro/sitemap-indexer/internal/metrics"
	"github.com/indexerpro/sitemap-indexer/internal/queue"
	"github.com/indexerpro/sitemap-indexer/internal/sitemap"
)

// ScannerConfig bounds the recursive scan.
type ScannerConfig struct {
	MaxDepth  int
	FanOut    int
	BatchSize int
}

// SitemapFetcher is the fetch+parse dependency; sitemap.Fetcher
// implements it.
type SitemapFetcher interface {
	Fetch(ctx context.Context, url, priorETag string) (sitemap.FetchResult, error)
}

// Scanner consumes sitemap-scanner jobs: fetch, parse, persist, and
// recursively fan out child sitemaps.
type Scanner struct {
	cfg        ScannerConfig
	fetcher    SitemapFetcher
	projects   indexer.ProjectStore
	sitemaps   indexer.SitemapStore
	urls       indexer.URLStore
	broker     queue.Broker
	controller *Controller
	hasher     indexer.Hasher
	idGen      indexer.IDGenerator
	clock      indexer.Clock
	logger     *zap.Logger
}

// NewScanner constructs a Scanner.
func NewScanner(
	cfg ScannerConfig,
	fetcher SitemapFetcher,
	projects indexer.ProjectStore,
	sitemaps indexer.SitemapStore,
	urls indexer.URLStore,
	broker queue.Broker,
	controller *Controller,
	hasher indexer.Hasher,
	idGen indexer.IDGenerator,
	clock indexer.Clock,
	logger *zap.Logger,
) *Scanner {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = 5
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > 500 {
		cfg.BatchSize = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		cfg:        cfg,
		fetcher:    fetcher,
		projects:   projects,
		sitemaps:   sitemaps,
		urls:       urls,
		broker:     broker,
		controller: controller,
		hasher:     hasher,
		idGen:      idGen,
		clock:      clock,
		logger:     logging.ForModule(logger, logging.ModuleWorker),
	}
}

// Handle processes one scanner queue message.
func (s *Scanner) Handle(ctx context.Context, msg queue.Message) error {
	if err := msg.Payload.Validate(); err != nil {
		return fmt.Errorf("scanner payload: %w", err)
	}
	payload := *msg.Payload.Scanner

	project, err := s.projects.GetProject(ctx, payload.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}

	job, err := s.controllerJob(ctx, payload)
	if err != nil {
		return err
	}
	handle, jobCtx := s.controller.Attach(ctx, job, project.OrganizationID)
	defer s.controller.Detach(handle)

	start := s.clock.Now()
	err = s.scan(jobCtx, handle, project, payload)
	switch {
	case errors.Is(err, indexer.ErrJobAborted):
		s.controller.SetStatus(jobCtx, handle, indexer.JobCancelled, abortedJobMessage)
		metrics.ObserveJob(string(job.Type), string(indexer.JobCancelled), s.clock.Now().Sub(start))
		return indexer.ErrJobAborted
	case err != nil:
		if payload.Depth == 0 {
			s.controller.SetStatus(jobCtx, handle, indexer.JobFailed, err.Error())
			metrics.ObserveJob(string(job.Type), string(indexer.JobFailed), s.clock.Now().Sub(start))
		} else {
			// A failing sub-sitemap is recorded but does not fail the
			// parent scan.
			s.controller.Log(jobCtx, handle, events.LevelError, logging.ModuleWorker,
				fmt.Sprintf("sub-sitemap scan failed: %v", err))
		}
		return err
	}

	if payload.Depth == 0 {
		handle.ReportProgress(jobCtx, 100, handle.processedItems(), handle.totalItems())
		s.controller.SetStatus(jobCtx, handle, indexer.JobCompleted, "")
		metrics.ObserveJob(string(job.Type), string(indexer.JobCompleted), s.clock.Now().Sub(start))
	}
	return nil
}

// controllerJob materializes the job record the handle tracks.
func (s *Scanner) controllerJob(ctx context.Context, payload indexer.ScannerPayload) (indexer.Job, error) {
	job := indexer.Job{
		ID:        payload.JobID,
		ProjectID: payload.ProjectID,
		Type:      indexer.JobFullScan,
	}
	// The root invocation owns the PENDING -> PROCESSING transition.
	if payload.Depth == 0 {
		if err := s.controller.jobs.UpdateJobStatus(ctx, payload.JobID, indexer.JobProcessing, ""); err != nil {
			return indexer.Job{}, fmt.Errorf("start job: %w", err)
		}
	}
	return job, nil
}

func (s *Scanner) scan(ctx context.Context, handle *Handle, project indexer.Project, payload indexer.ScannerPayload) error {
	targetURL := payload.SitemapURL
	if targetURL == "" {
		targetURL = project.RootSitemapURL
	}
	if !handle.MarkVisited(targetURL) {
		s.logger.Debug("sitemap already visited in this job", zap.String("url", targetURL))
		return nil
	}
	if err := handle.Checkpoint(ctx); err != nil {
		return err
	}

	prior, err := s.sitemaps.GetSitemapByURL(ctx, project.ID, targetURL)
	priorKnown := err == nil

	fetchStart := s.clock.Now()
	var priorETag string
	if priorKnown {
		priorETag = prior.ETag
	}
	result, err := s.fetcher.Fetch(ctx, targetURL, priorETag)
	if err != nil {
		return fmt.Errorf("fetch sitemap %s: %w", targetURL, err)
	}
	metrics.ObserveSitemapScan(s.clock.Now().Sub(fetchStart))

	if result.NotModified {
		s.controller.Log(ctx, handle, events.LevelInfo, logging.ModuleStream,
			fmt.Sprintf("sitemap unchanged (etag match): %s", targetURL))
		return nil
	}

	contentHash, err := sitemap.ContentHash(sitemap.Document{
		Kind:          result.Kind,
		URLs:          result.URLs,
		ChildSitemaps: result.ChildSitemaps,
	}, s.hasher)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	sitemapID, err := s.sitemaps.UpsertSitemap(ctx, indexer.Sitemap{
		ID:           s.newID(),
		ProjectID:    project.ID,
		URL:          targetURL,
		Kind:         result.Kind,
		ParentID:     payload.ParentSitemapID,
		URLCount:     len(result.URLs),
		ETag:         result.ETag,
		LastModified: result.LastModified,
		LastFetched:  &now,
		ContentHash:  contentHash,
	})
	if err != nil {
		return err
	}

	// An unchanged child list on a previously fetched sitemap skips the
	// per-entry upserts entirely.
	unchanged := priorKnown && prior.ContentHash == contentHash && prior.LastFetched != nil

	if len(result.URLs) > 0 && !unchanged {
		if err := s.persistEntries(ctx, handle, project.ID, sitemapID, result.URLs, payload.Depth == 0); err != nil {
			return err
		}
		metrics.ObserveURLsDiscovered(len(result.URLs))
		s.controller.Log(ctx, handle, events.LevelSuccess, logging.ModuleWorker,
			fmt.Sprintf("discovered %d urls from %s", len(result.URLs), targetURL))
	}

	if result.Kind == indexer.SitemapIndex && payload.Depth < s.cfg.MaxDepth {
		if err := s.fanOut(ctx, handle, payload, sitemapID, result.ChildSitemaps); err != nil {
			return err
		}
	}

	if err := handle.Checkpoint(ctx); err != nil {
		return err
	}
	if _, err := s.projects.UpdateProjectCounters(ctx, project.ID); err != nil {
		return err
	}
	return nil
}

// persistEntries upserts entries in batches, checkpointing and reporting
// progress between them. Only the root sitemap drives the progress bar.
func (s *Scanner) persistEntries(
	ctx context.Context,
	handle *Handle,
	projectID uuid.UUID,
	sitemapID uuid.UUID,
	entries []sitemap.Entry,
	reportProgress bool,
) error {
	total := len(entries)
	processed := 0
	for start := 0; start < total; start += s.cfg.BatchSize {
		if err := handle.Checkpoint(ctx); err != nil {
			return err
		}
		end := start + s.cfg.BatchSize
		if end > total {
			end = total
		}
		batch := make([]indexer.URLEntry, 0, end-start)
		for _, e := range entries[start:end] {
			locHash, err := s.hasher.Hash([]byte(e.Loc))
			if err != nil {
				return fmt.Errorf("hash loc: %w", err)
			}
			batch = append(batch, indexer.URLEntry{
				ID:         s.newID(),
				Loc:        e.Loc,
				LocHash:    locHash,
				LastMod:    e.LastMod,
				ChangeFreq: e.ChangeFreq,
				Priority:   e.Priority,
			})
		}
		n, err := s.urls.UpsertBatch(ctx, projectID, &sitemapID, batch)
		if err != nil {
			return fmt.Errorf("upsert url batch: %w", err)
		}
		processed += n
		if reportProgress {
			percent := processed * 100 / total
			handle.ReportProgress(ctx, percent, processed, total)
		}
	}
	return nil
}

// fanOut enqueues one child scan per unique child sitemap, bounded by
// the fan-out semaphore. The shared visited set keeps cyclic indexes
// from recursing forever; the depth cap is the hard stop.
func (s *Scanner) fanOut(
	ctx context.Context,
	handle *Handle,
	payload indexer.ScannerPayload,
	parentID uuid.UUID,
	children []string,
) error {
	seen := make(map[string]struct{}, len(children))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FanOut)
	for _, child := range children {
		if _, ok := seen[child]; ok {
			continue
		}
		seen[child] = struct{}{}
		childURL := child
		g.Go(func() error {
			if err := handle.Checkpoint(gctx); err != nil {
				return err
			}
			return s.broker.Enqueue(gctx, queue.QueueScanner, indexer.NewScannerPayload(indexer.ScannerPayload{
				ProjectID:       payload.ProjectID,
				JobID:           payload.JobID,
				SitemapURL:      childURL,
				ParentSitemapID: &parentID,
				Depth:           payload.Depth + 1,
			}))
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fan out child sitemaps: %w", err)
	}
	return nil
}

func (s *Scanner) newID() uuid.UUID {
	id, err := s.idGen.NewRawID()
	if err != nil {
		return uuid.New()
	}
	return id
}

func (h *Handle) processedItems() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.processed
}

func (h *Handle) totalItems() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}
