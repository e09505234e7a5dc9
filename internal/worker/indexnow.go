package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/indexerpro/sitemap-indexer/internal/events"
	"github.com/indexerpro/sitemap-indexer/internal/indexer"
	"github.com/indexerpro/sitemap-indexer/internal/indexnow"
	"github.com/indexerpro/sitemap-indexer/internal/logging"
	"github.com/indexerpro/sitemap-indexer/internal/metrics"
	"github.com/indexerpro/sitemap-indexer/internal/queue"
	"github.com/indexerpro/sitemap-indexer/internal/vault"
)

// endpointParallelism caps concurrent engine endpoints per batch.
const endpointParallelism = 4

// IndexNowConfig lists the engine endpoints to notify.
type IndexNowConfig struct {
	Endpoints []string
}

// IndexNowClient is the outbound API dependency; indexnow.Client
// implements it.
type IndexNowClient interface {
	Submit(ctx context.Context, endpoint string, payload indexnow.Payload) indexnow.EndpointResult
}

// IndexNowSubmitter consumes indexnow-submitter jobs: one batch to every
// participating engine in parallel.
type IndexNowSubmitter struct {
	cfg         IndexNowConfig
	client      IndexNowClient
	vault       *vault.Vault
	projects    indexer.ProjectStore
	urls        indexer.URLStore
	submissions indexer.SubmissionStore
	credentials indexer.CredentialStore
	quotas      indexer.QuotaStore
	controller  *Controller
	idGen       indexer.IDGenerator
	clock       indexer.Clock
	logger      *zap.Logger
}

// NewIndexNowSubmitter constructs an IndexNowSubmitter.
func NewIndexNowSubmitter(
	cfg IndexNowConfig,
	client IndexNowClient,
	v *vault.Vault,
	projects indexer.ProjectStore,
	urls indexer.URLStore,
	submissions indexer.SubmissionStore,
	credentials indexer.CredentialStore,
	quotas indexer.QuotaStore,
	controller *Controller,
	idGen indexer.IDGenerator,
	clock indexer.Clock,
	logger *zap.Logger,
) *IndexNowSubmitter {
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = indexnow.DefaultEndpoints
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IndexNowSubmitter{
		cfg:         cfg,
		client:      client,
		vault:       v,
		projects:    projects,
		urls:        urls,
		submissions: submissions,
		credentials: credentials,
		quotas:      quotas,
		controller:  controller,
		idGen:       idGen,
		clock:       clock,
		logger:      logging.ForModule(logger, logging.ModuleWorker),
	}
}

// Handle processes one indexnow-submitter queue message.
func (w *IndexNowSubmitter) Handle(ctx context.Context, msg queue.Message) error {
	if err := msg.Payload.Validate(); err != nil {
		return fmt.Errorf("indexnow payload: %w", err)
	}
	payload := *msg.Payload.IndexNow

	project, err := w.projects.GetProject(ctx, payload.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}

	job := indexer.Job{ID: payload.JobID, ProjectID: payload.ProjectID, Type: indexer.JobIndexNowSubmit}
	handle, jobCtx := w.controller.Attach(ctx, job, project.OrganizationID)
	defer w.controller.Detach(handle)

	w.controller.SetStatus(jobCtx, handle, indexer.JobProcessing, "")
	start := w.clock.Now()

	err = w.submit(jobCtx, handle, project, payload)
	switch {
	case errors.Is(err, indexer.ErrJobAborted):
		w.controller.SetStatus(jobCtx, handle, indexer.JobCancelled, abortedJobMessage)
		metrics.ObserveJob(string(job.Type), string(indexer.JobCancelled), w.clock.Now().Sub(start))
		return indexer.ErrJobAborted
	case err != nil:
		w.controller.SetStatus(jobCtx, handle, indexer.JobFailed, failureMessage(err))
		metrics.ObserveJob(string(job.Type), string(indexer.JobFailed), w.clock.Now().Sub(start))
		return err
	}

	handle.ReportProgress(jobCtx, 100, handle.processedItems(), handle.totalItems())
	w.controller.SetStatus(jobCtx, handle, indexer.JobCompleted, "")
	metrics.ObserveJob(string(job.Type), string(indexer.JobCompleted), w.clock.Now().Sub(start))
	if err := w.projects.StampSubmission(jobCtx, project.ID, w.clock.Now()); err != nil {
		w.logger.Warn("stamp submission failed", zap.Error(err))
	}
	return nil
}

func (w *IndexNowSubmitter) submit(ctx context.Context, handle *Handle, project indexer.Project, payload indexer.IndexNowPayload) error {
	key, err := w.decryptKey(ctx, payload.ProjectID)
	if err != nil {
		return err
	}

	refs, err := w.urls.ListByIDs(ctx, payload.URLIDs)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}

	host := project.Domain
	if parsed, err := url.Parse(project.RootSitemapURL); err == nil && parsed.Hostname() != "" {
		host = parsed.Hostname()
	}
	locs := make([]string, len(refs))
	for i, ref := range refs {
		locs[i] = ref.Loc
	}
	body := indexnow.NewPayload(host, key, locs)

	if err := handle.Checkpoint(ctx); err != nil {
		return err
	}

	results := make([]indexnow.EndpointResult, len(w.cfg.Endpoints))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(endpointParallelism)
	for i, endpoint := range w.cfg.Endpoints {
		i, endpoint := i, endpoint
		g.Go(func() error {
			results[i] = w.client.Submit(gctx, endpoint, body)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	accepted := 0
	for _, res := range results {
		if res.Accepted > 0 {
			accepted = maxInt(accepted, res.Accepted)
		}
		if res.LastError != "" {
			w.controller.Log(ctx, handle, events.LevelWarn, logging.ModuleWorker,
				fmt.Sprintf("indexnow endpoint %s: %s", res.Endpoint, res.LastError))
		}
	}
	anySuccess := accepted > 0

	now := w.clock.Now()
	subs := make([]indexer.Submission, 0, len(refs))
	status := indexer.SubmissionCompleted
	if !anySuccess {
		status = indexer.SubmissionFailed
	}
	for _, ref := range refs {
		id, err := w.idGen.NewRawID()
		if err != nil {
			id = uuid.New()
		}
		subs = append(subs, indexer.Submission{
			ID:          id,
			URLID:       ref.ID,
			ProjectID:   payload.ProjectID,
			Engine:      indexer.EngineIndexNow,
			Action:      indexer.ActionURLUpdated,
			Status:      status,
			Attempts:    1,
			MaxAttempts: submissionMaxAttempts,
			ScheduledAt: now,
			StartedAt:   &now,
			CompletedAt: &now,
		})
	}
	if err := w.submissions.AppendSubmissions(ctx, subs); err != nil {
		w.logger.Error("append submissions failed", zap.Error(err))
	}

	if anySuccess {
		ids := make([]uuid.UUID, len(refs))
		for i, ref := range refs {
			ids[i] = ref.ID
		}
		if err := w.urls.MarkSubmitted(ctx, indexer.EngineIndexNow, ids, now); err != nil {
			w.logger.Warn("mark submitted failed", zap.Error(err))
		}
		if _, err := w.quotas.IncrementQuota(ctx, payload.ProjectID, indexer.EngineIndexNow, now, accepted, 0); err != nil {
			w.logger.Error("quota increment failed", zap.Error(err))
		}
		metrics.ObserveIndexNowSubmissions("success", accepted)
	} else {
		metrics.ObserveIndexNowSubmissions("error", len(refs))
		return fmt.Errorf("all indexnow endpoints rejected the batch")
	}

	handle.ReportProgress(ctx, 100, len(refs), len(refs))
	return nil
}

// decryptKey loads and opens the IndexNow verification key, zeroing the
// plaintext buffer after copying it out.
func (w *IndexNowSubmitter) decryptKey(ctx context.Context, projectID uuid.UUID) (string, error) {
	cred, err := w.credentials.GetCredential(ctx, projectID, indexer.EngineIndexNow)
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			return "", fmt.Errorf("%w: no indexnow key configured", indexer.ErrInvalidCredential)
		}
		return "", err
	}
	if !cred.IsValid {
		return "", fmt.Errorf("%w: credential marked invalid", indexer.ErrInvalidCredential)
	}
	plaintext, err := w.vault.Decrypt(vault.Record{
		EncryptedData: cred.EncryptedData,
		IV:            cred.IV,
		AuthTag:       cred.AuthTag,
		Salt:          cred.Salt,
	})
	if err != nil {
		return "", err
	}
	key := string(plaintext)
	vault.Zero(plaintext)
	return key, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
