package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/events"
	"github.com/indexerpro/sitemap-indexer/internal/google"
	"github.com/indexerpro/sitemap-indexer/internal/indexer"
	"github.com/indexerpro/sitemap-indexer/internal/logging"
	"github.com/indexerpro/sitemap-indexer/internal/metrics"
	"github.com/indexerpro/sitemap-indexer/internal/queue"
	"github.com/indexerpro/sitemap-indexer/internal/vault"
)

// submissionMaxAttempts bounds per-URL retry on the submission rows.
const submissionMaxAttempts = 3

// rateLimitBackoff is the fixed ladder for 429s without quota
// semantics.
var rateLimitBackoff = []time.Duration{
	2 * time.Second,
	3 * time.Second,
	4500 * time.Millisecond,
}

// GoogleConfig sizes the Google submission pipeline.
type GoogleConfig struct {
	DailyQuota int
	Delay      time.Duration
}

// GoogleClient is the outbound API dependency; google.Client implements
// it.
type GoogleClient interface {
	Token(ctx context.Context, sa google.ServiceAccount) (string, error)
	Publish(ctx context.Context, token, loc string, action indexer.SubmissionAction) (google.PublishResult, error)
}

// GoogleSubmitter consumes google-submitter jobs: decrypt the service
// account, mint a token, and notify the Indexing API URL by URL under
// the daily quota.
type GoogleSubmitter struct {
	cfg         GoogleConfig
	client      GoogleClient
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

// NewGoogleSubmitter constructs a GoogleSubmitter.
func NewGoogleSubmitter(
	cfg GoogleConfig,
	client GoogleClient,
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
) *GoogleSubmitter {
	if cfg.DailyQuota <= 0 {
		cfg.DailyQuota = 200
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoogleSubmitter{
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

// Handle processes one google-submitter queue message.
func (g *GoogleSubmitter) Handle(ctx context.Context, msg queue.Message) error {
	if err := msg.Payload.Validate(); err != nil {
		return fmt.Errorf("google payload: %w", err)
	}
	payload := *msg.Payload.Google

	project, err := g.projects.GetProject(ctx, payload.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}

	job := indexer.Job{ID: payload.JobID, ProjectID: payload.ProjectID, Type: indexer.JobGoogleSubmit}
	handle, jobCtx := g.controller.Attach(ctx, job, project.OrganizationID)
	defer g.controller.Detach(handle)

	g.controller.SetStatus(jobCtx, handle, indexer.JobProcessing, "")
	start := g.clock.Now()

	err = g.submit(jobCtx, handle, payload)
	switch {
	case errors.Is(err, indexer.ErrJobAborted):
		g.controller.SetStatus(jobCtx, handle, indexer.JobCancelled, abortedJobMessage)
		metrics.ObserveJob(string(job.Type), string(indexer.JobCancelled), g.clock.Now().Sub(start))
		return indexer.ErrJobAborted
	case err != nil:
		g.controller.SetStatus(jobCtx, handle, indexer.JobFailed, failureMessage(err))
		metrics.ObserveJob(string(job.Type), string(indexer.JobFailed), g.clock.Now().Sub(start))
		return err
	}

	handle.ReportProgress(jobCtx, 100, handle.processedItems(), handle.totalItems())
	g.controller.SetStatus(jobCtx, handle, indexer.JobCompleted, "")
	metrics.ObserveJob(string(job.Type), string(indexer.JobCompleted), g.clock.Now().Sub(start))
	if err := g.projects.StampSubmission(jobCtx, project.ID, g.clock.Now()); err != nil {
		g.logger.Warn("stamp submission failed", zap.Error(err))
	}
	return nil
}

func (g *GoogleSubmitter) submit(ctx context.Context, handle *Handle, payload indexer.GooglePayload) error {
	token, credID, err := g.authorize(ctx, payload)
	if err != nil {
		return err
	}

	today := g.clock.Now()
	usage, err := g.quotas.GetQuota(ctx, payload.ProjectID, indexer.EngineGoogle, today)
	if err != nil {
		return err
	}
	remaining := g.cfg.DailyQuota - usage.Used
	if remaining <= 0 {
		return fmt.Errorf("%w: %d/%d used today", indexer.ErrQuotaExhausted, usage.Used, g.cfg.DailyQuota)
	}

	urlIDs := payload.URLIDs
	if len(urlIDs) > remaining {
		g.controller.Log(ctx, handle, events.LevelWarn, logging.ModuleWorker,
			fmt.Sprintf("quota truncates batch from %d to %d urls", len(urlIDs), remaining))
		urlIDs = urlIDs[:remaining]
	}

	refs, err := g.urls.ListByIDs(ctx, urlIDs)
	if err != nil {
		return err
	}

	total := len(refs)
	successes := 0
	var fatal error
	var subs []indexer.Submission

	for i, ref := range refs {
		if err := handle.Checkpoint(ctx); err != nil {
			fatal = err
			break
		}
		if i > 0 {
			if err := indexer.Sleep(ctx, g.cfg.Delay); err != nil {
				fatal = indexer.ErrJobAborted
				break
			}
		}

		result, submitErr := g.submitOne(ctx, token, ref.Loc, payload.Action)
		sub := g.submissionRow(payload, ref, result, submitErr)
		subs = append(subs, sub)

		switch {
		case submitErr == nil:
			successes++
			metrics.ObserveGoogleSubmission("success")
			if err := g.urls.MarkSubmitted(ctx, indexer.EngineGoogle, []uuid.UUID{ref.ID}, g.clock.Now()); err != nil {
				g.logger.Warn("mark submitted failed", zap.Error(err))
			}
		case indexer.IsFatalPerJob(submitErr):
			metrics.ObserveGoogleSubmission("fatal")
			fatal = submitErr
		default:
			metrics.ObserveGoogleSubmission("error")
			g.recordURLError(ctx, ref, result.StatusCode)
		}
		if fatal != nil {
			break
		}
		handle.ReportProgress(ctx, (i+1)*100/total, i+1, total)
	}

	if err := g.submissions.AppendSubmissions(ctx, subs); err != nil {
		g.logger.Error("append submissions failed", zap.Error(err))
	}
	if successes > 0 {
		if _, err := g.quotas.IncrementQuota(ctx, payload.ProjectID, indexer.EngineGoogle, today, successes, g.cfg.DailyQuota); err != nil {
			g.logger.Error("quota increment failed", zap.Error(err))
		}
	}
	if credID != nil {
		if err := g.credentials.MarkCredentialUsed(ctx, *credID, g.clock.Now()); err != nil {
			g.logger.Debug("mark credential used failed", zap.Error(err))
		}
	}
	return fatal
}

// authorize decrypts the service account and exchanges it for a bearer
// token. The plaintext buffer is zeroed before returning.
func (g *GoogleSubmitter) authorize(ctx context.Context, payload indexer.GooglePayload) (string, *uuid.UUID, error) {
	cred, err := g.credentials.GetCredential(ctx, payload.ProjectID, indexer.EngineGoogle)
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			return "", nil, fmt.Errorf("%w: no google credential configured", indexer.ErrInvalidCredential)
		}
		return "", nil, err
	}
	if !cred.IsValid {
		return "", nil, fmt.Errorf("%w: credential marked invalid", indexer.ErrInvalidCredential)
	}

	plaintext, err := g.vault.Decrypt(vault.Record{
		EncryptedData: cred.EncryptedData,
		IV:            cred.IV,
		AuthTag:       cred.AuthTag,
		Salt:          cred.Salt,
	})
	if err != nil {
		return "", nil, err
	}
	defer vault.Zero(plaintext)

	sa, err := google.ParseServiceAccount(plaintext)
	if err != nil {
		return "", nil, err
	}
	token, err := g.client.Token(ctx, sa)
	if err != nil {
		return "", nil, err
	}
	return token, &cred.ID, nil
}

// submitOne publishes one notification with per-URL retry: fixed ladder
// for plain 429s, exponential for 5xx/network, immediate return for
// everything else.
func (g *GoogleSubmitter) submitOne(ctx context.Context, token, loc string, action indexer.SubmissionAction) (google.PublishResult, error) {
	policy := indexer.NewRetryPolicy(submissionMaxAttempts, time.Second, 15*time.Second)
	var result google.PublishResult
	var err error
	for attempt := 0; attempt < submissionMaxAttempts; attempt++ {
		result, err = g.client.Publish(ctx, token, loc, action)
		if err == nil {
			return result, nil
		}
		if indexer.IsFatalPerJob(err) {
			return result, err
		}

		var rateErr *google.RateLimitError
		var serverErr *google.ServerError
		switch {
		case errors.As(err, &rateErr):
			if attempt >= len(rateLimitBackoff) {
				return result, err
			}
			if sleepErr := indexer.Sleep(ctx, rateLimitBackoff[attempt]); sleepErr != nil {
				return result, err
			}
		case errors.As(err, &serverErr) || result.StatusCode == 0:
			if attempt == submissionMaxAttempts-1 {
				return result, err
			}
			if sleepErr := indexer.Sleep(ctx, policy.Backoff(attempt)); sleepErr != nil {
				return result, err
			}
		default:
			// Plain 4xx: a per-URL error, never retried.
			return result, err
		}
	}
	return result, err
}

func (g *GoogleSubmitter) submissionRow(payload indexer.GooglePayload, ref indexer.URLRef, result google.PublishResult, submitErr error) indexer.Submission {
	now := g.clock.Now()
	status := indexer.SubmissionCompleted
	errMsg := ""
	if submitErr != nil {
		status = indexer.SubmissionFailed
		errMsg = submitErr.Error()
	}
	id, err := g.idGen.NewRawID()
	if err != nil {
		id = ref.ID
	}
	return indexer.Submission{
		ID:           id,
		URLID:        ref.ID,
		ProjectID:    payload.ProjectID,
		Engine:       indexer.EngineGoogle,
		Action:       payload.Action,
		Status:       status,
		Attempts:     1,
		MaxAttempts:  submissionMaxAttempts,
		ResponseCode: result.StatusCode,
		ErrorMessage: errMsg,
		ScheduledAt:  now,
		StartedAt:    &now,
		CompletedAt:  &now,
	}
}

func (g *GoogleSubmitter) recordURLError(ctx context.Context, ref indexer.URLRef, status int) {
	urlStatus := indexer.URLCrawlError
	switch {
	case status >= 400 && status < 500:
		urlStatus = indexer.URLError4xx
	case status >= 500:
		urlStatus = indexer.URLError5xx
	}
	if err := g.urls.MarkStatus(ctx, indexer.EngineGoogle, ref.ID, urlStatus); err != nil {
		g.logger.Debug("mark url status failed", zap.Error(err))
	}
}

// failureMessage prefixes fatal errors with their classification so the
// UI can surface PermissionDenied and QuotaExceeded distinctly.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, indexer.ErrPermissionDenied):
		return fmt.Sprintf("PermissionDenied: %v", err)
	case errors.Is(err, indexer.ErrQuotaExceeded):
		return fmt.Sprintf("QuotaExceeded: %v", err)
	case errors.Is(err, indexer.ErrQuotaExhausted):
		return fmt.Sprintf("QuotaExhausted: %v", err)
	case errors.Is(err, indexer.ErrInvalidCredential):
		return fmt.Sprintf("InvalidCredential: %v", err)
	default:
		return err.Error()
	}
}
