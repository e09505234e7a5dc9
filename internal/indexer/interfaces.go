package indexer

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces new entity identifiers.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Hasher produces hex digests for canonical URL hashing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// ProjectStore reads and maintains project rows.
type ProjectStore interface {
	GetProject(ctx context.Context, id uuid.UUID) (Project, error)
	// UpdateProjectCounters recomputes the cached counters from the url
	// rows in a single transaction and stamps lastScanAt.
	UpdateProjectCounters(ctx context.Context, id uuid.UUID) (Counters, error)
	StampSubmission(ctx context.Context, id uuid.UUID, at time.Time) error
}

// SitemapStore maintains sitemap rows keyed by (project, url).
type SitemapStore interface {
	GetSitemapByURL(ctx context.Context, projectID uuid.UUID, url string) (Sitemap, error)
	// UpsertSitemap inserts or refreshes the row and returns its id.
	UpsertSitemap(ctx context.Context, sm Sitemap) (uuid.UUID, error)
}

// URLStore persists discovered URLs idempotently.
type URLStore interface {
	// UpsertBatch inserts or refreshes entries keyed by
	// (projectID, locHash). Batches are capped by the implementation.
	UpsertBatch(ctx context.Context, projectID uuid.UUID, sitemapID *uuid.UUID, entries []URLEntry) (int, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]URLRef, error)
	MarkSubmitted(ctx context.Context, engine Engine, ids []uuid.UUID, at time.Time) error
	MarkStatus(ctx context.Context, engine Engine, id uuid.UUID, status URLStatus) error
}

// JobStore maintains job lifecycle rows.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id uuid.UUID) (Job, error)
	// HasActiveJob reports whether a PENDING or PROCESSING job of the
	// given type exists for the project.
	HasActiveJob(ctx context.Context, projectID uuid.UUID, jobType JobType) (bool, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status JobStatus, errMsg string) error
	UpdateJobProgress(ctx context.Context, id uuid.UUID, progress, processed, total int) error
}

// SubmissionStore appends submission attempt rows.
type SubmissionStore interface {
	AppendSubmissions(ctx context.Context, subs []Submission) error
}

// CredentialStore loads and maintains encrypted credential rows.
type CredentialStore interface {
	GetCredential(ctx context.Context, projectID uuid.UUID, engine Engine) (Credential, error)
	SaveCredential(ctx context.Context, cred Credential) error
	MarkCredentialUsed(ctx context.Context, id uuid.UUID, at time.Time) error
	InvalidateCredential(ctx context.Context, id uuid.UUID) error
}

// QuotaStore tracks per-day usage with atomic increments.
type QuotaStore interface {
	GetQuota(ctx context.Context, projectID uuid.UUID, engine Engine, day time.Time) (QuotaUsage, error)
	// IncrementQuota adds delta via an atomic upsert
	// (used = quota_usage.used + delta) and returns the new value.
	IncrementQuota(ctx context.Context, projectID uuid.UUID, engine Engine, day time.Time, delta, limit int) (int, error)
}
