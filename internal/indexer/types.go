// Package indexer defines the core domain types and interfaces shared by
// the workers, stores, and transport layers.
package indexer

import (
	"time"

	"github.com/google/uuid"
)

// Engine identifies an external indexing service.
type Engine string

// Supported engines.
const (
	EngineGoogle   Engine = "GOOGLE"
	EngineIndexNow Engine = "INDEXNOW"
)

// SitemapKind is the detected root element of a fetched sitemap document.
type SitemapKind string

// Supported sitemap kinds.
const (
	SitemapIndex  SitemapKind = "INDEX"
	SitemapURLSet SitemapKind = "URLSET"
	SitemapRSS    SitemapKind = "RSS"
)

// URLStatus tracks the per-engine lifecycle of a discovered URL.
type URLStatus string

// Supported URL statuses.
const (
	URLDiscovered URLStatus = "DISCOVERED"
	URLQueued     URLStatus = "QUEUED"
	URLSubmitted  URLStatus = "SUBMITTED"
	URLIndexed    URLStatus = "INDEXED"
	URLError4xx   URLStatus = "ERROR_4XX"
	URLError5xx   URLStatus = "ERROR_5XX"
	URLCrawlError URLStatus = "CRAWL_ERROR"
)

// JobType names the queue pipelines a job can run on.
type JobType string

// Supported job types.
const (
	JobFullScan        JobType = "FULL_SCAN"
	JobIncrementalSync JobType = "INCREMENTAL_SYNC"
	JobGoogleSubmit    JobType = "GOOGLE_SUBMISSION"
	JobIndexNowSubmit  JobType = "INDEXNOW_SUBMISSION"
	JobStatusCheck     JobType = "STATUS_CHECK"
)

// JobStatus is the coarse job lifecycle state.
type JobStatus string

// Supported job statuses. Terminal states are final.
const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// SubmissionAction is the notification type sent to an engine.
type SubmissionAction string

// Supported submission actions.
const (
	ActionURLUpdated SubmissionAction = "URL_UPDATED"
	ActionURLDeleted SubmissionAction = "URL_DELETED"
)

// SubmissionStatus is the outcome recorded for one submission attempt.
type SubmissionStatus string

// Supported submission statuses.
const (
	SubmissionPending   SubmissionStatus = "PENDING"
	SubmissionCompleted SubmissionStatus = "COMPLETED"
	SubmissionFailed    SubmissionStatus = "FAILED"
)

// Counters is the cached per-project aggregate over URL statuses.
type Counters struct {
	Total   int64 `json:"total"`
	Indexed int64 `json:"indexed"`
	Pending int64 `json:"pending"`
	Error   int64 `json:"error"`
}

// Project owns all child entities for one registered domain.
type Project struct {
	ID               uuid.UUID
	OrganizationID   uuid.UUID
	Domain           string
	RootSitemapURL   string
	Counters         Counters
	LastScanAt       *time.Time
	LastSubmissionAt *time.Time
}

// Sitemap is one fetched sitemap document, unique per (project, url).
type Sitemap struct {
	ID           uuid.UUID
	ProjectID    uuid.UUID
	URL          string
	Kind         SitemapKind
	ParentID     *uuid.UUID
	URLCount     int
	ETag         string
	LastModified string
	LastFetched  *time.Time
	ContentHash  string
}

// URLEntry is one canonical URL discovered from a sitemap, unique per
// (project, locHash).
type URLEntry struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	SitemapID         *uuid.UUID
	Loc               string
	LocHash           string
	LastMod           string
	ChangeFreq        string
	Priority          string
	GoogleStatus      URLStatus
	BingStatus        URLStatus
	GoogleSubmittedAt *time.Time
	BingSubmittedAt   *time.Time
	FirstSeenAt       time.Time
	RemovedAt         *time.Time
}

// URLRef is the (id, loc) projection used by the submitters.
type URLRef struct {
	ID  uuid.UUID
	Loc string
}

// Submission is one append-only attempt record per URL and engine.
type Submission struct {
	ID           uuid.UUID
	URLID        uuid.UUID
	ProjectID    uuid.UUID
	Engine       Engine
	Action       SubmissionAction
	Status       SubmissionStatus
	Attempts     int
	MaxAttempts  int
	ResponseCode int
	ErrorMessage string
	ScheduledAt  time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	NextRetryAt  *time.Time
}

// Job is one unit of queued work with its progress bookkeeping.
type Job struct {
	ID             uuid.UUID
	ProjectID      uuid.UUID
	Type           JobType
	Status         JobStatus
	Progress       int
	TotalItems     int
	ProcessedItems int
	Metadata       map[string]any
	ScheduledAt    time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ErrorMessage   string
}

// Credential is an encrypted per-project, per-engine secret record.
type Credential struct {
	ID            uuid.UUID
	ProjectID     uuid.UUID
	Engine        Engine
	Type          string
	EncryptedData []byte
	IV            []byte
	AuthTag       []byte
	Salt          []byte
	IsValid       bool
	ExpiresAt     *time.Time
	LastUsedAt    *time.Time
}

// QuotaUsage is the per-day submission budget bookkeeping row, unique per
// (project, engine, date).
type QuotaUsage struct {
	ProjectID uuid.UUID
	Engine    Engine
	Date      time.Time
	Used      int
	Limit     int
}

// QuotaDay truncates t to midnight UTC, the canonical quota bucket key.
func QuotaDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
