package indexer

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PayloadKind discriminates the JobPayload variants.
type PayloadKind string

// Supported payload kinds, one per queue.
const (
	PayloadScanner  PayloadKind = "scanner"
	PayloadGoogle   PayloadKind = "google"
	PayloadIndexNow PayloadKind = "indexnow"
)

// ScannerPayload drives one sitemap-scanner handler invocation.
type ScannerPayload struct {
	ProjectID       uuid.UUID  `json:"project_id"`
	JobID           uuid.UUID  `json:"job_id"`
	SitemapURL      string     `json:"sitemap_url,omitempty"`
	ParentSitemapID *uuid.UUID `json:"parent_sitemap_id,omitempty"`
	Depth           int        `json:"depth"`
}

// GooglePayload drives one google-submitter handler invocation.
type GooglePayload struct {
	ProjectID uuid.UUID        `json:"project_id"`
	JobID     uuid.UUID        `json:"job_id"`
	URLIDs    []uuid.UUID      `json:"url_ids"`
	Action    SubmissionAction `json:"action"`
}

// IndexNowPayload drives one indexnow-submitter handler invocation.
type IndexNowPayload struct {
	ProjectID uuid.UUID   `json:"project_id"`
	JobID     uuid.UUID   `json:"job_id"`
	URLIDs    []uuid.UUID `json:"url_ids"`
}

// JobPayload is the tagged union carried on queue messages. Exactly one
// variant pointer is set, matching Kind.
type JobPayload struct {
	Kind     PayloadKind      `json:"kind"`
	Scanner  *ScannerPayload  `json:"scanner,omitempty"`
	Google   *GooglePayload   `json:"google,omitempty"`
	IndexNow *IndexNowPayload `json:"indexnow,omitempty"`
}

// NewScannerPayload wraps a ScannerPayload in its envelope.
func NewScannerPayload(p ScannerPayload) JobPayload {
	return JobPayload{Kind: PayloadScanner, Scanner: &p}
}

// NewGooglePayload wraps a GooglePayload in its envelope.
func NewGooglePayload(p GooglePayload) JobPayload {
	return JobPayload{Kind: PayloadGoogle, Google: &p}
}

// NewIndexNowPayload wraps an IndexNowPayload in its envelope.
func NewIndexNowPayload(p IndexNowPayload) JobPayload {
	return JobPayload{Kind: PayloadIndexNow, IndexNow: &p}
}

// Validate checks that exactly the variant named by Kind is present.
func (p JobPayload) Validate() error {
	switch p.Kind {
	case PayloadScanner:
		if p.Scanner == nil || p.Google != nil || p.IndexNow != nil {
			return errors.New("scanner payload variant mismatch")
		}
	case PayloadGoogle:
		if p.Google == nil || p.Scanner != nil || p.IndexNow != nil {
			return errors.New("google payload variant mismatch")
		}
	case PayloadIndexNow:
		if p.IndexNow == nil || p.Scanner != nil || p.Google != nil {
			return errors.New("indexnow payload variant mismatch")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return nil
}

// JobID returns the job identifier of whichever variant is set.
func (p JobPayload) JobID() uuid.UUID {
	switch p.Kind {
	case PayloadScanner:
		if p.Scanner != nil {
			return p.Scanner.JobID
		}
	case PayloadGoogle:
		if p.Google != nil {
			return p.Google.JobID
		}
	case PayloadIndexNow:
		if p.IndexNow != nil {
			return p.IndexNow.JobID
		}
	}
	return uuid.Nil
}
