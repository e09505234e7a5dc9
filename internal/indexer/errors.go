package indexer

import "errors"

// Sentinel errors shared across stores, clients, and workers. Workers
// classify outcomes with errors.Is against these before deciding between
// local retry, broker redelivery, and short-circuit failure.
var (
	// ErrNotFound is returned by stores when no row matches.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when enqueueing a scan while another scan
	// for the same project is still pending or processing.
	ErrConflict = errors.New("conflicting active job")

	// ErrInvalidSitemap marks a document that yielded nothing usable.
	ErrInvalidSitemap = errors.New("invalid sitemap")

	// ErrInvalidCredential marks a credential that failed decryption or
	// was rejected by the engine.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrQuotaExhausted means the daily budget was already spent before
	// the job started.
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrQuotaExceeded means the engine reported the quota spent mid-job.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrPermissionDenied means the service account does not own the
	// site; retrying cannot help.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrJobAborted is returned from checkpoints once a job was aborted.
	ErrJobAborted = errors.New("job aborted")
)

// IsFatalPerJob reports whether err must fail the whole job without
// broker redelivery.
func IsFatalPerJob(err error) bool {
	return errors.Is(err, ErrQuotaExhausted) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrInvalidCredential)
}
