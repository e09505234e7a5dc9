// Package metrics exposes Prometheus collectors for the indexer service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	urlsDiscoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "urls_discovered_total",
			Help: "Total number of URLs discovered from sitemaps.",
		},
	)

	googleSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "google_submissions_total",
			Help: "Total Google Indexing API submissions, labeled by status.",
		},
		[]string{"status"},
	)

	indexnowSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexnow_submissions_total",
			Help: "Total IndexNow submissions, labeled by status.",
		},
		[]string{"status"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total errors observed, labeled by kind.",
		},
		[]string{"kind"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Total jobs finished, labeled by type and status.",
		},
		[]string{"type", "status"},
	)

	jobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Histogram of job wall-clock durations, labeled by type.",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"type"},
	)

	sitemapScanDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sitemap_scan_duration_seconds",
			Help:    "Histogram of single-sitemap fetch+parse durations.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60},
		},
	)

	apiLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Histogram of outbound API call latencies, labeled by engine.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"engine"},
	)

	activeJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_jobs",
			Help: "Number of jobs currently being processed.",
		},
	)

	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_size",
			Help: "Current depth of each work queue.",
		},
		[]string{"queue"},
	)

	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "event_subscribers",
			Help: "Number of live event bus subscribers.",
		},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveURLsDiscovered adds to the discovery counter.
func ObserveURLsDiscovered(n int) {
	if n > 0 {
		urlsDiscoveredTotal.Add(float64(n))
	}
}

// ObserveGoogleSubmission increments the Google submission counter.
func ObserveGoogleSubmission(status string) {
	googleSubmissionsTotal.WithLabelValues(status).Inc()
}

// ObserveIndexNowSubmissions adds n submissions with the given status.
func ObserveIndexNowSubmissions(status string, n int) {
	if n > 0 {
		indexnowSubmissionsTotal.WithLabelValues(status).Add(float64(n))
	}
}

// ObserveError increments the error counter for the given kind.
func ObserveError(kind string) {
	errorsTotal.WithLabelValues(kind).Inc()
}

// ObserveJob records one finished job and its duration.
func ObserveJob(jobType, status string, duration time.Duration) {
	jobsTotal.WithLabelValues(jobType, status).Inc()
	jobDurationSeconds.WithLabelValues(jobType).Observe(duration.Seconds())
}

// ObserveSitemapScan records one sitemap fetch+parse duration.
func ObserveSitemapScan(duration time.Duration) {
	sitemapScanDurationSeconds.Observe(duration.Seconds())
}

// ObserveAPILatency records an outbound API call duration.
func ObserveAPILatency(engine string, duration time.Duration) {
	apiLatencySeconds.WithLabelValues(engine).Observe(duration.Seconds())
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	activeJobs.Dec()
}

// SetQueueSize records the current depth of a queue.
func SetQueueSize(queue string, depth int) {
	queueSize.WithLabelValues(queue).Set(float64(depth))
}

// IncEventSubscribers increments the subscriber gauge.
func IncEventSubscribers() {
	eventSubscribers.Inc()
}

// DecEventSubscribers decrements the subscriber gauge.
func DecEventSubscribers() {
	eventSubscribers.Dec()
}
