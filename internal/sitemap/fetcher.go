// Package sitemap fetches and parses sitemap, sitemap-index, and feed
// documents.
package sitemap

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

// FetcherConfig controls HTTP behavior for sitemap downloads.
type FetcherConfig struct {
	UserAgent   string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
}

// Fetcher downloads sitemap documents with retry, deadline, and gzip
// handling, then streams them through the parser.
type Fetcher struct {
	client *http.Client
	cfg    FetcherConfig
	policy *indexer.ExponentialRetryPolicy
	logger *zap.Logger
}

// FetchResult is the parsed outcome of one sitemap download.
type FetchResult struct {
	Kind          indexer.SitemapKind
	URLs          []Entry
	ChildSitemaps []string
	ETag          string
	LastModified  string
	// NotModified is set when the server answered 304 to a conditional
	// request; the cached child set is still current.
	NotModified bool
}

// NewFetcher builds a Fetcher. A nil logger falls back to a nop logger.
func NewFetcher(cfg FetcherConfig, logger *zap.Logger) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "SitemapIndexerPro/2.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		policy: indexer.NewRetryPolicy(cfg.MaxRetries, cfg.BackoffBase, 30*time.Second),
		logger: logger,
	}
}

// Fetch downloads and parses the document at url. priorETag, when
// non-empty, is sent as If-None-Match; a 304 returns NotModified without
// a body.
func (f *Fetcher) Fetch(ctx context.Context, url, priorETag string) (FetchResult, error) {
	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := indexer.Sleep(ctx, f.policy.Backoff(attempt-1)); err != nil {
				return FetchResult{}, fmt.Errorf("fetch backoff: %w", err)
			}
		}
		res, retryable, err := f.fetchOnce(ctx, url, priorETag)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			break
		}
		f.logger.Warn("sitemap fetch retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return FetchResult{}, lastErr
}

// fetchOnce performs a single request. The bool result reports whether
// the failure is retryable (network errors and 5xx only).
func (f *Fetcher) fetchOnce(ctx context.Context, url, priorETag string) (FetchResult, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	if priorETag != "" {
		req.Header.Set("If-None-Match", priorETag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, true, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return FetchResult{NotModified: true, ETag: priorETag}, false, nil
	case resp.StatusCode >= 500:
		return FetchResult{}, true, fmt.Errorf("fetch %s: server status %d", url, resp.StatusCode)
	case resp.StatusCode >= 400:
		return FetchResult{}, false, fmt.Errorf("fetch %s: client status %d", url, resp.StatusCode)
	}

	body, err := f.decodedBody(resp, url)
	if err != nil {
		return FetchResult{}, true, err
	}
	defer func() {
		if c, ok := body.(io.Closer); ok && c != resp.Body {
			_ = c.Close()
		}
	}()

	doc, err := Parse(body, f.logger)
	if err != nil {
		return FetchResult{}, false, err
	}

	return FetchResult{
		Kind:          doc.Kind,
		URLs:          doc.URLs,
		ChildSitemaps: doc.ChildSitemaps,
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
	}, false, nil
}

// decodedBody layers streaming gzip decompression when the response is
// compressed, either by transport header or by a .gz suffix.
func (f *Fetcher) decodedBody(resp *http.Response, url string) (io.Reader, error) {
	encoding := strings.ToLower(resp.Header.Get("Content-Encoding"))
	if strings.Contains(encoding, "gzip") || strings.HasSuffix(strings.ToLower(url), ".gz") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream for %s: %w", url, err)
		}
		return gz, nil
	}
	return resp.Body, nil
}
