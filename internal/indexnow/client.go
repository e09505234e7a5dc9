// Package indexnow batch-submits URLs to IndexNow-protocol endpoints.
package indexnow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
	"github.com/indexerpro/sitemap-indexer/internal/metrics"
)

// DefaultEndpoints are the participating engines, plus the protocol's
// shared ingestion endpoint.
var DefaultEndpoints = []string{
	"https://www.bing.com/indexnow",
	"https://yandex.com/indexnow",
	"https://search.seznam.cz/indexnow",
	"https://searchadvisor.naver.com/indexnow",
	"https://api.indexnow.org/indexnow",
}

const (
	requestTimeout = 30 * time.Second
	maxTries       = 3
	// splitThreshold is the largest batch that is not halved on a
	// 422/429 response; only larger batches are split.
	splitThreshold = 10
	splitPause     = time.Second
)

// Payload is the IndexNow request body.
type Payload struct {
	Host        string   `json:"host"`
	Key         string   `json:"key"`
	KeyLocation string   `json:"keyLocation"`
	URLList     []string `json:"urlList"`
}

// NewPayload composes a batch for host using its verification key.
func NewPayload(host, key string, urls []string) Payload {
	return Payload{
		Host:        host,
		Key:         key,
		KeyLocation: fmt.Sprintf("https://%s/%s.txt", host, key),
		URLList:     urls,
	}
}

// EndpointResult summarizes one endpoint's handling of a batch.
type EndpointResult struct {
	Endpoint  string
	Accepted  int
	Failed    int
	LastError string
}

// Client submits batches with per-endpoint retry and adaptive splitting.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds a Client.
func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}
}

// Submit posts the payload to one endpoint. On 422 or 429 with a batch
// larger than the split threshold, the batch is halved, each half is
// retried after a pause, and the partial results are summed.
func (c *Client) Submit(ctx context.Context, endpoint string, payload Payload) EndpointResult {
	result := EndpointResult{Endpoint: endpoint}
	c.submitBatch(ctx, endpoint, payload, &result)
	return result
}

func (c *Client) submitBatch(ctx context.Context, endpoint string, payload Payload, result *EndpointResult) {
	status, err := c.post(ctx, endpoint, payload)
	if err == nil && (status == http.StatusOK || status == http.StatusAccepted) {
		result.Accepted += len(payload.URLList)
		return
	}

	if (status == http.StatusTooManyRequests || status == http.StatusUnprocessableEntity) &&
		len(payload.URLList) > splitThreshold {
		c.logger.Info("indexnow batch rejected, splitting",
			zap.String("endpoint", endpoint),
			zap.Int("status", status),
			zap.Int("batch", len(payload.URLList)),
		)
		if sleepErr := indexer.Sleep(ctx, splitPause); sleepErr != nil {
			result.Failed += len(payload.URLList)
			result.LastError = sleepErr.Error()
			return
		}
		mid := len(payload.URLList) / 2
		left, right := payload, payload
		left.URLList = payload.URLList[:mid]
		right.URLList = payload.URLList[mid:]
		c.submitBatch(ctx, endpoint, left, result)
		c.submitBatch(ctx, endpoint, right, result)
		return
	}

	result.Failed += len(payload.URLList)
	if err != nil {
		result.LastError = err.Error()
	} else {
		result.LastError = fmt.Sprintf("endpoint status %d", status)
	}
}

// post performs one POST with local retry on network errors and 5xx.
// Fatal statuses (400, 403) and batch-splittable ones (422, 429) return
// immediately with the status.
func (c *Client) post(ctx context.Context, endpoint string, payload Payload) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal indexnow payload: %w", err)
	}

	policy := indexer.NewRetryPolicy(maxTries, time.Second, 15*time.Second)
	var lastStatus int
	var lastErr error
	for attempt := 0; attempt < maxTries; attempt++ {
		if attempt > 0 {
			if err := indexer.Sleep(ctx, policy.Backoff(attempt-1)); err != nil {
				return lastStatus, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(raw)))
		if err != nil {
			return 0, fmt.Errorf("build indexnow request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		metrics.ObserveAPILatency("indexnow", time.Since(start))
		if err != nil {
			lastErr = fmt.Errorf("indexnow post %s: %w", endpoint, err)
			if ctx.Err() != nil {
				return 0, lastErr
			}
			continue
		}
		_ = resp.Body.Close()
		lastStatus = resp.StatusCode
		lastErr = nil
		if resp.StatusCode < 500 {
			return resp.StatusCode, nil
		}
	}
	if lastErr != nil {
		return 0, lastErr
	}
	return lastStatus, nil
}
