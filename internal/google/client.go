// Package google submits URL notifications to the Google Indexing API
// under service-account JWT-bearer auth.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
	"github.com/indexerpro/sitemap-indexer/internal/metrics"
)

// Production endpoints; tests point them at httptest servers.
const (
	DefaultTokenURL   = "https://oauth2.googleapis.com/token"
	DefaultPublishURL = "https://indexing.googleapis.com/v3/urlNotifications:publish"

	indexingScope = "https://www.googleapis.com/auth/indexing"
	grantType     = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	tokenLifetime = time.Hour
)

// ServiceAccount is the slice of a service-account JSON file the client
// needs. The full decrypted document never leaves the submitter's stack
// frame.
type ServiceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// ParseServiceAccount decodes the decrypted credential document.
func ParseServiceAccount(raw []byte) (ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return ServiceAccount{}, fmt.Errorf("%w: parse service account: %v", indexer.ErrInvalidCredential, err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return ServiceAccount{}, fmt.Errorf("%w: service account missing client_email or private_key", indexer.ErrInvalidCredential)
	}
	return sa, nil
}

// Client exchanges JWTs for bearer tokens and publishes notifications.
type Client struct {
	httpClient *http.Client
	tokenURL   string
	publishURL string
	clock      indexer.Clock
	logger     *zap.Logger
}

// Config overrides endpoints and timeouts, mainly for tests.
type Config struct {
	TokenURL   string
	PublishURL string
	Timeout    time.Duration
}

// NewClient builds a Client.
func NewClient(cfg Config, clock indexer.Clock, logger *zap.Logger) *Client {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.PublishURL == "" {
		cfg.PublishURL = DefaultPublishURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tokenURL:   cfg.TokenURL,
		publishURL: cfg.PublishURL,
		clock:      clock,
		logger:     logger,
	}
}

// Token signs an RS256 assertion and exchanges it for a bearer token.
func (c *Client) Token(ctx context.Context, sa ServiceAccount) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("%w: parse private key: %v", indexer.ErrInvalidCredential, err)
	}

	now := c.clock.Now()
	claims := jwt.MapClaims{
		"iss":   sa.ClientEmail,
		"scope": indexingScope,
		"aud":   c.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(tokenLifetime).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", grantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	metrics.ObserveAPILatency("google", c.clock.Now().Sub(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", fmt.Errorf("%w: token endpoint status %d", indexer.ErrInvalidCredential, resp.StatusCode)
		}
		return "", fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", indexer.ErrInvalidCredential)
	}
	return tokenResp.AccessToken, nil
}

// PublishResult is the outcome of one notification.
type PublishResult struct {
	StatusCode int
	Message    string
}

// Publish sends one URL notification. The error, when non-nil, is
// already classified: ErrPermissionDenied and ErrQuotaExceeded are
// fatal for the whole job; *RateLimitError and *ServerError are
// retryable; *RequestError is a non-retryable per-URL failure. Transport
// failures come back as plain wrapped errors.
func (c *Client) Publish(ctx context.Context, token, loc string, action indexer.SubmissionAction) (PublishResult, error) {
	payload, err := json.Marshal(map[string]string{
		"url":  loc,
		"type": string(action),
	})
	if err != nil {
		return PublishResult{}, fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.publishURL, strings.NewReader(string(payload)))
	if err != nil {
		return PublishResult{}, fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PublishResult{}, fmt.Errorf("publish notification: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	metrics.ObserveAPILatency("google", c.clock.Now().Sub(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return PublishResult{}, fmt.Errorf("read publish response: %w", err)
	}

	result := PublishResult{StatusCode: resp.StatusCode, Message: apiErrorMessage(body)}
	return result, ClassifyStatus(resp.StatusCode, result.Message)
}

// ClassifyStatus maps an API status and error message onto the error
// taxonomy. A nil return means success.
func ClassifyStatus(status int, message string) error {
	lower := strings.ToLower(message)
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusForbidden &&
		(strings.Contains(lower, "permission") || strings.Contains(lower, "ownership")):
		return fmt.Errorf("%w: %s", indexer.ErrPermissionDenied, message)
	case status == http.StatusTooManyRequests && strings.Contains(lower, "quota"):
		return fmt.Errorf("%w: %s", indexer.ErrQuotaExceeded, message)
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Message: message}
	case status >= 500:
		return &ServerError{Status: status, Message: message}
	default:
		return &RequestError{Status: status, Message: message}
	}
}

// RateLimitError is a 429 without quota semantics; retried with the
// fixed 2 s / 3 s / 4.5 s ladder.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// ServerError is a retryable 5xx.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server status %d: %s", e.Status, e.Message)
}

// RequestError is a non-retryable 4xx recorded on the submission row.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request status %d: %s", e.Status, e.Message)
}

// apiErrorMessage digs the error.message field out of a Google API error
// body, falling back to the raw body.
func apiErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(body))
}
