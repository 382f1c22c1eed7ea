// Package github is a GitHub App installation client covering the REST
// surface orgguard needs: repository enumeration, content reads, issues,
// pull-request comments, commit statuses, and team membership checks.
package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/orgguard/orgguard/internal/errors"
	"github.com/orgguard/orgguard/internal/metrics"
)

const (
	defaultBaseURL = "https://api.github.com"
	defaultTimeout = 30 * time.Second

	// Installation tokens are refreshed once they are within this window
	// of their expiry.
	tokenExpiryMargin = time.Minute

	maxRetries       = 5
	retryBaseDelay   = time.Second
	retryMaxDelay    = 30 * time.Second
	defaultRateReset = 60 * time.Second
)

// Client is an authenticated GitHub API client for one app installation.
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     ClientConfig

	signingKey *rsa.PrivateKey
	tokens     *tokenCache
}

// ClientConfig holds configuration for the GitHub client.
type ClientConfig struct {
	AppID          int64
	PrivateKeyPEM  string
	InstallationID int64
	Org            string
	BaseURL        string // test harnesses point this at a mock server
	Timeout        time.Duration
}

// NewClient creates a new GitHub App installation client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.AppID <= 0 {
		return nil, fmt.Errorf("app ID is required")
	}
	if cfg.InstallationID <= 0 {
		return nil, fmt.Errorf("installation ID is required")
	}
	if cfg.Org == "" {
		return nil, fmt.Errorf("organization is required")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		config:     cfg,
		signingKey: key,
		tokens:     newTokenCache(),
	}, nil
}

// Org returns the organization this client is installed on.
func (c *Client) Org() string {
	return c.config.Org
}

// request performs an authenticated API request with retry on transient
// server errors. The response body is decoded into out when out is
// non-nil and the response carries a body.
func (c *Client) request(ctx context.Context, op, method, path string, payload, out any) error {
	token, err := c.installationToken(ctx, false)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(op, "auth").Inc()
		return err
	}

	var body []byte
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", op, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryWait(attempt, rand.Float64())
			log.Debug().Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("Retrying GitHub request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		retryable, err := c.doOnce(ctx, op, method, path, token, body, out)
		if err == nil {
			metrics.APIRequestsTotal.WithLabelValues(op, "ok").Inc()
			return nil
		}
		lastErr = err
		if !retryable {
			metrics.APIRequestsTotal.WithLabelValues(op, outcomeLabel(err)).Inc()
			return err
		}
	}

	metrics.APIRequestsTotal.WithLabelValues(op, "server").Inc()
	return apperrors.WrapServerError(op, fmt.Errorf("giving up after %d attempts: %w", maxRetries, lastErr), 0)
}

// doOnce performs a single HTTP round trip. The bool result reports
// whether the failure is retryable at this layer (transient 5xx only;
// rate limits surface to the caller untouched).
func (c *Client) doOnce(ctx context.Context, op, method, path, token string, body []byte, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	recordRateLimit(resp)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			io.Copy(io.Discard, resp.Body)
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("decode %s response: %w", op, err)
		}
		return false, nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return c.classifyError(op, resp, respBody)
}

// classifyError maps an error response onto the platform error taxonomy.
func (c *Client) classifyError(op string, resp *http.Response, body []byte) (bool, error) {
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests || isSecondaryRateLimit(status, resp.Header, body):
		retryAfter := parseRetryAfter(resp.Header)
		log.Warn().Str("op", op).Dur("retry_after", retryAfter).Msg("GitHub rate limit hit")
		return false, apperrors.RateLimited(op, retryAfter)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return false, apperrors.NewPlatformError(apperrors.ErrorTypeAuth, op, fmt.Errorf("status %d: %s", status, body)).WithStatusCode(status)
	case status == http.StatusNotFound:
		return false, apperrors.WrapNotFound(op, fmt.Errorf("status 404: %s", body))
	case status >= 500:
		return true, apperrors.WrapServerError(op, fmt.Errorf("status %d: %s", status, body), status)
	default:
		return false, fmt.Errorf("%s: unexpected status %d: %s", op, status, body)
	}
}

// isSecondaryRateLimit detects the 403 variant GitHub uses for abuse and
// secondary limits. Both flavors unify into a rate-limit error.
func isSecondaryRateLimit(status int, header http.Header, body []byte) bool {
	if status != http.StatusForbidden {
		return false
	}
	if header.Get("Retry-After") != "" {
		return true
	}
	if remaining := header.Get("X-RateLimit-Remaining"); remaining == "0" {
		return true
	}
	return bytes.Contains(bytes.ToLower(body), []byte("secondary rate limit"))
}

func parseRetryAfter(header http.Header) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRateReset
}

func recordRateLimit(resp *http.Response) {
	v := resp.Header.Get("X-RateLimit-Remaining")
	if v == "" {
		return
	}
	remaining, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	metrics.RateLimitRemaining.Set(float64(remaining))
	if remaining < 100 {
		log.Warn().Int("remaining", remaining).Msg("GitHub API quota running low")
	}
}

func outcomeLabel(err error) string {
	switch {
	case apperrors.IsAuthError(err):
		return "auth"
	case apperrors.IsNotFound(err):
		return "not_found"
	default:
		if _, ok := apperrors.IsRateLimited(err); ok {
			return "rate_limited"
		}
		return "error"
	}
}
