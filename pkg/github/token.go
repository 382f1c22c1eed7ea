package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/orgguard/orgguard/internal/errors"
)

// appJWTLifetime is the validity window of the app JWT used to mint
// installation tokens. GitHub caps it at 10 minutes.
const appJWTLifetime = 9 * time.Minute

// tokenCache holds the current installation token. Refreshes are
// single-flighted so concurrent callers share one token exchange.
type tokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	group     singleflight.Group
}

func newTokenCache() *tokenCache {
	return &tokenCache{}
}

func (tc *tokenCache) cached() (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.token == "" || time.Until(tc.expiresAt) < tokenExpiryMargin {
		return "", false
	}
	return tc.token, true
}

func (tc *tokenCache) store(token string, expiresAt time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.token = token
	tc.expiresAt = expiresAt
}

// InvalidateToken discards the cached installation token.
func (c *Client) InvalidateToken() {
	c.tokens.store("", time.Time{})
}

// installationToken returns a valid installation access token, minting
// a fresh one through the app JWT exchange when the cache is stale.
func (c *Client) installationToken(ctx context.Context, force bool) (string, error) {
	if !force {
		if token, ok := c.tokens.cached(); ok {
			return token, nil
		}
	}

	v, err, _ := c.tokens.group.Do("installation-token", func() (any, error) {
		// Re-check under the flight: another caller may have refreshed
		// while we waited for the slot.
		if !force {
			if token, ok := c.tokens.cached(); ok {
				return token, nil
			}
		}
		return c.exchangeToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) exchangeToken(ctx context.Context) (string, error) {
	appJWT, err := c.mintAppJWT()
	if err != nil {
		return "", apperrors.WrapAuthError("mint_app_jwt", err)
	}

	path := fmt.Sprintf("/app/installations/%d/access_tokens", c.config.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+appJWT)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchange installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", apperrors.NewPlatformError(apperrors.ErrorTypeAuth, "exchange_token",
			fmt.Errorf("status %d: %s", resp.StatusCode, body)).WithStatusCode(resp.StatusCode)
	}

	var token installationToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if token.Token == "" {
		return "", apperrors.WrapAuthError("exchange_token", fmt.Errorf("empty token in response"))
	}

	c.tokens.store(token.Token, token.ExpiresAt)
	log.Debug().
		Time("expires_at", token.ExpiresAt).
		Int64("installation_id", c.config.InstallationID).
		Msg("Minted installation token")
	return token.Token, nil
}

// mintAppJWT signs a short-lived RS256 JWT identifying the app. Only
// ever used to exchange for an installation token, never sent to other
// endpoints.
func (c *Client) mintAppJWT() (string, error) {
	now := time.Now()
	appID := strconv.FormatInt(c.config.AppID, 10)
	claims := jwt.RegisteredClaims{
		Issuer:    appID,
		Audience:  jwt.ClaimStrings{appID},
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)), // clock-skew allowance
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign app JWT: %w", err)
	}
	return signed, nil
}
