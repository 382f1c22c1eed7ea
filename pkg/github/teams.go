package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// IsTeamMember reports whether the user is an active member of the
// team. The check runs with the user's own OAuth token, not the
// installation token, so membership visibility follows the user's
// permissions.
func (c *Client) IsTeamMember(ctx context.Context, userToken, org, teamSlug, login string) (bool, error) {
	path := fmt.Sprintf("/orgs/%s/teams/%s/memberships/%s",
		url.PathEscape(org), url.PathEscape(teamSlug), url.PathEscape(login))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("build membership request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+userToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("check team membership: %w", err)
	}
	defer resp.Body.Close()

	recordRateLimit(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		var membership struct {
			State string `json:"state"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&membership); err != nil {
			return false, fmt.Errorf("decode membership response: %w", err)
		}
		return membership.State == "active", nil
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return false, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("check team membership: status %d: %s", resp.StatusCode, body)
	}
}
