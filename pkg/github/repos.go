package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/orgguard/orgguard/internal/errors"
)

const (
	perPage = 100

	// Content reads get a longer deadline than regular API calls.
	contentReadTimeout = 60 * time.Second
)

// ListOrgRepos enumerates every repository owned by the organization.
func (c *Client) ListOrgRepos(ctx context.Context) ([]Repository, error) {
	var all []Repository
	for page := 1; ; page++ {
		path := fmt.Sprintf("/orgs/%s/repos?type=all&per_page=%d&page=%d",
			url.PathEscape(c.config.Org), perPage, page)

		var repos []Repository
		if err := c.request(ctx, "list_repos", http.MethodGet, path, nil, &repos); err != nil {
			return nil, err
		}
		all = append(all, repos...)
		if len(repos) < perPage {
			return all, nil
		}
	}
}

// GetRepositoryByID fetches a repository by its stable numeric ID.
func (c *Client) GetRepositoryByID(ctx context.Context, id int64) (*Repository, error) {
	var repo Repository
	path := fmt.Sprintf("/repositories/%d", id)
	if err := c.request(ctx, "get_repository", http.MethodGet, path, nil, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// GetFileContent reads a file at the repository's default branch root
// and returns its decoded bytes. The content endpoint returns base64.
func (c *Client) GetFileContent(ctx context.Context, fullName, path string) (*FileContent, error) {
	ctx, cancel := context.WithTimeout(ctx, contentReadTimeout)
	defer cancel()

	var resp struct {
		Path     string `json:"path"`
		SHA      string `json:"sha"`
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
		HTMLURL  string `json:"html_url"`
	}
	apiPath := fmt.Sprintf("/repos/%s/contents/%s", fullName, url.PathEscape(path))
	if err := c.request(ctx, "get_content", http.MethodGet, apiPath, nil, &resp); err != nil {
		return nil, err
	}

	if resp.Encoding != "base64" {
		return nil, fmt.Errorf("get_content: unexpected encoding %q for %s in %s", resp.Encoding, path, fullName)
	}
	// GitHub inserts newlines into the base64 payload.
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(resp.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("get_content: decode %s in %s: %w", path, fullName, err)
	}

	return &FileContent{
		Path:    resp.Path,
		SHA:     resp.SHA,
		Raw:     raw,
		Text:    string(raw),
		HTMLURL: resp.HTMLURL,
	}, nil
}

// FileExists reports whether a file exists at the repository's default
// branch root. A 404 downgrades to (false, nil).
func (c *Client) FileExists(ctx context.Context, fullName, path string) (bool, error) {
	_, err := c.GetFileContent(ctx, fullName, path)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetWorkflowPermissions reads the default workflow token permissions.
// Returns nil when the Actions feature is disabled for the repository.
func (c *Client) GetWorkflowPermissions(ctx context.Context, fullName string) (*WorkflowPermissions, error) {
	var perms WorkflowPermissions
	path := fmt.Sprintf("/repos/%s/actions/permissions/workflow", fullName)
	if err := c.request(ctx, "get_workflow_permissions", http.MethodGet, path, nil, &perms); err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if perms.DefaultWorkflowPermissions == "" {
		return nil, nil
	}
	return &perms, nil
}

// ArchiveRepository marks a repository as archived. Archiving an
// already-archived repository is a no-op on the API side.
func (c *Client) ArchiveRepository(ctx context.Context, fullName string) error {
	payload := map[string]bool{"archived": true}
	path := "/repos/" + fullName
	return c.request(ctx, "archive_repository", http.MethodPatch, path, payload, nil)
}
