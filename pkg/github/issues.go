package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// CreateIssue opens an issue on the repository.
func (c *Client) CreateIssue(ctx context.Context, fullName, title, body string, labels []string) (*Issue, error) {
	payload := map[string]any{
		"title":  title,
		"body":   body,
		"labels": labels,
	}
	var issue Issue
	path := fmt.Sprintf("/repos/%s/issues", fullName)
	if err := c.request(ctx, "create_issue", http.MethodPost, path, payload, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// ListOpenIssuesWithLabel lists open issues on the repository carrying
// the given label. Pull requests surface through this endpoint too;
// callers matching on title are unaffected.
func (c *Client) ListOpenIssuesWithLabel(ctx context.Context, fullName, label string) ([]Issue, error) {
	var all []Issue
	for page := 1; ; page++ {
		path := fmt.Sprintf("/repos/%s/issues?state=open&labels=%s&per_page=%d&page=%d",
			fullName, url.QueryEscape(label), perPage, page)

		var issues []Issue
		if err := c.request(ctx, "list_issues", http.MethodGet, path, nil, &issues); err != nil {
			return nil, err
		}
		all = append(all, issues...)
		if len(issues) < perPage {
			return all, nil
		}
	}
}
