package github

import (
	"context"
	"fmt"
	"net/http"
)

// CreatePRComment posts a comment on a pull request. PR comments ride
// the issues comment endpoint.
func (c *Client) CreatePRComment(ctx context.Context, fullName string, number int, body string) (*IssueComment, error) {
	payload := map[string]string{"body": body}
	var comment IssueComment
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", fullName, number)
	if err := c.request(ctx, "create_pr_comment", http.MethodPost, path, payload, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// ListPRComments lists the comments on a pull request.
func (c *Client) ListPRComments(ctx context.Context, fullName string, number int) ([]IssueComment, error) {
	var all []IssueComment
	for page := 1; ; page++ {
		path := fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=%d&page=%d",
			fullName, number, perPage, page)

		var comments []IssueComment
		if err := c.request(ctx, "list_pr_comments", http.MethodGet, path, nil, &comments); err != nil {
			return nil, err
		}
		all = append(all, comments...)
		if len(comments) < perPage {
			return all, nil
		}
	}
}

// SetCommitStatus creates or updates a status check on a commit. GitHub
// coalesces statuses by (context, sha), which keeps this idempotent.
func (c *Client) SetCommitStatus(ctx context.Context, fullName, sha string, status CommitStatus) error {
	path := fmt.Sprintf("/repos/%s/statuses/%s", fullName, sha)
	return c.request(ctx, "set_commit_status", http.MethodPost, path, status, nil)
}
