package github

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
)

func TestCreateIssueSendsPayload(t *testing.T) {
	client := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/svc/issues" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var payload struct {
			Title  string   `json:"title"`
			Body   string   `json:"body"`
			Labels []string `json:"labels"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.Title != "Compliance Violation: has_agents_md" {
			t.Errorf("title = %q", payload.Title)
		}
		if len(payload.Labels) != 1 || payload.Labels[0] != "compliance" {
			t.Errorf("labels = %v", payload.Labels)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Issue{Number: 12, Title: payload.Title, State: "open", HTMLURL: "https://example.test/issues/12"})
	})

	issue, err := client.CreateIssue(context.Background(), "acme/svc", "Compliance Violation: has_agents_md", "details", []string{"compliance"})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if issue.Number != 12 {
		t.Errorf("issue number = %d", issue.Number)
	}
}

func TestListOpenIssuesWithLabelPaginates(t *testing.T) {
	client := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("labels"); got != "compliance" {
			t.Errorf("labels param = %q", got)
		}
		if got := r.URL.Query().Get("state"); got != "open" {
			t.Errorf("state param = %q", got)
		}
		var issues []Issue
		if r.URL.Query().Get("page") == "1" {
			for i := 0; i < perPage; i++ {
				issues = append(issues, Issue{Number: i + 1, State: "open"})
			}
		} else {
			issues = []Issue{{Number: perPage + 1, State: "open"}}
		}
		json.NewEncoder(w).Encode(issues)
	})

	issues, err := client.ListOpenIssuesWithLabel(context.Background(), "acme/svc", "compliance")
	if err != nil {
		t.Fatalf("ListOpenIssuesWithLabel: %v", err)
	}
	if len(issues) != perPage+1 {
		t.Errorf("issues = %d, want %d", len(issues), perPage+1)
	}
}

func TestCreatePRCommentUsesIssuesEndpoint(t *testing.T) {
	client := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/svc/issues/7/comments" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["body"] != "policy report" {
			t.Errorf("body = %q", payload["body"])
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(IssueComment{ID: 99, Body: payload["body"]})
	})

	comment, err := client.CreatePRComment(context.Background(), "acme/svc", 7, "policy report")
	if err != nil {
		t.Fatalf("CreatePRComment: %v", err)
	}
	if comment.ID != 99 {
		t.Errorf("comment ID = %d", comment.ID)
	}
}

func TestSetCommitStatus(t *testing.T) {
	client := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/svc/statuses/abc123" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var status CommitStatus
		if err := json.NewDecoder(r.Body).Decode(&status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if status.State != "failure" || status.Context != "orgguard/policy" {
			t.Errorf("status = %+v", status)
		}
		w.WriteHeader(http.StatusCreated)
	})

	err := client.SetCommitStatus(context.Background(), "acme/svc", "abc123", CommitStatus{
		State:       "failure",
		Context:     "orgguard/policy",
		Description: "2 policy violations",
	})
	if err != nil {
		t.Fatalf("SetCommitStatus: %v", err)
	}
}
