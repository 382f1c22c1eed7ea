package github

import "time"

// Repository is a repository as returned by the GitHub REST API.
type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	Archived      bool   `json:"archived"`
	Private       bool   `json:"private"`
	Owner         Owner  `json:"owner"`
}

// Owner identifies the account owning a repository.
type Owner struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

// Issue is an issue as returned by the GitHub REST API.
type Issue struct {
	Number  int     `json:"number"`
	Title   string  `json:"title"`
	Body    string  `json:"body"`
	State   string  `json:"state"`
	HTMLURL string  `json:"html_url"`
	Labels  []Label `json:"labels"`
}

// Label is an issue label.
type Label struct {
	Name string `json:"name"`
}

// IssueComment is a comment on an issue or pull request.
type IssueComment struct {
	ID      int64  `json:"id"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	User    Owner  `json:"user"`
}

// FileContent is the decoded content of a repository file.
type FileContent struct {
	Path    string
	SHA     string
	Raw     []byte
	Text    string // UTF-8 view of Raw
	HTMLURL string
}

// WorkflowPermissions reports the default GITHUB_TOKEN permissions for
// workflow runs. DefaultWorkflowPermissions is empty when the Actions
// feature is disabled for the repository.
type WorkflowPermissions struct {
	DefaultWorkflowPermissions string `json:"default_workflow_permissions"`
	CanApprovePullRequests     bool   `json:"can_approve_pull_request_reviews"`
}

// CommitStatus is a status check attached to a commit SHA.
type CommitStatus struct {
	State       string `json:"state"` // success, failure, error, pending
	Context     string `json:"context"`
	Description string `json:"description"`
	TargetURL   string `json:"target_url,omitempty"`
}

// installationToken is the response from the installation token endpoint.
type installationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
