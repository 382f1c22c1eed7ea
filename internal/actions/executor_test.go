package actions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgguard/orgguard/internal/policy"
	"github.com/orgguard/orgguard/internal/policyconfig"
	"github.com/orgguard/orgguard/internal/store"
	"github.com/orgguard/orgguard/pkg/github"
)

type fakeClient struct {
	openIssues    []github.Issue
	createdIssues []github.Issue
	archived      []string
	prComments    []github.IssueComment
	newComments   []string
	statuses      []github.CommitStatus

	listIssuesErr  error
	createIssueErr error
	statusErr      error
}

func (f *fakeClient) CreateIssue(ctx context.Context, fullName, title, body string, labels []string) (*github.Issue, error) {
	if f.createIssueErr != nil {
		return nil, f.createIssueErr
	}
	issue := github.Issue{
		Number:  len(f.createdIssues) + 1,
		Title:   title,
		Body:    body,
		State:   "open",
		HTMLURL: fmt.Sprintf("https://github.com/%s/issues/%d", fullName, len(f.createdIssues)+1),
	}
	f.createdIssues = append(f.createdIssues, issue)
	return &issue, nil
}

func (f *fakeClient) ListOpenIssuesWithLabel(ctx context.Context, fullName, label string) ([]github.Issue, error) {
	if f.listIssuesErr != nil {
		return nil, f.listIssuesErr
	}
	return f.openIssues, nil
}

func (f *fakeClient) ArchiveRepository(ctx context.Context, fullName string) error {
	f.archived = append(f.archived, fullName)
	return nil
}

func (f *fakeClient) CreatePRComment(ctx context.Context, fullName string, number int, body string) (*github.IssueComment, error) {
	f.newComments = append(f.newComments, body)
	return &github.IssueComment{ID: int64(len(f.newComments)), Body: body, HTMLURL: "https://github.com/comment"}, nil
}

func (f *fakeClient) ListPRComments(ctx context.Context, fullName string, number int) ([]github.IssueComment, error) {
	return f.prComments, nil
}

func (f *fakeClient) SetCommitStatus(ctx context.Context, fullName, sha string, status github.CommitStatus) error {
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statuses = append(f.statuses, status)
	return nil
}

type fakeLoader struct {
	cfg *policyconfig.AppConfig
}

func (f *fakeLoader) Load(ctx context.Context) (*policyconfig.AppConfig, error) {
	return f.cfg, nil
}

// seedViolation creates a completed scan holding one violation and
// returns its id.
func seedViolation(t *testing.T, st store.Store, policyKey string) int64 {
	t.Helper()
	scanID, err := st.CreateScan(time.Now())
	require.NoError(t, err)
	repo, err := st.UpsertRepository(101, "acme/svc")
	require.NoError(t, err)
	policyRow, err := st.UpsertPolicy(policyKey, "test policy", `[]`)
	require.NoError(t, err)
	require.NoError(t, st.FinishScan(scanID, []store.Violation{
		{RepositoryID: repo.ID, PolicyID: policyRow.ID},
	}, time.Now()))
	return scanID
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func configWith(policyType string, actionTags []string, details *policyconfig.PolicyConfig) *policyconfig.AppConfig {
	entry := policyconfig.PolicyConfig{
		Name:   "Test Policy",
		Type:   policyType,
		Action: policyconfig.ActionList(actionTags),
	}
	if details != nil {
		entry.IssueDetails = details.IssueDetails
		entry.PRCommentDetails = details.PRCommentDetails
		entry.BlockPRsDetails = details.BlockPRsDetails
	}
	return &policyconfig.AppConfig{
		AccessControl: policyconfig.AccessControl{AuthorizedTeam: "acme/platform"},
		Policies:      []policyconfig.PolicyConfig{entry},
	}
}

func TestProcessActionsCreatesIssue(t *testing.T) {
	st := newTestStore(t)
	scanID := seedViolation(t, st, "has_agents_md")
	client := &fakeClient{}
	e := New(client, &fakeLoader{cfg: configWith("has_agents_md", []string{"create-issue"}, nil)}, st)

	require.NoError(t, e.ProcessActionsForScan(context.Background(), scanID))

	require.Len(t, client.createdIssues, 1)
	assert.Equal(t, "Compliance Violation: has_agents_md", client.createdIssues[0].Title)

	logs, err := st.ListActionLogs(10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ActionCreateIssue, logs[0].ActionType)
	assert.Equal(t, store.ActionSuccess, logs[0].Status)
}

func TestProcessActionsNoViolationsIsNoOp(t *testing.T) {
	st := newTestStore(t)
	scanID, err := st.CreateScan(time.Now())
	require.NoError(t, err)
	require.NoError(t, st.FinishScan(scanID, nil, time.Now()))

	client := &fakeClient{}
	cfg := &policyconfig.AppConfig{
		AccessControl: policyconfig.AccessControl{AuthorizedTeam: "acme/platform"},
		Policies:      []policyconfig.PolicyConfig{},
	}
	e := New(client, &fakeLoader{cfg: cfg}, st)

	require.NoError(t, e.ProcessActionsForScan(context.Background(), scanID))

	assert.Empty(t, client.createdIssues)
	assert.Empty(t, client.archived)
	logs, err := st.ListActionLogs(10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestCreateIssueSkipsDuplicate(t *testing.T) {
	st := newTestStore(t)
	scanID := seedViolation(t, st, "has_agents_md")
	client := &fakeClient{
		openIssues: []github.Issue{{
			Number:  7,
			Title:   "compliance violation: HAS_AGENTS_MD", // matched case-insensitively
			State:   "open",
			HTMLURL: "https://github.com/acme/svc/issues/7",
		}},
	}
	e := New(client, &fakeLoader{cfg: configWith("has_agents_md", []string{"create-issue"}, nil)}, st)

	require.NoError(t, e.ProcessActionsForScan(context.Background(), scanID))

	assert.Empty(t, client.createdIssues)
	logs, err := st.ListActionLogs(10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.ActionSkipped, logs[0].Status)
	assert.Contains(t, logs[0].Details, "issues/7")
}

func TestCreateIssueUsesConfiguredDetails(t *testing.T) {
	st := newTestStore(t)
	scanID := seedViolation(t, st, "has_agents_md")
	client := &fakeClient{}
	cfg := configWith("has_agents_md", []string{"create-issue"}, &policyconfig.PolicyConfig{
		IssueDetails: &policyconfig.IssueDetails{
			Title:  "Add an AGENTS.md",
			Body:   "Please add one.",
			Labels: []string{"custom-label"},
		},
	})
	e := New(client, &fakeLoader{cfg: cfg}, st)

	require.NoError(t, e.ProcessActionsForScan(context.Background(), scanID))

	require.Len(t, client.createdIssues, 1)
	assert.Equal(t, "Add an AGENTS.md", client.createdIssues[0].Title)
	assert.Equal(t, "Please add one.", client.createdIssues[0].Body)
}

func TestProcessActionsArchivesAndLogs(t *testing.T) {
	st := newTestStore(t)
	scanID := seedViolation(t, st, "abandoned_repo")
	client := &fakeClient{}
	e := New(client, &fakeLoader{cfg: configWith("abandoned_repo", []string{"archive-repo", "log-only"}, nil)}, st)

	require.NoError(t, e.ProcessActionsForScan(context.Background(), scanID))

	assert.Equal(t, []string{"acme/svc"}, client.archived)
	logs, err := st.ListActionLogs(10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestProcessActionsFailureDoesNotStopOthers(t *testing.T) {
	st := newTestStore(t)
	scanID := seedViolation(t, st, "has_agents_md")
	client := &fakeClient{listIssuesErr: errors.New("boom")}
	e := New(client, &fakeLoader{cfg: configWith("has_agents_md", []string{"create-issue", "archive-repo"}, nil)}, st)

	require.NoError(t, e.ProcessActionsForScan(context.Background(), scanID))

	// create-issue failed, archive-repo still ran.
	assert.Empty(t, client.createdIssues)
	assert.Equal(t, []string{"acme/svc"}, client.archived)

	logs, err := st.ListActionLogs(10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	statuses := map[store.ActionStatus]bool{}
	for _, entry := range logs {
		statuses[entry.Status] = true
	}
	assert.True(t, statuses[store.ActionFailed])
	assert.True(t, statuses[store.ActionSuccess])
}

func TestProcessActionsSkipsUnknownPolicy(t *testing.T) {
	st := newTestStore(t)
	scanID := seedViolation(t, st, "dropped_policy")
	client := &fakeClient{}
	e := New(client, &fakeLoader{cfg: configWith("has_agents_md", []string{"create-issue"}, nil)}, st)

	require.NoError(t, e.ProcessActionsForScan(context.Background(), scanID))
	assert.Empty(t, client.createdIssues)
}

func TestCommentOnPRDedupByMarker(t *testing.T) {
	st := newTestStore(t)
	client := &fakeClient{
		prComments: []github.IssueComment{{
			ID:   1,
			Body: "An older comment\n\n<!-- orgguard:policy:has_agents_md -->",
		}},
	}
	e := New(client, &fakeLoader{cfg: nil}, st)

	target := PRTarget{RepoFullName: "acme/svc", PRNumber: 5, HeadSHA: "abcdef1234"}
	policyCfg := &policyconfig.PolicyConfig{Name: "Agents", Type: "has_agents_md"}
	violations := []policy.Violation{{PolicyType: "has_agents_md", Message: "missing"}}

	require.NoError(t, e.CommentOnPR(context.Background(), target, policyCfg, 0, violations))
	assert.Empty(t, client.newComments, "marker match must suppress a second comment")
}

func TestCommentOnPRPostsWithMarker(t *testing.T) {
	st := newTestStore(t)
	client := &fakeClient{}
	e := New(client, &fakeLoader{cfg: nil}, st)

	target := PRTarget{RepoFullName: "acme/svc", PRNumber: 5, HeadSHA: "abcdef1234"}
	policyCfg := &policyconfig.PolicyConfig{
		Name: "Agents", Type: "has_agents_md",
		PRCommentDetails: &policyconfig.PRCommentDetails{Message: "Please fix this."},
	}
	violations := []policy.Violation{{PolicyType: "has_agents_md", Message: "missing"}}

	require.NoError(t, e.CommentOnPR(context.Background(), target, policyCfg, 0, violations))
	require.Len(t, client.newComments, 1)
	assert.Contains(t, client.newComments[0], "Please fix this.")
	assert.Contains(t, client.newComments[0], "<!-- orgguard:policy:has_agents_md -->")
}

func TestUpdatePRStatus(t *testing.T) {
	st := newTestStore(t)

	t.Run("failure with violations", func(t *testing.T) {
		client := &fakeClient{}
		e := New(client, &fakeLoader{cfg: nil}, st)
		policyCfg := &policyconfig.PolicyConfig{Name: "Agents", Type: "has_agents_md"}
		violations := []policy.Violation{{PolicyType: "has_agents_md"}}

		target := PRTarget{RepoFullName: "acme/svc", PRNumber: 5, HeadSHA: "abcdef1234"}
		require.NoError(t, e.UpdatePRStatus(context.Background(), target, policyCfg, 0, violations))
		require.Len(t, client.statuses, 1)
		assert.Equal(t, "failure", client.statuses[0].State)
		assert.Equal(t, DefaultStatusCheckName, client.statuses[0].Context)
		assert.Contains(t, client.statuses[0].Description, "has_agents_md")
	})

	t.Run("success without violations", func(t *testing.T) {
		client := &fakeClient{}
		e := New(client, &fakeLoader{cfg: nil}, st)
		policyCfg := &policyconfig.PolicyConfig{
			Name: "Agents", Type: "has_agents_md",
			BlockPRsDetails: &policyconfig.BlockPRsDetails{StatusCheckName: "Custom Check"},
		}

		target := PRTarget{RepoFullName: "acme/svc", PRNumber: 5, HeadSHA: "abcdef1234"}
		require.NoError(t, e.UpdatePRStatus(context.Background(), target, policyCfg, 0, nil))
		require.Len(t, client.statuses, 1)
		assert.Equal(t, "success", client.statuses[0].State)
		assert.Equal(t, "Custom Check", client.statuses[0].Context)
	})
}
