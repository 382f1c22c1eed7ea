package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/orgguard/orgguard/internal/errors"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestScanLifecycle(t *testing.T) {
	store := newTestStore(t)

	started := time.Now().UTC().Truncate(time.Second)
	id, err := store.CreateScan(started)
	require.NoError(t, err)

	scan, err := store.GetScan(id)
	require.NoError(t, err)
	assert.Equal(t, ScanInProgress, scan.Status)
	assert.Nil(t, scan.CompletedAt)

	require.NoError(t, store.FinishScan(id, nil, time.Now()))
	scan, err = store.GetScan(id)
	require.NoError(t, err)
	assert.Equal(t, ScanCompleted, scan.Status)
	require.NotNil(t, scan.CompletedAt)
}

func TestGetScanNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetScan(999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestFailScanIsTerminal(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateScan(time.Now())
	require.NoError(t, err)
	require.NoError(t, store.FailScan(id, "config fetch failed"))

	scan, err := store.GetScan(id)
	require.NoError(t, err)
	assert.Equal(t, ScanFailed, scan.Status)
	assert.Equal(t, "config fetch failed", scan.Details)

	// Finishing a failed scan must not resurrect it.
	err = store.FinishScan(id, nil, time.Now())
	assert.Error(t, err)
	scan, err = store.GetScan(id)
	require.NoError(t, err)
	assert.Equal(t, ScanFailed, scan.Status)
}

func TestFinishScanPersistsViolationsAtomically(t *testing.T) {
	store := newTestStore(t)

	scanID, err := store.CreateScan(time.Now())
	require.NoError(t, err)
	repo, err := store.UpsertRepository(101, "acme/svc")
	require.NoError(t, err)
	policy, err := store.UpsertPolicy("has_agents_md", "Agents file", `["create-issue"]`)
	require.NoError(t, err)

	violations := []Violation{
		{RepositoryID: repo.ID, PolicyID: policy.ID},
		{RepositoryID: repo.ID, PolicyID: policy.ID}, // duplicate, ignored
	}
	require.NoError(t, store.FinishScan(scanID, violations, time.Now()))

	details, err := store.ListViolationsForScan(scanID)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, "acme/svc", details[0].RepositoryName)
	assert.Equal(t, "has_agents_md", details[0].PolicyKey)
	assert.Equal(t, "Agents file", details[0].PolicyName)
}

func TestUpsertPolicyRefreshes(t *testing.T) {
	store := newTestStore(t)

	first, err := store.UpsertPolicy("has_agents_md", "old description", `["log-only"]`)
	require.NoError(t, err)
	second, err := store.UpsertPolicy("has_agents_md", "new description", `["create-issue"]`)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "upsert must keep the row id stable")
	assert.Equal(t, "new description", second.Description)
	assert.Equal(t, `["create-issue"]`, second.ActionSpec)

	policies, err := store.ListPolicies()
	require.NoError(t, err)
	assert.Len(t, policies, 1)
}

func TestUpsertRepositoryRename(t *testing.T) {
	store := newTestStore(t)

	first, err := store.UpsertRepository(101, "acme/old-name")
	require.NoError(t, err)
	second, err := store.UpsertRepository(101, "acme/new-name")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "acme/new-name", second.Name)

	repos, err := store.ListRepositories()
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "acme/new-name", repos[0].Name)
}

func TestPruneRepositoriesCascades(t *testing.T) {
	store := newTestStore(t)

	kept, err := store.UpsertRepository(101, "acme/kept")
	require.NoError(t, err)
	gone, err := store.UpsertRepository(102, "acme/gone")
	require.NoError(t, err)
	policy, err := store.UpsertPolicy("has_agents_md", "Agents file", `[]`)
	require.NoError(t, err)

	scanID, err := store.CreateScan(time.Now())
	require.NoError(t, err)
	require.NoError(t, store.FinishScan(scanID, []Violation{
		{RepositoryID: kept.ID, PolicyID: policy.ID},
		{RepositoryID: gone.ID, PolicyID: policy.ID},
	}, time.Now()))
	require.NoError(t, store.InsertActionLog(ActionLog{
		RepositoryID: gone.ID, PolicyID: policy.ID, ActionType: "create-issue", Status: ActionSuccess,
	}))

	pruned, err := store.PruneRepositories([]int64{101})
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, err = store.GetRepositoryByPlatformID(102)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	// The pruned repository's violations and action logs cascade away.
	details, err := store.ListViolationsForScan(scanID)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, "acme/kept", details[0].RepositoryName)

	logs, err := store.ListActionLogs(10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestSetRepositoryScanned(t *testing.T) {
	store := newTestStore(t)

	repo, err := store.UpsertRepository(101, "acme/svc")
	require.NoError(t, err)
	assert.Equal(t, "unknown", repo.ComplianceStatus)
	assert.Nil(t, repo.LastScannedAt)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.SetRepositoryScanned(repo.ID, "non_compliant", at))

	repo, err = store.GetRepositoryByPlatformID(101)
	require.NoError(t, err)
	assert.Equal(t, "non_compliant", repo.ComplianceStatus)
	require.NotNil(t, repo.LastScannedAt)
}

func TestActionLogRoundTrip(t *testing.T) {
	store := newTestStore(t)

	repo, err := store.UpsertRepository(101, "acme/svc")
	require.NoError(t, err)
	policy, err := store.UpsertPolicy("has_agents_md", "Agents file", `[]`)
	require.NoError(t, err)

	require.NoError(t, store.InsertActionLog(ActionLog{
		RepositoryID: repo.ID,
		PolicyID:     policy.ID,
		ActionType:   "create-issue",
		Status:       ActionSkipped,
		Details:      "duplicate open issue",
	}))

	logs, err := store.ListActionLogs(10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "create-issue", logs[0].ActionType)
	assert.Equal(t, ActionSkipped, logs[0].Status)
	assert.False(t, logs[0].Timestamp.IsZero())
}
