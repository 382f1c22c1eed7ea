// Package store persists scans, repositories, policies, violations,
// and action logs in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/orgguard/orgguard/internal/errors"
)

// ScanStatus is the lifecycle state of a scan.
type ScanStatus string

const (
	ScanInProgress ScanStatus = "in_progress"
	ScanCompleted  ScanStatus = "completed"
	ScanFailed     ScanStatus = "failed"
)

// ActionStatus is the outcome of one action attempt.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "success"
	ActionFailed  ActionStatus = "failed"
	ActionSkipped ActionStatus = "skipped"
)

// Scan is one organization-wide evaluation run.
type Scan struct {
	ID          int64
	Status      ScanStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Details     string
}

// Repository is the local projection of a GitHub repository.
type Repository struct {
	ID               int64
	PlatformRepoID   int64
	Name             string // full "owner/name"
	ComplianceStatus string
	LastScannedAt    *time.Time
}

// Policy mirrors one configured policy entry.
type Policy struct {
	ID          int64
	Key         string
	Description string
	ActionSpec  string // canonical JSON array of action tags
}

// Violation is a finding for (scan, repository, policy).
type Violation struct {
	ID           int64
	ScanID       int64
	RepositoryID int64
	PolicyID     int64
}

// ViolationDetail is a violation joined with its repository and policy.
type ViolationDetail struct {
	ViolationID    int64
	ScanID         int64
	RepositoryID   int64
	PlatformRepoID int64
	RepositoryName string
	PolicyID       int64
	PolicyKey      string
	PolicyName     string
}

// ActionLog is an audit row for one action attempt.
type ActionLog struct {
	ID           int64
	RepositoryID int64
	PolicyID     int64
	ActionType   string
	Status       ActionStatus
	Timestamp    time.Time
	Details      string
}

const storeDBFileName = "orgguard.db"

// Store is the persistence surface the rest of the system uses.
type Store interface {
	CreateScan(startedAt time.Time) (int64, error)
	GetScan(id int64) (*Scan, error)
	FailScan(id int64, details string) error
	FinishScan(id int64, violations []Violation, completedAt time.Time) error

	UpsertPolicy(key, description, actionSpec string) (*Policy, error)
	ListPolicies() ([]Policy, error)

	UpsertRepository(platformRepoID int64, name string) (*Repository, error)
	PruneRepositories(livePlatformIDs []int64) (int64, error)
	SetRepositoryScanned(id int64, complianceStatus string, at time.Time) error
	GetRepositoryByPlatformID(platformRepoID int64) (*Repository, error)
	ListRepositories() ([]Repository, error)

	ListViolationsForScan(scanID int64) ([]ViolationDetail, error)

	InsertActionLog(entry ActionLog) error
	ListActionLogs(limit int) ([]ActionLog, error)

	Close() error
}

// SQLiteStore stores everything in a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// NewSQLiteStore opens or creates the store under dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	path := filepath.Join(dataDir, storeDBFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{db: db, dbPath: path}
	if err := store.initSchema(); err != nil {
		wrappedInitErr := fmt.Errorf("initialize store schema for %q: %w", path, err)
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(
				wrappedInitErr,
				fmt.Errorf("close store db %q after init failure: %w", path, closeErr),
			)
		}
		return nil, wrappedInitErr
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scans (
		scan_id INTEGER PRIMARY KEY AUTOINCREMENT,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		details TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS repositories (
		repository_id INTEGER PRIMARY KEY AUTOINCREMENT,
		platform_repository_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		compliance_status TEXT NOT NULL DEFAULT 'unknown',
		last_scanned_at DATETIME
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_repositories_platform_id ON repositories(platform_repository_id);

	CREATE TABLE IF NOT EXISTS policies (
		policy_id INTEGER PRIMARY KEY AUTOINCREMENT,
		policy_key TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		action_spec TEXT NOT NULL DEFAULT '[]'
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_policies_key ON policies(policy_key);

	CREATE TABLE IF NOT EXISTS policy_violations (
		violation_id INTEGER PRIMARY KEY AUTOINCREMENT,
		scan_id INTEGER NOT NULL REFERENCES scans(scan_id) ON DELETE CASCADE,
		repository_id INTEGER NOT NULL REFERENCES repositories(repository_id) ON DELETE CASCADE,
		policy_id INTEGER NOT NULL REFERENCES policies(policy_id) ON DELETE CASCADE
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_violations_scan_repo_policy ON policy_violations(scan_id, repository_id, policy_id);
	CREATE INDEX IF NOT EXISTS idx_violations_repository ON policy_violations(repository_id);

	CREATE TABLE IF NOT EXISTS action_logs (
		action_log_id INTEGER PRIMARY KEY AUTOINCREMENT,
		repository_id INTEGER NOT NULL REFERENCES repositories(repository_id) ON DELETE CASCADE,
		policy_id INTEGER NOT NULL,
		action_type TEXT NOT NULL,
		status TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		details TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_action_logs_repository ON action_logs(repository_id);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return nil
}

// CreateScan inserts a new in-progress scan.
func (s *SQLiteStore) CreateScan(startedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`INSERT INTO scans (status, started_at) VALUES (?, ?)`,
		string(ScanInProgress), startedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert scan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("scan insert id: %w", err)
	}
	return id, nil
}

// GetScan loads one scan by id.
func (s *SQLiteStore) GetScan(id int64) (*Scan, error) {
	var scan Scan
	var status string
	var completedAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT scan_id, status, started_at, completed_at, details FROM scans WHERE scan_id = ?`, id,
	).Scan(&scan.ID, &status, &scan.StartedAt, &completedAt, &scan.Details)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scan %d: %w", id, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("query scan %d: %w", id, err)
	}
	scan.Status = ScanStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		scan.CompletedAt = &t
	}
	return &scan, nil
}

// FailScan moves a scan to the failed state. Terminal.
func (s *SQLiteStore) FailScan(id int64, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE scans SET status = ?, completed_at = ?, details = ? WHERE scan_id = ? AND status = ?`,
		string(ScanFailed), time.Now().UTC(), details, id, string(ScanInProgress))
	if err != nil {
		return fmt.Errorf("fail scan %d: %w", id, err)
	}
	return nil
}

// FinishScan persists the scan's violations and marks it completed in
// one transaction, so a completed scan always has all its violations
// visible.
func (s *SQLiteStore) FinishScan(id int64, violations []Violation, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin finish scan %d: %w", id, err)
	}
	defer tx.Rollback()

	for _, v := range violations {
		res, err := tx.Exec(
			`INSERT OR IGNORE INTO policy_violations (scan_id, repository_id, policy_id) VALUES (?, ?, ?)`,
			id, v.RepositoryID, v.PolicyID)
		if err != nil {
			return fmt.Errorf("insert violation (scan=%d repo=%d policy=%d): %w", id, v.RepositoryID, v.PolicyID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Concurrent scan already recorded this finding.
			continue
		}
	}

	res, err := tx.Exec(
		`UPDATE scans SET status = ?, completed_at = ? WHERE scan_id = ? AND status = ?`,
		string(ScanCompleted), completedAt.UTC(), id, string(ScanInProgress))
	if err != nil {
		return fmt.Errorf("complete scan %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete scan %d: scan is not in progress", id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish scan %d: %w", id, err)
	}
	return nil
}

// UpsertPolicy inserts or refreshes a policy row keyed by policy_key.
func (s *SQLiteStore) UpsertPolicy(key, description, actionSpec string) (*Policy, error) {
	if key == "" {
		return nil, fmt.Errorf("policy key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO policies (policy_key, description, action_spec)
		VALUES (?, ?, ?)
		ON CONFLICT(policy_key) DO UPDATE SET
			description=excluded.description,
			action_spec=excluded.action_spec
	`, key, description, actionSpec)
	if err != nil {
		return nil, fmt.Errorf("upsert policy %q: %w", key, err)
	}

	var p Policy
	err = s.db.QueryRow(
		`SELECT policy_id, policy_key, description, action_spec FROM policies WHERE policy_key = ?`, key,
	).Scan(&p.ID, &p.Key, &p.Description, &p.ActionSpec)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", key, err)
	}
	return &p, nil
}

// ListPolicies returns every policy row.
func (s *SQLiteStore) ListPolicies() (policies []Policy, err error) {
	rows, err := s.db.Query(`SELECT policy_id, policy_key, description, action_spec FROM policies ORDER BY policy_id`)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer closeRows(rows, "policies", &err)

	for rows.Next() {
		var p Policy
		if scanErr := rows.Scan(&p.ID, &p.Key, &p.Description, &p.ActionSpec); scanErr != nil {
			return nil, fmt.Errorf("scan policy row: %w", scanErr)
		}
		policies = append(policies, p)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate policy rows: %w", rowsErr)
	}
	return policies, nil
}

// UpsertRepository inserts the repository on first sighting and renames
// it when GitHub reports a new full name for the same platform id.
func (s *SQLiteStore) UpsertRepository(platformRepoID int64, name string) (*Repository, error) {
	if name == "" {
		return nil, fmt.Errorf("repository name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO repositories (platform_repository_id, name)
		VALUES (?, ?)
		ON CONFLICT(platform_repository_id) DO UPDATE SET
			name=excluded.name
	`, platformRepoID, name)
	if err != nil {
		return nil, fmt.Errorf("upsert repository %q: %w", name, err)
	}
	return s.getRepositoryByPlatformIDLocked(platformRepoID)
}

// PruneRepositories deletes every stored repository whose platform id
// is absent from the live set. Violations and action logs cascade.
func (s *SQLiteStore) PruneRepositories(livePlatformIDs []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[int64]bool, len(livePlatformIDs))
	for _, id := range livePlatformIDs {
		live[id] = true
	}

	rows, err := s.db.Query(`SELECT repository_id, platform_repository_id FROM repositories`)
	if err != nil {
		return 0, fmt.Errorf("query repositories for prune: %w", err)
	}
	var stale []int64
	for rows.Next() {
		var id, platformID int64
		if scanErr := rows.Scan(&id, &platformID); scanErr != nil {
			rows.Close()
			return 0, fmt.Errorf("scan repository row: %w", scanErr)
		}
		if !live[platformID] {
			stale = append(stale, id)
		}
	}
	if closeErr := rows.Close(); closeErr != nil {
		return 0, fmt.Errorf("close repository rows: %w", closeErr)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return 0, fmt.Errorf("iterate repository rows: %w", rowsErr)
	}

	var pruned int64
	for _, id := range stale {
		if _, err := s.db.Exec(`DELETE FROM repositories WHERE repository_id = ?`, id); err != nil {
			return pruned, fmt.Errorf("delete repository %d: %w", id, err)
		}
		pruned++
	}
	return pruned, nil
}

// SetRepositoryScanned records the scan outcome on the repository row.
func (s *SQLiteStore) SetRepositoryScanned(id int64, complianceStatus string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE repositories SET compliance_status = ?, last_scanned_at = ? WHERE repository_id = ?`,
		complianceStatus, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update repository %d scan state: %w", id, err)
	}
	return nil
}

// GetRepositoryByPlatformID loads a repository by its stable GitHub id.
func (s *SQLiteStore) GetRepositoryByPlatformID(platformRepoID int64) (*Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRepositoryByPlatformIDLocked(platformRepoID)
}

func (s *SQLiteStore) getRepositoryByPlatformIDLocked(platformRepoID int64) (*Repository, error) {
	var repo Repository
	var lastScanned sql.NullTime
	err := s.db.QueryRow(
		`SELECT repository_id, platform_repository_id, name, compliance_status, last_scanned_at
		 FROM repositories WHERE platform_repository_id = ?`, platformRepoID,
	).Scan(&repo.ID, &repo.PlatformRepoID, &repo.Name, &repo.ComplianceStatus, &lastScanned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("repository platform id %d: %w", platformRepoID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("query repository platform id %d: %w", platformRepoID, err)
	}
	if lastScanned.Valid {
		t := lastScanned.Time
		repo.LastScannedAt = &t
	}
	return &repo, nil
}

// ListRepositories returns every stored repository.
func (s *SQLiteStore) ListRepositories() (repos []Repository, err error) {
	rows, err := s.db.Query(
		`SELECT repository_id, platform_repository_id, name, compliance_status, last_scanned_at
		 FROM repositories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query repositories: %w", err)
	}
	defer closeRows(rows, "repositories", &err)

	for rows.Next() {
		var repo Repository
		var lastScanned sql.NullTime
		if scanErr := rows.Scan(&repo.ID, &repo.PlatformRepoID, &repo.Name, &repo.ComplianceStatus, &lastScanned); scanErr != nil {
			return nil, fmt.Errorf("scan repository row: %w", scanErr)
		}
		if lastScanned.Valid {
			t := lastScanned.Time
			repo.LastScannedAt = &t
		}
		repos = append(repos, repo)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate repository rows: %w", rowsErr)
	}
	return repos, nil
}

// ListViolationsForScan returns the scan's violations joined with their
// repositories and policies.
func (s *SQLiteStore) ListViolationsForScan(scanID int64) (details []ViolationDetail, err error) {
	rows, err := s.db.Query(`
		SELECT v.violation_id, v.scan_id, v.repository_id, r.platform_repository_id, r.name,
		       v.policy_id, p.policy_key, p.description
		FROM policy_violations v
		JOIN repositories r ON r.repository_id = v.repository_id
		JOIN policies p ON p.policy_id = v.policy_id
		WHERE v.scan_id = ?
		ORDER BY r.name, p.policy_key
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("query violations for scan %d: %w", scanID, err)
	}
	defer closeRows(rows, "violations", &err)

	for rows.Next() {
		var d ViolationDetail
		if scanErr := rows.Scan(&d.ViolationID, &d.ScanID, &d.RepositoryID, &d.PlatformRepoID,
			&d.RepositoryName, &d.PolicyID, &d.PolicyKey, &d.PolicyName); scanErr != nil {
			return nil, fmt.Errorf("scan violation row: %w", scanErr)
		}
		details = append(details, d)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate violation rows: %w", rowsErr)
	}
	return details, nil
}

// InsertActionLog appends an audit row for one action attempt.
func (s *SQLiteStore) InsertActionLog(entry ActionLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO action_logs (repository_id, policy_id, action_type, status, timestamp, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.RepositoryID, entry.PolicyID, entry.ActionType, string(entry.Status), entry.Timestamp.UTC(), entry.Details)
	if err != nil {
		return fmt.Errorf("insert action log (repo=%d action=%s): %w", entry.RepositoryID, entry.ActionType, err)
	}
	return nil
}

// ListActionLogs returns the most recent action log rows.
func (s *SQLiteStore) ListActionLogs(limit int) (logs []ActionLog, err error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT action_log_id, repository_id, policy_id, action_type, status, timestamp, details
		FROM action_logs ORDER BY action_log_id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query action logs: %w", err)
	}
	defer closeRows(rows, "action logs", &err)

	for rows.Next() {
		var entry ActionLog
		var status string
		if scanErr := rows.Scan(&entry.ID, &entry.RepositoryID, &entry.PolicyID, &entry.ActionType,
			&status, &entry.Timestamp, &entry.Details); scanErr != nil {
			return nil, fmt.Errorf("scan action log row: %w", scanErr)
		}
		entry.Status = ActionStatus(status)
		logs = append(logs, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate action log rows: %w", rowsErr)
	}
	return logs, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("close store db %q: %w", s.dbPath, err)
		}
	}
	return nil
}

// DB exposes the underlying handle for components sharing the database
// file, such as the job queue.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func closeRows(rows *sql.Rows, what string, err *error) {
	if closeErr := rows.Close(); closeErr != nil {
		wrapped := fmt.Errorf("close %s rows: %w", what, closeErr)
		if *err != nil {
			*err = errors.Join(*err, wrapped)
			return
		}
		*err = wrapped
	}
}

var _ Store = (*SQLiteStore)(nil)
