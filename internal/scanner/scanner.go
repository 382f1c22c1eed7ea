// Package scanner drives the end-to-end organization scan: it loads the
// policy document, reconciles repositories into the store, evaluates
// every repository, persists the violations, and hands action
// processing to the job queue.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/orgguard/orgguard/internal/actions"
	"github.com/orgguard/orgguard/internal/metrics"
	"github.com/orgguard/orgguard/internal/policy"
	"github.com/orgguard/orgguard/internal/policyconfig"
	"github.com/orgguard/orgguard/internal/store"
	"github.com/orgguard/orgguard/pkg/github"
)

// MethodPerformScan is the job-queue method name for a full scan.
const MethodPerformScan = "scanner.perform_scan"

// evalFanOut caps concurrent repository evaluations within one scan.
const evalFanOut = 4

// ComplianceCompliant and ComplianceNonCompliant are the repository
// compliance states recorded after evaluation.
const (
	ComplianceCompliant    = "compliant"
	ComplianceNonCompliant = "non_compliant"
)

// RepoLister is the subset of the GitHub client the scanner needs.
type RepoLister interface {
	ListOrgRepos(ctx context.Context) ([]github.Repository, error)
}

// ConfigLoader loads the organization policy document.
type ConfigLoader interface {
	Load(ctx context.Context) (*policyconfig.AppConfig, error)
}

// Enqueuer schedules follow-up background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, method string, args any) (string, error)
}

// Scanner performs full organization scans.
type Scanner struct {
	client   RepoLister
	loader   ConfigLoader
	registry *policy.Registry
	store    store.Store
	queue    Enqueuer

	now func() time.Time
}

// New creates a scan orchestrator.
func New(client RepoLister, loader ConfigLoader, registry *policy.Registry, st store.Store, queue Enqueuer) *Scanner {
	return &Scanner{
		client:   client,
		loader:   loader,
		registry: registry,
		store:    st,
		queue:    queue,
		now:      time.Now,
	}
}

// RegisterJobs binds the scanner's job methods on the queue.
func (s *Scanner) RegisterJobs(register func(method string, fn func(ctx context.Context, args json.RawMessage) error)) {
	register(MethodPerformScan, func(ctx context.Context, _ json.RawMessage) error {
		return s.PerformScan(ctx)
	})
}

// PerformScan runs one organization-wide scan. Any failure marks the
// scan failed and preserves the partial repository and policy state;
// those writes are idempotent across runs.
func (s *Scanner) PerformScan(ctx context.Context) error {
	started := s.now()
	scanID, err := s.store.CreateScan(started)
	if err != nil {
		return fmt.Errorf("create scan: %w", err)
	}
	logger := log.With().Int64("scan_id", scanID).Logger()
	logger.Info().Msg("Scan started")

	if err := s.run(ctx, scanID, logger); err != nil {
		logger.Error().Err(err).Msg("Scan failed")
		if failErr := s.store.FailScan(scanID, err.Error()); failErr != nil {
			logger.Error().Err(failErr).Msg("Failed to mark scan as failed")
		}
		metrics.ScansTotal.WithLabelValues("failed").Inc()
		return err
	}

	metrics.ScansTotal.WithLabelValues("completed").Inc()
	metrics.ScanDurationSeconds.Observe(s.now().Sub(started).Seconds())
	logger.Info().Dur("duration", s.now().Sub(started)).Msg("Scan completed")

	if _, err := s.queue.Enqueue(ctx, actions.MethodProcessScanActions, actions.ScanArgs{ScanID: scanID}); err != nil {
		// The scan itself is committed; the recurring slot will catch up.
		logger.Error().Err(err).Msg("Failed to enqueue action processing")
	}
	return nil
}

func (s *Scanner) run(ctx context.Context, scanID int64, logger zerolog.Logger) error {
	cfg, err := s.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	repos, err := s.client.ListOrgRepos(ctx)
	if err != nil {
		return fmt.Errorf("list organization repositories: %w", err)
	}
	logger.Info().Int("repos", len(repos)).Int("policies", len(cfg.Policies)).Msg("Enumerated organization")

	policies, err := s.syncPolicies(cfg)
	if err != nil {
		return err
	}

	stored, err := s.syncRepositories(repos)
	if err != nil {
		return err
	}

	violations, err := s.evaluateAll(ctx, cfg, repos, stored, policies)
	if err != nil {
		return err
	}

	if err := s.store.FinishScan(scanID, violations, s.now()); err != nil {
		return fmt.Errorf("finish scan: %w", err)
	}
	logger.Info().Int("violations", len(violations)).Msg("Violations persisted")
	return nil
}

// syncPolicies mirrors the configured policies into the store and
// returns them keyed by policy key.
func (s *Scanner) syncPolicies(cfg *policyconfig.AppConfig) (map[string]*store.Policy, error) {
	policies := make(map[string]*store.Policy, len(cfg.Policies))
	for i := range cfg.Policies {
		policyCfg := &cfg.Policies[i]
		key := strings.ToLower(strings.TrimSpace(policyCfg.Type))

		// Canonical JSON array of action tags, for the audit trail.
		actionSpec, err := json.Marshal([]string(policyCfg.Action))
		if err != nil {
			return nil, fmt.Errorf("encode action spec for %q: %w", key, err)
		}

		row, err := s.store.UpsertPolicy(key, policyCfg.Name, string(actionSpec))
		if err != nil {
			return nil, fmt.Errorf("sync policy %q: %w", key, err)
		}
		policies[key] = row
	}
	return policies, nil
}

// syncRepositories reconciles the live repository list into the store:
// unknown repositories are inserted, renames are applied, and
// repositories no longer on GitHub are pruned with their violations.
func (s *Scanner) syncRepositories(repos []github.Repository) (map[int64]*store.Repository, error) {
	stored := make(map[int64]*store.Repository, len(repos))
	liveIDs := make([]int64, 0, len(repos))
	for _, repo := range repos {
		row, err := s.store.UpsertRepository(repo.ID, repo.FullName)
		if err != nil {
			return nil, fmt.Errorf("sync repository %q: %w", repo.FullName, err)
		}
		stored[repo.ID] = row
		liveIDs = append(liveIDs, repo.ID)
	}

	pruned, err := s.store.PruneRepositories(liveIDs)
	if err != nil {
		return nil, fmt.Errorf("prune repositories: %w", err)
	}
	if pruned > 0 {
		log.Info().Int64("pruned", pruned).Msg("Removed repositories no longer on GitHub")
	}
	return stored, nil
}

// evaluateAll dispatches every repository through the evaluator
// registry with a bounded fan-out.
func (s *Scanner) evaluateAll(
	ctx context.Context,
	cfg *policyconfig.AppConfig,
	repos []github.Repository,
	stored map[int64]*store.Repository,
	policies map[string]*store.Policy,
) ([]store.Violation, error) {
	type repoResult struct {
		repoID     int64
		violations []policy.Violation
	}

	results := make([]repoResult, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(evalFanOut)

	for i, repo := range repos {
		g.Go(func() error {
			found, err := s.registry.EvaluateRepo(gctx, cfg, repo)
			if err != nil {
				return fmt.Errorf("evaluate %q: %w", repo.FullName, err)
			}
			results[i] = repoResult{repoID: stored[repo.ID].ID, violations: found}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scannedAt := s.now()
	var violations []store.Violation
	for _, result := range results {
		status := ComplianceCompliant
		for _, v := range result.violations {
			key := strings.ToLower(v.PolicyType)
			row, ok := policies[key]
			if !ok {
				// Evaluator fired for a policy the config no longer
				// carries; nothing to attach the finding to.
				log.Warn().Str("policy", key).Msg("Violation produced for unsynced policy; dropping")
				continue
			}
			violations = append(violations, store.Violation{
				RepositoryID: result.repoID,
				PolicyID:     row.ID,
			})
			metrics.ViolationsFoundTotal.WithLabelValues(key).Inc()
			status = ComplianceNonCompliant
		}
		if err := s.store.SetRepositoryScanned(result.repoID, status, scannedAt); err != nil {
			return nil, fmt.Errorf("record repository scan state: %w", err)
		}
	}
	return violations, nil
}
