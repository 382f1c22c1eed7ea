package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/orgguard/orgguard/internal/actions"
	"github.com/orgguard/orgguard/internal/policy"
	"github.com/orgguard/orgguard/internal/policyconfig"
	"github.com/orgguard/orgguard/internal/store"
	"github.com/orgguard/orgguard/pkg/github"
)

// MethodHandlePREvent is the job-queue method name for PR re-evaluation.
const MethodHandlePREvent = "webhook.handle_pr"

// PREventArgs are the job arguments for MethodHandlePREvent.
type PREventArgs struct {
	Action     string          `json:"action"`
	DeliveryID string          `json:"deliveryId"`
	Payload    json.RawMessage `json:"payload"`
}

// RepoFetcher is the subset of the GitHub client the processor needs.
type RepoFetcher interface {
	GetRepositoryByID(ctx context.Context, id int64) (*github.Repository, error)
}

// ConfigLoader loads the organization policy document.
type ConfigLoader interface {
	Load(ctx context.Context) (*policyconfig.AppConfig, error)
}

// Processor re-evaluates a repository when one of its pull requests
// changes, and keeps the PR's comments and status checks consistent
// with the current repository state.
type Processor struct {
	client   RepoFetcher
	loader   ConfigLoader
	registry *policy.Registry
	executor *actions.Executor
	store    store.Store
}

// NewProcessor creates the background PR event processor.
func NewProcessor(client RepoFetcher, loader ConfigLoader, registry *policy.Registry, executor *actions.Executor, st store.Store) *Processor {
	return &Processor{
		client:   client,
		loader:   loader,
		registry: registry,
		executor: executor,
		store:    st,
	}
}

// RegisterJobs binds the processor's job methods on the queue.
func (p *Processor) RegisterJobs(register func(method string, fn func(ctx context.Context, args json.RawMessage) error)) {
	register(MethodHandlePREvent, func(ctx context.Context, raw json.RawMessage) error {
		var args PREventArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("decode PR event args: %w", err)
		}
		return p.HandlePREvent(ctx, args)
	})
}

// prPayload is the slice of the pull_request event payload we need.
type prPayload struct {
	Repository struct {
		ID int64 `json:"id"`
	} `json:"repository"`
	PullRequest struct {
		Number int `json:"number"`
		Head   struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
}

// HandlePREvent re-evaluates the repository behind a pull-request event
// and applies the PR-scoped actions. Evaluation runs on every PR action
// so a fixed repository flips its status check back to success.
func (p *Processor) HandlePREvent(ctx context.Context, args PREventArgs) error {
	logger := log.With().Str("delivery_id", args.DeliveryID).Str("pr_action", args.Action).Logger()

	var payload prPayload
	if err := json.Unmarshal(args.Payload, &payload); err != nil {
		logger.Warn().Err(err).Msg("Malformed pull_request payload; dropping")
		return nil
	}
	if payload.Repository.ID == 0 || payload.PullRequest.Number == 0 || payload.PullRequest.Head.SHA == "" {
		logger.Warn().Msg("pull_request payload missing repository id, PR number, or head SHA; dropping")
		return nil
	}

	repo, err := p.client.GetRepositoryByID(ctx, payload.Repository.ID)
	if err != nil {
		return fmt.Errorf("fetch repository %d: %w", payload.Repository.ID, err)
	}

	cfg, err := p.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	violations, err := p.registry.EvaluateRepo(ctx, cfg, *repo)
	if err != nil {
		return fmt.Errorf("evaluate %q: %w", repo.FullName, err)
	}

	byPolicy := make(map[string][]policy.Violation)
	for _, v := range violations {
		key := strings.ToLower(v.PolicyType)
		byPolicy[key] = append(byPolicy[key], v)
	}

	target := actions.PRTarget{
		RepoFullName: repo.FullName,
		PRNumber:     payload.PullRequest.Number,
		HeadSHA:      payload.PullRequest.Head.SHA,
	}
	policyIDs := p.policyIDsByKey()
	if row, err := p.store.UpsertRepository(repo.ID, repo.FullName); err == nil {
		target.RepoID = row.ID
	} else {
		logger.Warn().Err(err).Msg("Failed to resolve repository row; action log entries will be skipped")
	}

	logger.Info().
		Str("repo", repo.FullName).
		Int("pr", target.PRNumber).
		Int("violations", len(violations)).
		Msg("Re-evaluated repository for PR event")

	// One action's failure never stops the remaining actions.
	for i := range cfg.Policies {
		policyCfg := &cfg.Policies[i]
		key := strings.ToLower(strings.TrimSpace(policyCfg.Type))
		policyViolations := byPolicy[key]

		for _, tag := range policyCfg.Action {
			switch policyconfig.NormalizeActionName(tag) {
			case actions.ActionCommentOnPRs:
				if len(policyViolations) == 0 {
					continue
				}
				if err := p.executor.CommentOnPR(ctx, target, policyCfg, policyIDs[key], policyViolations); err != nil {
					logger.Error().Err(err).Str("policy", key).Msg("PR comment action failed")
				}
			case actions.ActionBlockPRs:
				// Always runs so a previously failing check can recover.
				if err := p.executor.UpdatePRStatus(ctx, target, policyCfg, policyIDs[key], policyViolations); err != nil {
					logger.Error().Err(err).Str("policy", key).Msg("PR status action failed")
				}
			default:
				// Scan-time action; nothing to do on the PR path.
			}
		}
	}
	return nil
}

func (p *Processor) policyIDsByKey() map[string]int64 {
	ids := make(map[string]int64)
	policies, err := p.store.ListPolicies()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list policies for action logging")
		return ids
	}
	for _, row := range policies {
		ids[strings.ToLower(row.Key)] = row.ID
	}
	return ids
}
