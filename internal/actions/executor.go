// Package actions executes the remediation actions configured for
// policy violations: opening issues, archiving repositories, commenting
// on pull requests, and updating blocking status checks. Every attempt
// is audited in the action log, and every handler converges on repeated
// invocation.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/orgguard/orgguard/internal/metrics"
	"github.com/orgguard/orgguard/internal/policyconfig"
	"github.com/orgguard/orgguard/internal/store"
	"github.com/orgguard/orgguard/pkg/github"
)

// MethodProcessScanActions is the job-queue method name for scan-scoped
// action processing.
const MethodProcessScanActions = "actions.process_scan"

// ScanArgs are the job arguments for MethodProcessScanActions.
type ScanArgs struct {
	ScanID int64 `json:"scanId"`
}

// Action tags, normalized to kebab-case.
const (
	ActionCreateIssue  = "create-issue"
	ActionArchiveRepo  = "archive-repo"
	ActionLogOnly      = "log-only"
	ActionCommentOnPRs = "comment-on-prs"
	ActionBlockPRs     = "block-prs"
)

// DefaultStatusCheckName is the status context used when block-prs has
// no configured name.
const DefaultStatusCheckName = "Policy Compliance Check"

var defaultIssueLabels = []string{"policy-violation", "compliance"}

// ActionClient is the subset of the GitHub client the executor needs.
type ActionClient interface {
	CreateIssue(ctx context.Context, fullName, title, body string, labels []string) (*github.Issue, error)
	ListOpenIssuesWithLabel(ctx context.Context, fullName, label string) ([]github.Issue, error)
	ArchiveRepository(ctx context.Context, fullName string) error
	CreatePRComment(ctx context.Context, fullName string, number int, body string) (*github.IssueComment, error)
	ListPRComments(ctx context.Context, fullName string, number int) ([]github.IssueComment, error)
	SetCommitStatus(ctx context.Context, fullName, sha string, status github.CommitStatus) error
}

// ConfigLoader loads the organization policy document.
type ConfigLoader interface {
	Load(ctx context.Context) (*policyconfig.AppConfig, error)
}

// Executor runs remediation actions for violations.
type Executor struct {
	client ActionClient
	loader ConfigLoader
	store  store.Store
}

// New creates an action executor.
func New(client ActionClient, loader ConfigLoader, st store.Store) *Executor {
	return &Executor{client: client, loader: loader, store: st}
}

// RegisterJobs binds the executor's job methods on the queue.
func (e *Executor) RegisterJobs(register func(method string, fn func(ctx context.Context, args json.RawMessage) error)) {
	register(MethodProcessScanActions, func(ctx context.Context, raw json.RawMessage) error {
		var args ScanArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("decode scan action args: %w", err)
		}
		return e.ProcessActionsForScan(ctx, args.ScanID)
	})
}

// ProcessActionsForScan executes the configured scan-time actions for
// every violation of the scan. One action's failure never stops the
// rest.
func (e *Executor) ProcessActionsForScan(ctx context.Context, scanID int64) error {
	violations, err := e.store.ListViolationsForScan(scanID)
	if err != nil {
		return fmt.Errorf("load violations for scan %d: %w", scanID, err)
	}
	if len(violations) == 0 {
		log.Info().Int64("scan_id", scanID).Msg("No violations; nothing to do")
		return nil
	}

	cfg, err := e.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log.Info().Int64("scan_id", scanID).Int("violations", len(violations)).Msg("Processing scan actions")
	for _, violation := range violations {
		policyCfg := cfg.FindPolicy(violation.PolicyKey)
		if policyCfg == nil {
			log.Warn().
				Str("policy", violation.PolicyKey).
				Str("repo", violation.RepositoryName).
				Msg("Violation references a policy missing from configuration; skipping")
			continue
		}

		for _, tag := range policyCfg.Action {
			e.dispatchScanAction(ctx, tag, violation, policyCfg)
		}
	}
	return nil
}

func (e *Executor) dispatchScanAction(ctx context.Context, tag string, violation store.ViolationDetail, policyCfg *policyconfig.PolicyConfig) {
	switch policyconfig.NormalizeActionName(tag) {
	case ActionCreateIssue:
		e.createIssue(ctx, violation, policyCfg)
	case ActionArchiveRepo:
		e.archiveRepo(ctx, violation, policyCfg)
	case ActionLogOnly:
		e.logOnly(violation)
	case ActionCommentOnPRs, ActionBlockPRs:
		// PR-scoped actions run from the webhook path, not scans.
	default:
		log.Warn().Str("action", tag).Str("policy", violation.PolicyKey).Msg("Unknown action tag; skipping")
	}
}

// createIssue opens a compliance issue unless an open issue with the
// same title and first label already exists.
func (e *Executor) createIssue(ctx context.Context, violation store.ViolationDetail, policyCfg *policyconfig.PolicyConfig) {
	title := fmt.Sprintf("Compliance Violation: %s", violation.PolicyKey)
	body := fmt.Sprintf("This repository violates the %q policy. Please review and remediate.", policyCfg.Name)
	labels := defaultIssueLabels
	if d := policyCfg.IssueDetails; d != nil {
		if d.Title != "" {
			title = d.Title
		}
		if d.Body != "" {
			body = d.Body
		}
		if len(d.Labels) > 0 {
			labels = d.Labels
		}
	}

	existing, err := e.client.ListOpenIssuesWithLabel(ctx, violation.RepositoryName, labels[0])
	if err != nil {
		e.logAction(violation, ActionCreateIssue, store.ActionFailed, fmt.Sprintf("list open issues: %v", err))
		return
	}
	for _, issue := range existing {
		if strings.EqualFold(issue.Title, title) {
			e.logAction(violation, ActionCreateIssue, store.ActionSkipped,
				fmt.Sprintf("duplicate open issue: %s", issue.HTMLURL))
			return
		}
	}

	issue, err := e.client.CreateIssue(ctx, violation.RepositoryName, title, body, labels)
	if err != nil {
		e.logAction(violation, ActionCreateIssue, store.ActionFailed, fmt.Sprintf("create issue: %v", err))
		return
	}
	e.logAction(violation, ActionCreateIssue, store.ActionSuccess,
		fmt.Sprintf("opened issue #%d: %s", issue.Number, issue.HTMLURL))
}

func (e *Executor) archiveRepo(ctx context.Context, violation store.ViolationDetail, policyCfg *policyconfig.PolicyConfig) {
	if err := e.client.ArchiveRepository(ctx, violation.RepositoryName); err != nil {
		e.logAction(violation, ActionArchiveRepo, store.ActionFailed, fmt.Sprintf("archive: %v", err))
		return
	}
	e.logAction(violation, ActionArchiveRepo, store.ActionSuccess,
		fmt.Sprintf("archived for policy %q", policyCfg.Name))
}

func (e *Executor) logOnly(violation store.ViolationDetail) {
	e.logAction(violation, ActionLogOnly, store.ActionSuccess, "violation recorded, no remediation configured")
}

func (e *Executor) logAction(violation store.ViolationDetail, action string, status store.ActionStatus, details string) {
	entry := store.ActionLog{
		RepositoryID: violation.RepositoryID,
		PolicyID:     violation.PolicyID,
		ActionType:   action,
		Status:       status,
		Details:      details,
	}
	if err := e.store.InsertActionLog(entry); err != nil {
		log.Error().Err(err).Str("action", action).Str("repo", violation.RepositoryName).Msg("Failed to write action log")
	}

	metrics.ActionsExecutedTotal.WithLabelValues(action, string(status)).Inc()
	event := log.Info()
	if status == store.ActionFailed {
		event = log.Error()
	}
	event.
		Str("action", action).
		Str("status", string(status)).
		Str("repo", violation.RepositoryName).
		Str("policy", violation.PolicyKey).
		Str("details", details).
		Msg("Action executed")
}
