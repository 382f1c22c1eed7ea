package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/orgguard/orgguard/internal/metrics"
	"github.com/orgguard/orgguard/internal/policy"
	"github.com/orgguard/orgguard/internal/policyconfig"
	"github.com/orgguard/orgguard/internal/store"
	"github.com/orgguard/orgguard/pkg/github"
)

// commentMarker returns the invisible signature appended to PR comments
// so re-deliveries and synchronize events do not stack duplicates.
func commentMarker(policyKey string) string {
	return fmt.Sprintf("<!-- orgguard:policy:%s -->", strings.ToLower(policyKey))
}

// PRTarget identifies the pull request the PR-scoped handlers act on.
type PRTarget struct {
	RepoFullName string
	RepoID       int64 // store surrogate id, 0 when the repo is not yet tracked
	PRNumber     int
	HeadSHA      string
}

// CommentOnPR posts the configured violation comment on the pull
// request. Only called when the policy has violations. A comment
// carrying the same policy marker already on the PR makes this a
// no-op.
func (e *Executor) CommentOnPR(ctx context.Context, target PRTarget, policyCfg *policyconfig.PolicyConfig, policyID int64, violations []policy.Violation) error {
	if len(violations) == 0 {
		return nil
	}

	message := fmt.Sprintf("This pull request's repository violates the %q policy. Please remediate before merging.", policyCfg.Name)
	if d := policyCfg.PRCommentDetails; d != nil && d.Message != "" {
		message = d.Message
	}
	marker := commentMarker(policyCfg.Type)

	existing, err := e.client.ListPRComments(ctx, target.RepoFullName, target.PRNumber)
	if err != nil {
		e.logPRAction(target, policyID, ActionCommentOnPRs, store.ActionFailed, fmt.Sprintf("list comments: %v", err))
		return fmt.Errorf("list PR comments: %w", err)
	}
	for _, comment := range existing {
		if strings.Contains(comment.Body, marker) {
			e.logPRAction(target, policyID, ActionCommentOnPRs, store.ActionSkipped,
				fmt.Sprintf("comment already present: %s", comment.HTMLURL))
			return nil
		}
	}

	body := message + "\n\n" + marker
	comment, err := e.client.CreatePRComment(ctx, target.RepoFullName, target.PRNumber, body)
	if err != nil {
		e.logPRAction(target, policyID, ActionCommentOnPRs, store.ActionFailed, fmt.Sprintf("create comment: %v", err))
		return fmt.Errorf("create PR comment: %w", err)
	}
	e.logPRAction(target, policyID, ActionCommentOnPRs, store.ActionSuccess,
		fmt.Sprintf("commented on PR #%d: %s", target.PRNumber, comment.HTMLURL))
	return nil
}

// UpdatePRStatus sets the blocking status check on the PR's head
// commit. Always invoked for block-prs so a previously failing check
// flips to success once the repository is fixed.
func (e *Executor) UpdatePRStatus(ctx context.Context, target PRTarget, policyCfg *policyconfig.PolicyConfig, policyID int64, violations []policy.Violation) error {
	checkName := DefaultStatusCheckName
	if d := policyCfg.BlockPRsDetails; d != nil && d.StatusCheckName != "" {
		checkName = d.StatusCheckName
	}

	status := github.CommitStatus{
		State:       "success",
		Context:     checkName,
		Description: "All policies satisfied",
	}
	if len(violations) > 0 {
		tags := make([]string, len(violations))
		for i, v := range violations {
			tags[i] = v.PolicyType
		}
		status.State = "failure"
		status.Description = fmt.Sprintf("Policy violations: %s", strings.Join(tags, ", "))
	}

	if err := e.client.SetCommitStatus(ctx, target.RepoFullName, target.HeadSHA, status); err != nil {
		e.logPRAction(target, policyID, ActionBlockPRs, store.ActionFailed, fmt.Sprintf("set status: %v", err))
		return fmt.Errorf("set commit status: %w", err)
	}
	e.logPRAction(target, policyID, ActionBlockPRs, store.ActionSuccess,
		fmt.Sprintf("status %q set to %s on %s", checkName, status.State, shortSHA(target.HeadSHA)))
	return nil
}

func (e *Executor) logPRAction(target PRTarget, policyID int64, action string, status store.ActionStatus, details string) {
	if target.RepoID != 0 {
		entry := store.ActionLog{
			RepositoryID: target.RepoID,
			PolicyID:     policyID,
			ActionType:   action,
			Status:       status,
			Details:      details,
		}
		if err := e.store.InsertActionLog(entry); err != nil {
			log.Error().Err(err).Str("action", action).Str("repo", target.RepoFullName).Msg("Failed to write action log")
		}
	}

	metrics.ActionsExecutedTotal.WithLabelValues(action, string(status)).Inc()
	event := log.Info()
	if status == store.ActionFailed {
		event = log.Error()
	}
	event.
		Str("action", action).
		Str("status", string(status)).
		Str("repo", target.RepoFullName).
		Int("pr", target.PRNumber).
		Str("details", details).
		Msg("PR action executed")
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
