// Package policy holds the policy evaluators and the registry that
// dispatches repositories across them.
package policy

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/orgguard/orgguard/internal/policyconfig"
	"github.com/orgguard/orgguard/pkg/github"
)

// Violation is a single policy finding against one repository.
type Violation struct {
	PolicyType string
	Message    string
}

// RepoInspector is the subset of the GitHub client evaluators need.
type RepoInspector interface {
	FileExists(ctx context.Context, fullName, path string) (bool, error)
	GetFileContent(ctx context.Context, fullName, path string) (*github.FileContent, error)
	GetWorkflowPermissions(ctx context.Context, fullName string) (*github.WorkflowPermissions, error)
}

// Evaluator checks one policy type against one repository. A nil
// violation means the repository is compliant.
type Evaluator interface {
	PolicyType() string
	Evaluate(ctx context.Context, repo github.Repository) (*Violation, error)
}

// Registry dispatches configured policies to registered evaluators.
type Registry struct {
	evaluators []Evaluator
}

// NewRegistry creates a registry with the given evaluators. Matching on
// policy type is case-insensitive; registration order decides ties.
func NewRegistry(evaluators ...Evaluator) *Registry {
	return &Registry{evaluators: evaluators}
}

// Builtin returns a registry holding every built-in evaluator.
func Builtin(inspector RepoInspector) *Registry {
	return NewRegistry(
		NewAgentsMDEvaluator(inspector),
		NewCatalogInfoEvaluator(inspector),
		NewCatalogInfoOwnerEvaluator(inspector),
		NewWorkflowPermissionsEvaluator(inspector),
	)
}

// Find returns the first evaluator whose tag matches the policy type.
func (r *Registry) Find(policyType string) Evaluator {
	for _, e := range r.evaluators {
		if strings.EqualFold(e.PolicyType(), policyType) {
			return e
		}
	}
	return nil
}

// EvaluateRepo runs every configured policy against one repository and
// collects the violations. Policies without a matching evaluator are
// skipped with a warning.
func (r *Registry) EvaluateRepo(ctx context.Context, cfg *policyconfig.AppConfig, repo github.Repository) ([]Violation, error) {
	var violations []Violation
	for i := range cfg.Policies {
		policyCfg := &cfg.Policies[i]
		evaluator := r.Find(policyCfg.Type)
		if evaluator == nil {
			log.Warn().
				Str("policy_type", policyCfg.Type).
				Str("repo", repo.FullName).
				Msg("No evaluator registered for policy type; skipping")
			continue
		}

		violation, err := evaluator.Evaluate(ctx, repo)
		if err != nil {
			return nil, err
		}
		if violation != nil {
			violations = append(violations, *violation)
		}
	}
	return violations, nil
}
