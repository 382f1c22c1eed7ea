package policy

import (
	"context"
	"fmt"

	"github.com/orgguard/orgguard/pkg/github"
)

// PolicyTypeWorkflowPermissions requires the default workflow token
// permissions to be read-only.
const PolicyTypeWorkflowPermissions = "correct_workflow_permissions"

// WorkflowPermissionsEvaluator flags repositories whose default
// workflow permissions are broader than read. Repositories with the
// Actions feature disabled are compliant.
type WorkflowPermissionsEvaluator struct {
	inspector RepoInspector
}

func NewWorkflowPermissionsEvaluator(inspector RepoInspector) *WorkflowPermissionsEvaluator {
	return &WorkflowPermissionsEvaluator{inspector: inspector}
}

func (e *WorkflowPermissionsEvaluator) PolicyType() string {
	return PolicyTypeWorkflowPermissions
}

func (e *WorkflowPermissionsEvaluator) Evaluate(ctx context.Context, repo github.Repository) (*Violation, error) {
	perms, err := e.inspector.GetWorkflowPermissions(ctx, repo.FullName)
	if err != nil {
		return nil, err
	}
	if perms == nil || perms.DefaultWorkflowPermissions == "read" {
		return nil, nil
	}
	return &Violation{
		PolicyType: PolicyTypeWorkflowPermissions,
		Message:    fmt.Sprintf("Default workflow permissions are %q, expected \"read\"", perms.DefaultWorkflowPermissions),
	}, nil
}
