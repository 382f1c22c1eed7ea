package policy

import (
	"context"

	"github.com/orgguard/orgguard/pkg/github"
)

// PolicyTypeAgentsMD requires an AGENTS.md at the default branch root.
const PolicyTypeAgentsMD = "has_agents_md"

const agentsMDPath = "AGENTS.md"

// AgentsMDEvaluator flags repositories missing an AGENTS.md file.
type AgentsMDEvaluator struct {
	inspector RepoInspector
}

func NewAgentsMDEvaluator(inspector RepoInspector) *AgentsMDEvaluator {
	return &AgentsMDEvaluator{inspector: inspector}
}

func (e *AgentsMDEvaluator) PolicyType() string {
	return PolicyTypeAgentsMD
}

func (e *AgentsMDEvaluator) Evaluate(ctx context.Context, repo github.Repository) (*Violation, error) {
	exists, err := e.inspector.FileExists(ctx, repo.FullName, agentsMDPath)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}
	return &Violation{
		PolicyType: PolicyTypeAgentsMD,
		Message:    "Repository does not contain an AGENTS.md file at the root",
	}, nil
}
