// Package policyconfig loads the organization-wide policy document from
// the org's .github repository and caches the parsed result.
package policyconfig

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigRepoName is the organization repository holding the document.
const ConfigRepoName = ".github"

// ConfigFilePath is the document path within the config repository.
const ConfigFilePath = "config.yaml"

// AppConfig is the parsed organization policy document.
type AppConfig struct {
	AccessControl AccessControl  `yaml:"access_control"`
	Policies      []PolicyConfig `yaml:"policies"`
}

// AccessControl holds dashboard authorization settings.
type AccessControl struct {
	// AuthorizedTeam is "<org>/<team-slug>".
	AuthorizedTeam string `yaml:"authorized_team"`
}

// PolicyConfig is one declarative policy entry.
type PolicyConfig struct {
	Name             string            `yaml:"name"`
	Type             string            `yaml:"type"`
	Action           ActionList        `yaml:"action"`
	IssueDetails     *IssueDetails     `yaml:"issue_details"`
	PRCommentDetails *PRCommentDetails `yaml:"pr_comment_details"`
	BlockPRsDetails  *BlockPRsDetails  `yaml:"block_prs_details"`
}

// IssueDetails configures the create-issue action.
type IssueDetails struct {
	Title  string   `yaml:"title"`
	Body   string   `yaml:"body"`
	Labels []string `yaml:"labels"`
}

// PRCommentDetails configures the comment-on-prs action.
type PRCommentDetails struct {
	Message string `yaml:"message"`
}

// BlockPRsDetails configures the block-prs action.
type BlockPRsDetails struct {
	StatusCheckName string `yaml:"status_check_name"`
}

// ActionList accepts either a scalar string or a list of strings in
// YAML and normalizes to an ordered, de-duplicated list of kebab-case
// tags.
type ActionList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *ActionList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*a = normalizeActions([]string{s})
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*a = normalizeActions(list)
		return nil
	default:
		return fmt.Errorf("action must be a string or a list of strings")
	}
}

// NormalizeActionName lowercases an action tag and folds snake_case
// spellings into kebab-case.
func NormalizeActionName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(name, "_", "-")
}

func normalizeActions(raw []string) []string {
	var out []string
	seen := make(map[string]bool, len(raw))
	for _, tag := range raw {
		normalized := NormalizeActionName(tag)
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, normalized)
	}
	return out
}

// FindPolicy returns the config entry whose type matches the key,
// case-insensitively.
func (c *AppConfig) FindPolicy(policyKey string) *PolicyConfig {
	for i := range c.Policies {
		if strings.EqualFold(c.Policies[i].Type, policyKey) {
			return &c.Policies[i]
		}
	}
	return nil
}
