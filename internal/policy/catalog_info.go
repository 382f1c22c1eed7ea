package policy

import (
	"context"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/orgguard/orgguard/internal/errors"
	"github.com/orgguard/orgguard/pkg/github"
)

const (
	// PolicyTypeCatalogInfo requires a catalog-info.yaml at the root.
	PolicyTypeCatalogInfo = "has_catalog_info_yaml"

	// PolicyTypeCatalogInfoOwner requires catalog-info.yaml, when
	// present, to declare a non-empty spec.owner.
	PolicyTypeCatalogInfoOwner = "catalog_info_has_owner"

	catalogInfoPath = "catalog-info.yaml"
)

// CatalogInfoEvaluator flags repositories missing a catalog-info.yaml.
type CatalogInfoEvaluator struct {
	inspector RepoInspector
}

func NewCatalogInfoEvaluator(inspector RepoInspector) *CatalogInfoEvaluator {
	return &CatalogInfoEvaluator{inspector: inspector}
}

func (e *CatalogInfoEvaluator) PolicyType() string {
	return PolicyTypeCatalogInfo
}

func (e *CatalogInfoEvaluator) Evaluate(ctx context.Context, repo github.Repository) (*Violation, error) {
	exists, err := e.inspector.FileExists(ctx, repo.FullName, catalogInfoPath)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}
	return &Violation{
		PolicyType: PolicyTypeCatalogInfo,
		Message:    "Repository does not contain a catalog-info.yaml file at the root",
	}, nil
}

// CatalogInfoOwnerEvaluator flags catalog-info.yaml files that lack a
// spec.owner. A missing file is compliant here; presence is enforced by
// the has_catalog_info_yaml policy.
type CatalogInfoOwnerEvaluator struct {
	inspector RepoInspector
}

func NewCatalogInfoOwnerEvaluator(inspector RepoInspector) *CatalogInfoOwnerEvaluator {
	return &CatalogInfoOwnerEvaluator{inspector: inspector}
}

func (e *CatalogInfoOwnerEvaluator) PolicyType() string {
	return PolicyTypeCatalogInfoOwner
}

func (e *CatalogInfoOwnerEvaluator) Evaluate(ctx context.Context, repo github.Repository) (*Violation, error) {
	content, err := e.inspector.GetFileContent(ctx, repo.FullName, catalogInfoPath)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var doc struct {
		Spec struct {
			Owner string `yaml:"owner"`
		} `yaml:"spec"`
	}
	if err := yaml.Unmarshal(content.Raw, &doc); err != nil {
		// Unparseable catalog files cannot declare an owner.
		return &Violation{
			PolicyType: PolicyTypeCatalogInfoOwner,
			Message:    "catalog-info.yaml is not valid YAML",
		}, nil
	}

	if strings.TrimSpace(doc.Spec.Owner) != "" {
		return nil, nil
	}
	return &Violation{
		PolicyType: PolicyTypeCatalogInfoOwner,
		Message:    "catalog-info.yaml does not declare spec.owner",
	}, nil
}
