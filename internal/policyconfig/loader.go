package policyconfig

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	apperrors "github.com/orgguard/orgguard/internal/errors"
	"github.com/orgguard/orgguard/pkg/github"
)

// cacheTTL is the sliding expiration window for the parsed document.
const cacheTTL = 15 * time.Minute

// ContentReader is the subset of the GitHub client the loader needs.
type ContentReader interface {
	Org() string
	GetFileContent(ctx context.Context, fullName, path string) (*github.FileContent, error)
}

// Loader fetches, validates, and caches the organization policy
// document.
type Loader struct {
	client ContentReader

	mu        sync.Mutex
	cached    *AppConfig
	expiresAt time.Time

	now func() time.Time
}

// NewLoader creates a configuration loader backed by the GitHub client.
func NewLoader(client ContentReader) *Loader {
	return &Loader{
		client: client,
		now:    time.Now,
	}
}

// Load returns the parsed AppConfig, fetching it when the cache is
// stale. Each hit slides the expiration window forward.
func (l *Loader) Load(ctx context.Context) (*AppConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.cached != nil && now.Before(l.expiresAt) {
		l.expiresAt = now.Add(cacheTTL)
		return l.cached, nil
	}

	cfg, err := l.fetch(ctx)
	if err != nil {
		return nil, err
	}

	l.cached = cfg
	l.expiresAt = now.Add(cacheTTL)
	return cfg, nil
}

// Invalidate drops the cached document so the next Load refetches.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cached = nil
	l.expiresAt = time.Time{}
}

func (l *Loader) fetch(ctx context.Context) (*AppConfig, error) {
	fullName := l.client.Org() + "/" + ConfigRepoName
	content, err := l.client.GetFileContent(ctx, fullName, ConfigFilePath)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s not found in %s", apperrors.ErrConfigNotFound, ConfigFilePath, fullName)
		}
		return nil, fmt.Errorf("fetch %s from %s: %w", ConfigFilePath, fullName, err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(content.Raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", apperrors.ErrInvalidConfig, ConfigFilePath, err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	log.Info().
		Int("policies", len(cfg.Policies)).
		Str("authorized_team", cfg.AccessControl.AuthorizedTeam).
		Msg("Loaded organization policy configuration")
	return &cfg, nil
}

func validate(cfg *AppConfig) error {
	if strings.TrimSpace(cfg.AccessControl.AuthorizedTeam) == "" {
		return fmt.Errorf("%w: access_control.authorized_team is required", apperrors.ErrInvalidConfig)
	}
	for i := range cfg.Policies {
		if strings.TrimSpace(cfg.Policies[i].Type) == "" {
			return fmt.Errorf("%w: policies[%d].type is required", apperrors.ErrInvalidConfig, i)
		}
	}
	return nil
}
