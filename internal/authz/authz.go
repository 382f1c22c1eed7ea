// Package authz gates privileged HTTP endpoints on membership in the
// organization team named by the policy configuration.
package authz

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/orgguard/orgguard/internal/policyconfig"
)

// MembershipChecker verifies team membership with a user's own token.
type MembershipChecker interface {
	IsTeamMember(ctx context.Context, userToken, org, teamSlug, login string) (bool, error)
}

// ConfigLoader loads the organization policy document.
type ConfigLoader interface {
	Load(ctx context.Context) (*policyconfig.AppConfig, error)
}

// Authorizer answers "may this user reach the privileged endpoints".
// Membership checks fail closed: any error denies access.
type Authorizer struct {
	client   MembershipChecker
	loader   ConfigLoader
	testMode bool
}

// New creates an authorizer. testMode bypasses all membership checks
// and is only for local development.
func New(client MembershipChecker, loader ConfigLoader, testMode bool) *Authorizer {
	return &Authorizer{client: client, loader: loader, testMode: testMode}
}

// Authorize reports whether the user identified by login, presenting
// their own OAuth token, belongs to the configured authorized team.
func (a *Authorizer) Authorize(ctx context.Context, userToken, login string) (bool, error) {
	if a.testMode {
		log.Warn().Str("login", login).Msg("TEST_MODE enabled, bypassing team authorization")
		return true, nil
	}
	if userToken == "" || login == "" {
		return false, nil
	}

	cfg, err := a.loader.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load configuration: %w", err)
	}
	org, teamSlug, err := splitTeamRef(cfg.AccessControl.AuthorizedTeam)
	if err != nil {
		return false, err
	}

	member, err := a.client.IsTeamMember(ctx, userToken, org, teamSlug, login)
	if err != nil {
		log.Warn().Err(err).Str("login", login).Str("team", cfg.AccessControl.AuthorizedTeam).
			Msg("Team membership check failed; denying access")
		return false, nil
	}
	return member, nil
}

// splitTeamRef parses an "<org>/<team-slug>" reference.
func splitTeamRef(ref string) (org, teamSlug string, err error) {
	org, teamSlug, ok := strings.Cut(strings.TrimSpace(ref), "/")
	if !ok || org == "" || teamSlug == "" {
		return "", "", fmt.Errorf("invalid authorized_team %q, expected \"org/team-slug\"", ref)
	}
	return org, teamSlug, nil
}
