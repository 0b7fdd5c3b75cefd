// ABOUTME: Token resolution for GitHub calls: a minted installation token or the system token.
// ABOUTME: Missing credentials surface as permanent errors.
package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/scarson/feedback-worker/internal/joberr"
	"github.com/scarson/feedback-worker/internal/store"
)

// ErrNoAccessToken is returned when no GitHub token source is configured for
// a project. It is permanent for the calling job.
var ErrNoAccessToken = joberr.Permanent(errors.New("no GitHub access token configured"))

// ProjectStore reads projects.
type ProjectStore interface {
	GetProject(ctx context.Context, id uuid.UUID) (*store.Project, error)
}

// Minter mints short-lived installation access tokens (github.App).
type Minter interface {
	InstallationToken(ctx context.Context, installationID int64) (*oauth2.Token, error)
}

// TokenResolver returns a GitHub access token for a project. Installation
// tokens are minted fresh on every call, so callers resolve immediately
// before each job execution.
type TokenResolver struct {
	projects    ProjectStore
	minter      Minter
	systemToken string
}

// NewTokenResolver creates a TokenResolver. minter is nil when no GitHub App
// is configured; systemToken may be empty.
func NewTokenResolver(projects ProjectStore, minter Minter, systemToken string) *TokenResolver {
	return &TokenResolver{projects: projects, minter: minter, systemToken: systemToken}
}

// Token returns the access token for projectID.
func (r *TokenResolver) Token(ctx context.Context, projectID uuid.UUID) (*oauth2.Token, error) {
	proj, err := r.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("resolve access token: %w", err)
	}
	if proj == nil {
		return nil, joberr.Permanent(fmt.Errorf("project %s not found", projectID))
	}
	if proj.GitHubInstallationID != nil && r.minter != nil {
		tok, err := r.minter.InstallationToken(ctx, *proj.GitHubInstallationID)
		if err != nil {
			return nil, fmt.Errorf("mint installation token: %w", err)
		}
		return tok, nil
	}
	tok, err := r.SystemToken()
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	return tok, nil
}

// SystemToken returns the process-wide personal token used for the tool's own
// repository.
func (r *TokenResolver) SystemToken() (*oauth2.Token, error) {
	if r.systemToken == "" {
		return nil, ErrNoAccessToken
	}
	return &oauth2.Token{AccessToken: r.systemToken, TokenType: "Bearer"}, nil
}
