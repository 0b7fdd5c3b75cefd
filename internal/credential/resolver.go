// ABOUTME: Resolves per-project execution credentials with a process-wide fallback.
// ABOUTME: Also resolves repository-hosting access tokens (installation token or system token).
package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/scarson/feedback-worker/internal/joberr"
	"github.com/scarson/feedback-worker/internal/store"
)

// ErrNoCredentials is returned when neither the project nor the process has
// an execution credential. It is permanent for the calling job.
var ErrNoCredentials = joberr.Permanent(errors.New("no execution credentials configured"))

// Credentials authenticate the execution strategy against the model provider.
// Exactly one field is normally populated.
type Credentials struct {
	APIKey     string
	OAuthToken string
}

// Empty reports whether no credential is set.
func (c Credentials) Empty() bool { return c.APIKey == "" && c.OAuthToken == "" }

// Env returns the credentials as environment variables for a child process.
func (c Credentials) Env() []string {
	var env []string
	if c.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+c.APIKey)
	}
	if c.OAuthToken != "" {
		env = append(env, "CLAUDE_CODE_OAUTH_TOKEN="+c.OAuthToken)
	}
	return env
}

// CredentialStore reads project-scoped credentials.
type CredentialStore interface {
	GetCredential(ctx context.Context, projectID uuid.UUID) (*store.Credential, error)
}

// Resolver looks up the project credential first, then the system default.
type Resolver struct {
	store    CredentialStore
	fallback Credentials
}

// NewResolver creates a Resolver. fallback may be empty.
func NewResolver(s CredentialStore, fallback Credentials) *Resolver {
	return &Resolver{store: s, fallback: fallback}
}

// Resolve returns the credentials to use for projectID.
func (r *Resolver) Resolve(ctx context.Context, projectID uuid.UUID) (Credentials, error) {
	c, err := r.store.GetCredential(ctx, projectID)
	if err != nil {
		return Credentials{}, fmt.Errorf("resolve credentials: %w", err)
	}
	if c != nil && c.Value != "" {
		switch c.Type {
		case store.CredentialAPIKey:
			return Credentials{APIKey: c.Value}, nil
		case store.CredentialOAuthToken:
			return Credentials{OAuthToken: c.Value}, nil
		}
	}
	if !r.fallback.Empty() {
		return r.fallback, nil
	}
	return Credentials{}, fmt.Errorf("project %s: %w", projectID, ErrNoCredentials)
}
