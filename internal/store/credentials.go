// ABOUTME: Project-scoped execution credential rows: an API key or an OAuth token per project.
// ABOUTME: Lookups return (nil, nil) when no credential is stored.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CredentialType distinguishes a long-lived API key from a refreshable OAuth token.
type CredentialType string

const (
	CredentialAPIKey     CredentialType = "api_key"
	CredentialOAuthToken CredentialType = "oauth_token"
)

// Credential is the project-scoped execution credential.
type Credential struct {
	ProjectID uuid.UUID
	Type      CredentialType
	Value     string
}

// GetCredential returns the project's credential, or (nil, nil) if none is stored.
func (s *Store) GetCredential(ctx context.Context, projectID uuid.UUID) (*Credential, error) {
	c := Credential{ProjectID: projectID}
	err := s.pool.QueryRow(ctx,
		`SELECT type, encrypted_value FROM credentials WHERE project_id = $1`, projectID,
	).Scan(&c.Type, &c.Value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get credential %s: %w", projectID, err)
	}
	return &c, nil
}

// PutCredential stores or replaces the project's credential.
func (s *Store) PutCredential(ctx context.Context, c Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (project_id, type, encrypted_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id) DO UPDATE
		   SET type = EXCLUDED.type, encrypted_value = EXCLUDED.encrypted_value`,
		c.ProjectID, c.Type, c.Value)
	if err != nil {
		return fmt.Errorf("put credential %s: %w", c.ProjectID, err)
	}
	return nil
}
