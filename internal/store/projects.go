// ABOUTME: Project rows: creation, lookup, repository binding and setup status transitions.
// ABOUTME: Setup jobs are enqueued here alongside the setup_status change in one transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SetupStatus is the bootstrap progress marker persisted on a project.
type SetupStatus string

const (
	SetupPending    SetupStatus = "pending"
	SetupInstalling SetupStatus = "installing"
	SetupQueued     SetupStatus = "queued"
	SetupCloning    SetupStatus = "cloning"
	SetupGenerating SetupStatus = "generating"
	SetupCommitting SetupStatus = "committing"
	SetupPRCreated  SetupStatus = "pr_created"
	SetupFailed     SetupStatus = "failed"
)

// Project is one projects row.
type Project struct {
	ID                   uuid.UUID
	Name                 string
	GitHubRepo           string
	GitHubInstallationID *int64
	WebhookSecret        string
	SetupStatus          SetupStatus
	SetupPRURL           *string
	SetupError           *string
	CreatedAt            time.Time
}

// CreateProjectParams holds the insertable fields of a project.
type CreateProjectParams struct {
	Name                 string
	GitHubRepo           string
	GitHubInstallationID *int64
	WebhookSecret        string
}

const projectColumns = `id, name, github_repo, github_installation_id, webhook_secret,
	setup_status, setup_pr_url, setup_error, created_at`

func scanProject(row pgx.Row) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Name, &p.GitHubRepo, &p.GitHubInstallationID, &p.WebhookSecret,
		&p.SetupStatus, &p.SetupPRURL, &p.SetupError, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProject inserts a project.
func (s *Store) CreateProject(ctx context.Context, p CreateProjectParams) (*Project, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO projects (name, github_repo, github_installation_id, webhook_secret)
		VALUES ($1, $2, $3, $4)
		RETURNING `+projectColumns,
		p.Name, p.GitHubRepo, p.GitHubInstallationID, p.WebhookSecret)
	proj, err := scanProject(row)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return proj, nil
}

// GetProject returns the project, or (nil, nil) if none exists.
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// SetProjectRepo persists an auto-detected owner/name repository.
func (s *Store) SetProjectRepo(ctx context.Context, id uuid.UUID, repo string) error {
	err := requireRow(s.execUpdate(ctx, psql.Update("projects").
		Set("github_repo", repo).
		Where(sq.Eq{"id": id})))
	if err != nil {
		return fmt.Errorf("set project repo %s: %w", id, err)
	}
	return nil
}

// SetupUpdate describes a setup_status transition. PRURL and Error are only
// written when non-nil.
type SetupUpdate struct {
	Status SetupStatus
	PRURL  *string
	Error  *string
}

// SetSetupStatus records bootstrap progress on the project.
func (s *Store) SetSetupStatus(ctx context.Context, id uuid.UUID, u SetupUpdate) error {
	b := psql.Update("projects").Set("setup_status", u.Status).Where(sq.Eq{"id": id})
	if u.PRURL != nil {
		b = b.Set("setup_pr_url", *u.PRURL)
	}
	if u.Error != nil {
		b = b.Set("setup_error", *u.Error)
	} else if u.Status != SetupFailed {
		b = b.Set("setup_error", nil)
	}
	if err := requireRow(s.execUpdate(ctx, b)); err != nil {
		return fmt.Errorf("set setup status %s: %w", id, err)
	}
	return nil
}

// EnqueueSetupJob inserts a setup job for the project and marks its setup
// queued in one transaction.
func (s *Store) EnqueueSetupJob(ctx context.Context, projectID uuid.UUID) (uuid.UUID, error) {
	var jobID uuid.UUID
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE projects SET setup_status = 'queued', setup_error = NULL WHERE id = $1`, projectID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		jobID, err = enqueueJob(ctx, tx, NewJob{ProjectID: projectID, Type: JobTypeSetup})
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue setup job %s: %w", projectID, err)
	}
	return jobID, nil
}
