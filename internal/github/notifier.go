// ABOUTME: Issue notifier: mirrors implement-job progress onto the consumer's GitHub issue.
// ABOUTME: Starts add the in-progress label; failures comment, label agent-failed and clear in-progress.
package github

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/scarson/feedback-worker/internal/store"
)

// Issue labels the pipeline reads and writes.
const (
	LabelFeedbackBot = "feedback-bot"
	LabelInProgress  = "in-progress"
	LabelAgentFailed = "agent-failed"
)

// TokenSource resolves the access token for a project (credential.TokenResolver).
type TokenSource interface {
	Token(ctx context.Context, projectID uuid.UUID) (*oauth2.Token, error)
}

// RepoLookup resolves a project's repository.
type RepoLookup interface {
	GetProject(ctx context.Context, id uuid.UUID) (*store.Project, error)
}

// IssueNotifier mirrors implement-job progress onto the consumer's GitHub issue.
// Jobs that are not tied to an issue are ignored.
type IssueNotifier struct {
	client   *Client
	tokens   TokenSource
	projects RepoLookup
}

// NewIssueNotifier creates an IssueNotifier.
func NewIssueNotifier(c *Client, tokens TokenSource, projects RepoLookup) *IssueNotifier {
	return &IssueNotifier{client: c, tokens: tokens, projects: projects}
}

func (n *IssueNotifier) target(ctx context.Context, job *store.Job) (string, *oauth2.Token, error) {
	proj, err := n.projects.GetProject(ctx, job.ProjectID)
	if err != nil {
		return "", nil, err
	}
	if proj == nil || proj.GitHubRepo == "" {
		return "", nil, fmt.Errorf("project %s has no repository", job.ProjectID)
	}
	tok, err := n.tokens.Token(ctx, job.ProjectID)
	if err != nil {
		return "", nil, err
	}
	return proj.GitHubRepo, tok, nil
}

func tracksIssue(job *store.Job) bool {
	return job.Type == store.JobTypeImplement && job.IssueNumber > 0
}

// JobStarted labels the issue in-progress.
func (n *IssueNotifier) JobStarted(ctx context.Context, job *store.Job) error {
	if !tracksIssue(job) {
		return nil
	}
	repo, tok, err := n.target(ctx, job)
	if err != nil {
		return err
	}
	return n.client.AddLabels(ctx, tok, repo, job.IssueNumber, LabelInProgress)
}

// JobFailed comments the failure on the issue and swaps in-progress for agent-failed.
func (n *IssueNotifier) JobFailed(ctx context.Context, job *store.Job, lastError string) error {
	if !tracksIssue(job) {
		return nil
	}
	repo, tok, err := n.target(ctx, job)
	if err != nil {
		return err
	}
	body := fmt.Sprintf("The agent could not complete this issue.\n\n```\n%s\n```", lastError)
	if err := n.client.CreateComment(ctx, tok, repo, job.IssueNumber, body); err != nil {
		return err
	}
	if err := n.client.AddLabels(ctx, tok, repo, job.IssueNumber, LabelAgentFailed); err != nil {
		return err
	}
	return n.client.RemoveLabel(ctx, tok, repo, job.IssueNumber, LabelInProgress)
}
