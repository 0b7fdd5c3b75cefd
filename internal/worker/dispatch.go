// ABOUTME: Dispatcher routes a claimed job to its execution strategy by job type.
// ABOUTME: Credentials and access tokens are resolved immediately before each run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/scarson/feedback-worker/internal/credential"
	"github.com/scarson/feedback-worker/internal/joberr"
	"github.com/scarson/feedback-worker/internal/runlog"
	"github.com/scarson/feedback-worker/internal/store"
	"github.com/scarson/feedback-worker/internal/strategy"
)

const tracerName = "github.com/scarson/feedback-worker/internal/worker"

// DispatchStore is the store subset the dispatcher reads and writes.
type DispatchStore interface {
	runlog.Appender
	GetProject(ctx context.Context, id uuid.UUID) (*store.Project, error)
	SetProjectRepo(ctx context.Context, id uuid.UUID, repo string) error
	SetSetupStatus(ctx context.Context, id uuid.UUID, u store.SetupUpdate) error
	GetPipelineRun(ctx context.Context, id uuid.UUID) (*store.PipelineRun, error)
	LatestRunForIssue(ctx context.Context, projectID uuid.UUID, issueNumber int) (*store.PipelineRun, error)
	SetRunStage(ctx context.Context, id uuid.UUID, stage store.Stage) error
	SetRunPullRequest(ctx context.Context, id uuid.UUID, prNumber int) error
	FinishRun(ctx context.Context, id uuid.UUID, result string, stage store.Stage) error
	LinkImprovementJob(ctx context.Context, runID, jobID uuid.UUID) error
}

// CredentialResolver resolves execution credentials (credential.Resolver).
type CredentialResolver interface {
	Resolve(ctx context.Context, projectID uuid.UUID) (credential.Credentials, error)
}

// TokenResolver resolves GitHub access tokens (credential.TokenResolver).
type TokenResolver interface {
	Token(ctx context.Context, projectID uuid.UUID) (*oauth2.Token, error)
	SystemToken() (*oauth2.Token, error)
}

// RepoLister lists an installation's repositories (github.App).
type RepoLister interface {
	InstallationRepositories(ctx context.Context, installationID int64) ([]string, error)
}

// Strategies bundles the three execution strategies.
type Strategies struct {
	Implement   strategy.Implementer
	Setup       strategy.Bootstrapper
	SelfImprove strategy.SelfPatcher
}

// Dispatcher implements Executor.
type Dispatcher struct {
	store    DispatchStore
	creds    CredentialResolver
	tokens   TokenResolver
	repos    RepoLister
	run      Strategies
	selfRepo string
	tracer   trace.Tracer
	log      *slog.Logger
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Store       DispatchStore
	Credentials CredentialResolver
	Tokens      TokenResolver
	// Repos may be nil when no GitHub App is configured; setup jobs then fail.
	Repos      RepoLister
	Strategies Strategies
	// SelfRepo is the owner/name of the tool's own repository.
	SelfRepo string
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Dispatcher{
		store:    cfg.Store,
		creds:    cfg.Credentials,
		tokens:   cfg.Tokens,
		repos:    cfg.Repos,
		run:      cfg.Strategies,
		selfRepo: cfg.SelfRepo,
		tracer:   tracer,
		log:      slog.Default(),
	}
}

// Execute routes job to its strategy inside a tracing span.
func (d *Dispatcher) Execute(ctx context.Context, job *store.Job) error {
	ctx, span := d.tracer.Start(ctx, "feedback.job.execute",
		trace.WithAttributes(
			attribute.String("feedback.job.id", job.ID.String()),
			attribute.String("feedback.job.type", string(job.Type)),
			attribute.String("feedback.project.id", job.ProjectID.String()),
			attribute.Int("feedback.job.attempt", job.AttemptCount+1),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	err := d.route(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("feedback.job.permanent", joberr.IsPermanent(err)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

func (d *Dispatcher) route(ctx context.Context, job *store.Job) error {
	switch job.Type {
	case store.JobTypeSetup:
		return d.setup(ctx, job)
	case store.JobTypeSelfImprove:
		return d.selfImprove(ctx, job)
	case store.JobTypeImplement:
		return d.implement(ctx, job)
	default:
		return joberr.Permanent(fmt.Errorf("unknown job type %q", job.Type))
	}
}

// ── implement ──────────────────────────────────────────────────────────────

func (d *Dispatcher) implement(ctx context.Context, job *store.Job) error {
	proj, err := d.project(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	creds, err := d.creds.Resolve(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	tok, err := d.tokens.Token(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	run, err := d.store.LatestRunForIssue(ctx, job.ProjectID, job.IssueNumber)
	if err != nil {
		return fmt.Errorf("find pipeline run: %w", err)
	}
	if run == nil {
		return joberr.Permanent(fmt.Errorf("no pipeline run found for issue #%d", job.IssueNumber))
	}
	if err := d.store.SetRunStage(ctx, run.ID, store.StageRunning); err != nil {
		return err
	}

	rep := &runReporter{Logger: runlog.New(d.store, run.ID, d.log), store: d.store, runID: run.ID}
	res, err := d.run.Implement.Implement(ctx, strategy.Request{
		JobID:       job.ID,
		ProjectID:   job.ProjectID,
		RunID:       &run.ID,
		Repo:        proj.GitHubRepo,
		IssueNumber: job.IssueNumber,
		IssueTitle:  job.IssueTitle,
		IssueBody:   job.IssueBody,
		Credentials: creds,
		GitHubToken: tok.AccessToken,
	}, rep)
	if err != nil {
		rep.Errorf(ctx, "implement failed: %v", err)
		return err
	}
	if res.PRNumber > 0 {
		if err := d.store.SetRunPullRequest(ctx, run.ID, res.PRNumber); err != nil {
			return err
		}
	}
	return d.store.FinishRun(ctx, run.ID, store.ResultSuccess, "")
}

// runReporter maps strategy stages onto the pipeline run.
type runReporter struct {
	*runlog.Logger
	store DispatchStore
	runID uuid.UUID
}

func (r *runReporter) Stage(ctx context.Context, stage string) {
	if err := r.store.SetRunStage(ctx, r.runID, store.Stage(stage)); err != nil {
		r.Log(ctx, runlog.LevelWarn, fmt.Sprintf("set run stage %q: %v", stage, err))
	}
}

// ── setup ──────────────────────────────────────────────────────────────────

func (d *Dispatcher) setup(ctx context.Context, job *store.Job) error {
	proj, err := d.project(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	if err := d.bootstrap(ctx, job, proj); err != nil {
		msg := err.Error()
		if serr := d.store.SetSetupStatus(ctx, proj.ID, store.SetupUpdate{Status: store.SetupFailed, Error: &msg}); serr != nil {
			d.log.ErrorContext(ctx, "record setup failure", "project_id", proj.ID, "error", serr)
		}
		return err
	}
	return nil
}

func (d *Dispatcher) bootstrap(ctx context.Context, job *store.Job, proj *store.Project) error {
	if proj.GitHubInstallationID == nil {
		return joberr.Permanent(fmt.Errorf("project %s has no GitHub App installation", proj.ID))
	}
	repo := proj.GitHubRepo
	if repo == "" {
		detected, err := d.detectRepo(ctx, *proj.GitHubInstallationID)
		if err != nil {
			return err
		}
		if err := d.store.SetProjectRepo(ctx, proj.ID, detected); err != nil {
			return err
		}
		repo = detected
	}
	creds, err := d.creds.Resolve(ctx, proj.ID)
	if err != nil {
		return err
	}
	tok, err := d.tokens.Token(ctx, proj.ID)
	if err != nil {
		return err
	}
	if err := d.store.SetSetupStatus(ctx, proj.ID, store.SetupUpdate{Status: store.SetupQueued}); err != nil {
		return err
	}

	rep := &setupReporter{Logger: runlog.New(nil, uuid.Nil, d.log.With("project_id", proj.ID)), store: d.store, projectID: proj.ID}
	res, err := d.run.Setup.Bootstrap(ctx, strategy.Request{
		JobID:       job.ID,
		ProjectID:   proj.ID,
		Repo:        repo,
		Credentials: creds,
		GitHubToken: tok.AccessToken,
	}, rep)
	if err != nil {
		return err
	}
	update := store.SetupUpdate{Status: store.SetupPRCreated}
	if res.PRURL != "" {
		update.PRURL = &res.PRURL
	}
	return d.store.SetSetupStatus(ctx, proj.ID, update)
}

func (d *Dispatcher) detectRepo(ctx context.Context, installationID int64) (string, error) {
	if d.repos == nil {
		return "", joberr.Permanent(errors.New("GitHub App is not configured; cannot detect repository"))
	}
	repos, err := d.repos.InstallationRepositories(ctx, installationID)
	if err != nil {
		return "", fmt.Errorf("detect repository: %w", err)
	}
	if len(repos) == 0 {
		return "", joberr.Permanent(fmt.Errorf("installation %d has no accessible repositories", installationID))
	}
	return repos[0], nil
}

// setupReporter persists bootstrap sub-stages on the project.
type setupReporter struct {
	*runlog.Logger
	store     DispatchStore
	projectID uuid.UUID
}

func (r *setupReporter) Stage(ctx context.Context, stage string) {
	if err := r.store.SetSetupStatus(ctx, r.projectID, store.SetupUpdate{Status: store.SetupStatus(stage)}); err != nil {
		r.Log(ctx, runlog.LevelWarn, fmt.Sprintf("set setup status %q: %v", stage, err))
	}
}

// ── self_improve ───────────────────────────────────────────────────────────

func (d *Dispatcher) selfImprove(ctx context.Context, job *store.Job) error {
	if job.SourceRunID == nil {
		return joberr.Permanent(errors.New("self_improve job has no source run"))
	}
	src, err := d.store.GetPipelineRun(ctx, *job.SourceRunID)
	if err != nil {
		return fmt.Errorf("load source run: %w", err)
	}
	if src == nil || src.FailureCategory == nil {
		return joberr.Permanent(fmt.Errorf("source run %s is missing or unclassified", *job.SourceRunID))
	}
	imp, err := strategy.ParseImprovement(job.IssueBody)
	if err != nil {
		return joberr.Permanent(err)
	}
	creds, err := d.creds.Resolve(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	tok, err := d.tokens.SystemToken()
	if err != nil {
		return err
	}

	rep := &logOnlyReporter{Logger: runlog.New(nil, uuid.Nil, d.log.With("job_id", job.ID, "source_run_id", src.ID))}
	res, err := d.run.SelfImprove.SelfPatch(ctx, strategy.Request{
		JobID:       job.ID,
		ProjectID:   job.ProjectID,
		RunID:       &src.ID,
		Repo:        d.selfRepo,
		IssueTitle:  job.IssueTitle,
		Improvement: imp,
		Credentials: creds,
		GitHubToken: tok.AccessToken,
	}, rep)
	if err != nil {
		return err
	}
	if res.PRNumber > 0 || res.PRURL != "" {
		return d.store.LinkImprovementJob(ctx, src.ID, job.ID)
	}
	return nil
}

type logOnlyReporter struct{ *runlog.Logger }

func (r *logOnlyReporter) Stage(ctx context.Context, stage string) {
	r.Log(ctx, runlog.LevelInfo, "stage: "+stage)
}

// ── helpers ────────────────────────────────────────────────────────────────

func (d *Dispatcher) project(ctx context.Context, id uuid.UUID) (*store.Project, error) {
	proj, err := d.store.GetProject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if proj == nil {
		return nil, joberr.Permanent(fmt.Errorf("project %s not found", id))
	}
	return proj, nil
}
