package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/oauth2"

	"github.com/scarson/feedback-worker/internal/credential"
	"github.com/scarson/feedback-worker/internal/joberr"
	"github.com/scarson/feedback-worker/internal/store"
	"github.com/scarson/feedback-worker/internal/strategy"
)

type memDispatchStore struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*store.Project
	runs     map[uuid.UUID]*store.PipelineRun
	setup    []store.SetupStatus
	logs     []string
}

func newMemDispatchStore() *memDispatchStore {
	return &memDispatchStore{projects: map[uuid.UUID]*store.Project{}, runs: map[uuid.UUID]*store.PipelineRun{}}
}

func (m *memDispatchStore) AppendRunLog(_ context.Context, _ uuid.UUID, level, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, level+":"+message)
	return nil
}

func (m *memDispatchStore) GetProject(_ context.Context, id uuid.UUID) (*store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projects[id], nil
}

func (m *memDispatchStore) SetProjectRepo(_ context.Context, id uuid.UUID, repo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[id].GitHubRepo = repo
	return nil
}

func (m *memDispatchStore) SetSetupStatus(_ context.Context, id uuid.UUID, u store.SetupUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.projects[id]
	p.SetupStatus = u.Status
	if u.PRURL != nil {
		p.SetupPRURL = u.PRURL
	}
	if u.Error != nil {
		p.SetupError = u.Error
	}
	m.setup = append(m.setup, u.Status)
	return nil
}

func (m *memDispatchStore) GetPipelineRun(_ context.Context, id uuid.UUID) (*store.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id], nil
}

func (m *memDispatchStore) LatestRunForIssue(_ context.Context, projectID uuid.UUID, issue int) (*store.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ProjectID == projectID && r.IssueNumber == issue {
			return r, nil
		}
	}
	return nil, nil
}

func (m *memDispatchStore) SetRunStage(_ context.Context, id uuid.UUID, stage store.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id].Stage = stage
	return nil
}

func (m *memDispatchStore) SetRunPullRequest(_ context.Context, id uuid.UUID, pr int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id].PRNumber = &pr
	return nil
}

func (m *memDispatchStore) FinishRun(_ context.Context, id uuid.UUID, result string, stage store.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runs[id]
	r.Result = &result
	if stage != "" {
		r.Stage = stage
	}
	return nil
}

func (m *memDispatchStore) LinkImprovementJob(_ context.Context, runID, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID].ImprovementJobID = &jobID
	return nil
}

type staticCreds struct{ err error }

func (s staticCreds) Resolve(context.Context, uuid.UUID) (credential.Credentials, error) {
	return credential.Credentials{APIKey: "sk-test"}, s.err
}

type staticTokens struct{}

func (staticTokens) Token(context.Context, uuid.UUID) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "ghs_project"}, nil
}

func (staticTokens) SystemToken() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "ghp_system"}, nil
}

type staticRepos []string

func (r staticRepos) InstallationRepositories(context.Context, int64) ([]string, error) {
	return r, nil
}

// fakeStrategy implements all three strategy interfaces.
type fakeStrategy struct {
	mu     sync.Mutex
	reqs   []strategy.Request
	stages []string
	result strategy.Result
	err    error
}

func (f *fakeStrategy) do(ctx context.Context, req strategy.Request, rep strategy.Reporter) (strategy.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	stages := f.stages
	f.mu.Unlock()
	rep.Log(ctx, "info", "agent started")
	for _, s := range stages {
		rep.Stage(ctx, s)
	}
	return f.result, f.err
}

func (f *fakeStrategy) Implement(ctx context.Context, req strategy.Request, rep strategy.Reporter) (strategy.Result, error) {
	return f.do(ctx, req, rep)
}

func (f *fakeStrategy) Bootstrap(ctx context.Context, req strategy.Request, rep strategy.Reporter) (strategy.Result, error) {
	return f.do(ctx, req, rep)
}

func (f *fakeStrategy) SelfPatch(ctx context.Context, req strategy.Request, rep strategy.Reporter) (strategy.Result, error) {
	return f.do(ctx, req, rep)
}

func newTestDispatcher(st *memDispatchStore, fs *fakeStrategy, repos RepoLister) (*Dispatcher, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	d := NewDispatcher(DispatcherConfig{
		Store:       st,
		Credentials: staticCreds{},
		Tokens:      staticTokens{},
		Repos:       repos,
		Strategies:  Strategies{Implement: fs, Setup: fs, SelfImprove: fs},
		SelfRepo:    "acme/feedback-chat",
		Tracer:      tp.Tracer("test"),
	})
	return d, sr
}

func TestDispatch_Implement(t *testing.T) {
	t.Parallel()
	st := newMemDispatchStore()
	proj := &store.Project{ID: uuid.New(), GitHubRepo: "acme/web"}
	st.projects[proj.ID] = proj
	run := &store.PipelineRun{ID: uuid.New(), ProjectID: proj.ID, IssueNumber: 5, Stage: store.StageQueued}
	st.runs[run.ID] = run
	fs := &fakeStrategy{stages: []string{"validating", "preview_ready"}, result: strategy.Result{PRNumber: 31}}
	d, sr := newTestDispatcher(st, fs, nil)

	job := &store.Job{ID: uuid.New(), ProjectID: proj.ID, Type: store.JobTypeImplement, IssueNumber: 5, IssueTitle: "Dark mode"}
	require.NoError(t, d.Execute(context.Background(), job))

	require.Len(t, fs.reqs, 1)
	req := fs.reqs[0]
	assert.Equal(t, "acme/web", req.Repo)
	assert.Equal(t, "ghs_project", req.GitHubToken)
	assert.Equal(t, "sk-test", req.Credentials.APIKey)
	require.NotNil(t, req.RunID)
	assert.Equal(t, run.ID, *req.RunID)

	assert.Equal(t, store.StagePreviewReady, run.Stage)
	require.NotNil(t, run.PRNumber)
	assert.Equal(t, 31, *run.PRNumber)
	require.NotNil(t, run.Result)
	assert.Equal(t, store.ResultSuccess, *run.Result)
	assert.Contains(t, st.logs, "info:agent started")

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "feedback.job.execute", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
}

func TestDispatch_ImplementWithoutRunIsPermanent(t *testing.T) {
	t.Parallel()
	st := newMemDispatchStore()
	proj := &store.Project{ID: uuid.New(), GitHubRepo: "acme/web"}
	st.projects[proj.ID] = proj
	fs := &fakeStrategy{}
	d, sr := newTestDispatcher(st, fs, nil)

	err := d.Execute(context.Background(), &store.Job{ID: uuid.New(), ProjectID: proj.ID, Type: store.JobTypeImplement, IssueNumber: 9})
	require.Error(t, err)
	assert.True(t, joberr.IsPermanent(err))
	assert.Empty(t, fs.reqs)
	assert.Equal(t, codes.Error, sr.Ended()[0].Status().Code)
}

func TestDispatch_ImplementStrategyErrorPropagates(t *testing.T) {
	t.Parallel()
	st := newMemDispatchStore()
	proj := &store.Project{ID: uuid.New(), GitHubRepo: "acme/web"}
	st.projects[proj.ID] = proj
	run := &store.PipelineRun{ID: uuid.New(), ProjectID: proj.ID, IssueNumber: 5}
	st.runs[run.ID] = run
	fs := &fakeStrategy{err: errors.New("tests failed")}
	d, _ := newTestDispatcher(st, fs, nil)

	err := d.Execute(context.Background(), &store.Job{ID: uuid.New(), ProjectID: proj.ID, Type: store.JobTypeImplement, IssueNumber: 5})
	require.EqualError(t, err, "tests failed")
	assert.False(t, joberr.IsPermanent(err))
	assert.Nil(t, run.Result, "the run is finished by failure handling, not the dispatcher")
	assert.Contains(t, st.logs, "error:implement failed: tests failed")
}

func TestDispatch_SetupDetectsRepoAndReportsStages(t *testing.T) {
	t.Parallel()
	st := newMemDispatchStore()
	installation := int64(55)
	proj := &store.Project{ID: uuid.New(), GitHubInstallationID: &installation}
	st.projects[proj.ID] = proj
	fs := &fakeStrategy{
		stages: []string{"cloning", "generating", "committing"},
		result: strategy.Result{PRNumber: 1, PRURL: "https://github.com/acme/shop/pull/1"},
	}
	d, _ := newTestDispatcher(st, fs, staticRepos{"acme/shop", "acme/other"})

	require.NoError(t, d.Execute(context.Background(), &store.Job{ID: uuid.New(), ProjectID: proj.ID, Type: store.JobTypeSetup}))

	assert.Equal(t, "acme/shop", proj.GitHubRepo)
	assert.Equal(t, "acme/shop", fs.reqs[0].Repo)
	assert.Equal(t, []store.SetupStatus{
		store.SetupQueued, store.SetupCloning, store.SetupGenerating, store.SetupCommitting, store.SetupPRCreated,
	}, st.setup)
	require.NotNil(t, proj.SetupPRURL)
	assert.Equal(t, "https://github.com/acme/shop/pull/1", *proj.SetupPRURL)
}

func TestDispatch_SetupFailures(t *testing.T) {
	t.Parallel()
	installation := int64(55)
	tests := []struct {
		name      string
		project   store.Project
		repos     RepoLister
		permanent bool
	}{
		{name: "no installation", project: store.Project{GitHubRepo: "acme/shop"}, permanent: true},
		{name: "installation has no repos", project: store.Project{GitHubInstallationID: &installation}, repos: staticRepos{}, permanent: true},
		{name: "app not configured", project: store.Project{GitHubInstallationID: &installation}, permanent: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := newMemDispatchStore()
			proj := tt.project
			proj.ID = uuid.New()
			st.projects[proj.ID] = &proj
			d, _ := newTestDispatcher(st, &fakeStrategy{}, tt.repos)

			err := d.Execute(context.Background(), &store.Job{ID: uuid.New(), ProjectID: proj.ID, Type: store.JobTypeSetup})
			require.Error(t, err)
			assert.Equal(t, tt.permanent, joberr.IsPermanent(err))
			assert.Equal(t, store.SetupFailed, proj.SetupStatus)
			require.NotNil(t, proj.SetupError)
			assert.Equal(t, err.Error(), *proj.SetupError)
		})
	}
}

func TestDispatch_SelfImprove(t *testing.T) {
	t.Parallel()
	st := newMemDispatchStore()
	projectID := uuid.New()
	category := "agent_bug"
	src := &store.PipelineRun{ID: uuid.New(), ProjectID: projectID, FailureCategory: &category}
	st.runs[src.ID] = src
	fs := &fakeStrategy{result: strategy.Result{PRNumber: 88}}
	d, _ := newTestDispatcher(st, fs, nil)

	body, err := strategy.Improvement{FixSummary: "fix X", LogExcerpts: "[error] boom"}.Encode()
	require.NoError(t, err)
	job := &store.Job{ID: uuid.New(), ProjectID: projectID, Type: store.JobTypeSelfImprove, SourceRunID: &src.ID, IssueBody: body}
	require.NoError(t, d.Execute(context.Background(), job))

	req := fs.reqs[0]
	assert.Equal(t, "acme/feedback-chat", req.Repo)
	assert.Equal(t, "ghp_system", req.GitHubToken)
	require.NotNil(t, req.Improvement)
	assert.Equal(t, "fix X", req.Improvement.FixSummary)
	require.NotNil(t, src.ImprovementJobID)
	assert.Equal(t, job.ID, *src.ImprovementJobID)
}

func TestDispatch_SelfImprovePreconditions(t *testing.T) {
	t.Parallel()
	st := newMemDispatchStore()
	unclassified := &store.PipelineRun{ID: uuid.New()}
	st.runs[unclassified.ID] = unclassified
	category := "docs_gap"
	classified := &store.PipelineRun{ID: uuid.New(), FailureCategory: &category}
	st.runs[classified.ID] = classified
	fs := &fakeStrategy{}
	d, _ := newTestDispatcher(st, fs, nil)
	ctx := context.Background()

	err := d.Execute(ctx, &store.Job{ID: uuid.New(), Type: store.JobTypeSelfImprove})
	assert.True(t, joberr.IsPermanent(err), "no source run")

	err = d.Execute(ctx, &store.Job{ID: uuid.New(), Type: store.JobTypeSelfImprove, SourceRunID: &unclassified.ID, IssueBody: `{"fix_summary":"x"}`})
	assert.True(t, joberr.IsPermanent(err), "unclassified source run")

	err = d.Execute(ctx, &store.Job{ID: uuid.New(), Type: store.JobTypeSelfImprove, SourceRunID: &classified.ID, IssueBody: "not json"})
	assert.True(t, joberr.IsPermanent(err), "invalid payload")

	assert.Empty(t, fs.reqs)
}

func TestDispatch_UnknownTypeIsPermanent(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(newMemDispatchStore(), &fakeStrategy{}, nil)
	err := d.Execute(context.Background(), &store.Job{ID: uuid.New(), Type: "deploy"})
	assert.True(t, joberr.IsPermanent(err))
}
