// ABOUTME: Integration tests for pipeline runs, run logs, projects and credentials.
// ABOUTME: Uses testutil.NewTestDB; each test runs against a real Postgres testcontainer.
package store_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/feedback-worker/internal/store"
	"github.com/scarson/feedback-worker/internal/testutil"
)

func TestLatestRunForIssue_PicksMostRecent(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	proj := s.MustCreateProject(t, store.CreateProjectParams{GitHubRepo: "acme/web"})

	_, older := s.MustEnqueueIssueJob(t, proj.ID, 5)
	_, newer := s.MustEnqueueIssueJob(t, proj.ID, 5)
	s.MustEnqueueIssueJob(t, proj.ID, 6)

	run, err := s.LatestRunForIssue(ctx, proj.ID, 5)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, newer.ID, run.ID)
	assert.NotEqual(t, older.ID, run.ID)
	assert.Equal(t, store.StageQueued, run.Stage)

	none, err := s.LatestRunForIssue(ctx, proj.ID, 99)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRunMutations(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	proj := s.MustCreateProject(t, store.CreateProjectParams{GitHubRepo: "acme/web"})
	jobID, run := s.MustEnqueueIssueJob(t, proj.ID, 8)

	require.NoError(t, s.SetRunStage(ctx, run.ID, store.StageRunning))
	require.NoError(t, s.SetRunPullRequest(ctx, run.ID, 42))
	require.NoError(t, s.SetRunFailure(ctx, run.ID, "agent_bug", "clone step used the wrong branch"))
	require.NoError(t, s.LinkImprovementJob(ctx, run.ID, jobID))
	require.NoError(t, s.FinishRun(ctx, run.ID, store.ResultFailed, store.StageFailed))

	got, err := s.GetPipelineRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StageFailed, got.Stage)
	require.NotNil(t, got.PRNumber)
	assert.Equal(t, 42, *got.PRNumber)
	require.NotNil(t, got.FailureCategory)
	assert.Equal(t, "agent_bug", *got.FailureCategory)
	require.NotNil(t, got.ImprovementJobID)
	assert.Equal(t, jobID, *got.ImprovementJobID)
	require.NotNil(t, got.Result)
	assert.Equal(t, store.ResultFailed, *got.Result)
	assert.NotNil(t, got.CompletedAt)

	err = s.SetRunStage(ctx, uuid.New(), store.StageRunning)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.SetRunFailure(ctx, run.ID, "cosmic_rays", "")
	assert.Error(t, err, "category outside the fixed set is rejected by the schema")
}

func TestRunLogs_Ordering(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	proj := s.MustCreateProject(t, store.CreateProjectParams{GitHubRepo: "acme/web"})
	_, run := s.MustEnqueueIssueJob(t, proj.ID, 9)

	for i := range 5 {
		require.NoError(t, s.AppendRunLog(ctx, run.ID, "info", fmt.Sprintf("line %d", i)))
	}

	recent, err := s.RecentRunLogs(ctx, run.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, messages(recent))

	all, err := s.ListRunLogs(ctx, run.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, []string{"line 0", "line 1", "line 2", "line 3", "line 4"}, messages(all))
}

func messages(logs []store.RunLog) []string {
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.Message
	}
	return out
}

func TestProjectSetupAndCredentials(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	installation := int64(1234)
	proj := s.MustCreateProject(t, store.CreateProjectParams{GitHubInstallationID: &installation})

	require.NoError(t, s.SetProjectRepo(ctx, proj.ID, "acme/shop"))
	prURL := "https://github.com/acme/shop/pull/1"
	require.NoError(t, s.SetSetupStatus(ctx, proj.ID, store.SetupUpdate{Status: store.SetupPRCreated, PRURL: &prURL}))

	got, err := s.GetProject(ctx, proj.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme/shop", got.GitHubRepo)
	assert.Equal(t, store.SetupPRCreated, got.SetupStatus)
	require.NotNil(t, got.SetupPRURL)
	assert.Equal(t, prURL, *got.SetupPRURL)
	require.NotNil(t, got.GitHubInstallationID)
	assert.Equal(t, installation, *got.GitHubInstallationID)

	cred, err := s.GetCredential(ctx, proj.ID)
	require.NoError(t, err)
	assert.Nil(t, cred)

	require.NoError(t, s.PutCredential(ctx, store.Credential{ProjectID: proj.ID, Type: store.CredentialAPIKey, Value: "sk-one"}))
	require.NoError(t, s.PutCredential(ctx, store.Credential{ProjectID: proj.ID, Type: store.CredentialOAuthToken, Value: "oauth-two"}))

	cred, err = s.GetCredential(ctx, proj.ID)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, store.CredentialOAuthToken, cred.Type)
	assert.Equal(t, "oauth-two", cred.Value)
}

func TestEnqueueSetupJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	proj := s.MustCreateProject(t, store.CreateProjectParams{})

	jobID, err := s.EnqueueSetupJob(ctx, proj.ID)
	require.NoError(t, err)

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobTypeSetup, job.Type)
	assert.Equal(t, store.JobPending, job.Status)

	got, err := s.GetProject(ctx, proj.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SetupQueued, got.SetupStatus)

	_, err = s.EnqueueSetupJob(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
