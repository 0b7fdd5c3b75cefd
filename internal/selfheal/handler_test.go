// ABOUTME: Integration tests for failure handling: classification persistence and spawn policy.
// ABOUTME: Uses testutil.NewTestDB with a scripted completer in place of the text model.
package selfheal_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/feedback-worker/internal/classify"
	"github.com/scarson/feedback-worker/internal/selfheal"
	"github.com/scarson/feedback-worker/internal/store"
	"github.com/scarson/feedback-worker/internal/strategy"
	"github.com/scarson/feedback-worker/internal/testutil"
)

type scripted struct {
	reply string
	calls int
}

func (s *scripted) Complete(context.Context, string) (string, error) {
	s.calls++
	return s.reply, nil
}

func failedImplementJob(t *testing.T, s *testutil.TestDB, issue int) (*store.Job, *store.PipelineRun) {
	t.Helper()
	ctx := context.Background()
	proj := s.MustCreateProject(t, store.CreateProjectParams{GitHubRepo: "acme/web"})
	jobID, run := s.MustEnqueueIssueJob(t, proj.ID, issue)
	for i := range 120 {
		require.NoError(t, s.AppendRunLog(ctx, run.ID, "info", fmt.Sprintf("step %03d", i)))
	}
	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	return job, run
}

func TestHandleFailure_ConsumerErrorDoesNotSpawn(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	job, run := failedImplementJob(t, s, 21)

	c := &scripted{reply: `{"category":"consumer_error","analysis":"missing NEXT_PUBLIC_URL","fix_summary":"N/A"}`}
	selfheal.NewHandler(s, classify.New(c)).HandleFailure(ctx, job, "Failed after 3 attempts: build failed")

	got, err := s.GetPipelineRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FailureCategory)
	assert.Equal(t, "consumer_error", *got.FailureCategory)
	require.NotNil(t, got.FailureAnalysis)
	assert.Equal(t, "missing NEXT_PUBLIC_URL", *got.FailureAnalysis)
	assert.Equal(t, store.StageFailed, got.Stage)
	assert.Nil(t, got.ImprovementJobID)

	n, err := s.CountJobs(ctx, job.ProjectID, store.JobTypeSelfImprove)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandleFailure_AgentBugSpawnsSelfImprove(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	job, run := failedImplementJob(t, s, 22)

	c := &scripted{reply: `{"category":"agent_bug","analysis":"validation loop never exits","fix_summary":"fix X"}`}
	selfheal.NewHandler(s, classify.New(c)).HandleFailure(ctx, job, "Permanent error (no retry): boom")

	next, err := s.ClaimNextJob(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, next, "implement job is still pending, so it is claimed first")
	assert.Equal(t, job.ID, next.ID)

	spawned, err := s.ClaimNextJob(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, spawned)
	assert.Equal(t, store.JobTypeSelfImprove, spawned.Type)
	assert.Equal(t, 0, spawned.IssueNumber)
	require.NotNil(t, spawned.SourceRunID)
	assert.Equal(t, run.ID, *spawned.SourceRunID)
	assert.Equal(t, "Self-improvement: agent_bug", spawned.IssueTitle)
	assert.Contains(t, spawned.IssueBody, `"fix_summary":"fix X"`)

	imp, err := strategy.ParseImprovement(spawned.IssueBody)
	require.NoError(t, err)
	// Newest 100 rows, chronological: step 020 .. step 119.
	assert.True(t, strings.HasSuffix(imp.LogExcerpts, "[info] step 119"))
	assert.NotContains(t, imp.LogExcerpts, "step 019")
	assert.LessOrEqual(t, len([]rune(imp.LogExcerpts)), 3000)
}

func TestHandleFailure_RecursionGuard(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	job, _ := failedImplementJob(t, s, 23)

	c := &scripted{reply: `{"category":"agent_bug","analysis":"a","fix_summary":"b"}`}
	h := selfheal.NewHandler(s, classify.New(c))
	for _, jt := range []store.JobType{store.JobTypeSelfImprove, store.JobTypeSetup} {
		guarded := *job
		guarded.Type = jt
		h.HandleFailure(ctx, &guarded, "boom")
	}
	assert.Zero(t, c.calls)
}

func TestHandleFailure_UnclassifiedIsSoft(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	job, run := failedImplementJob(t, s, 24)

	c := &scripted{reply: "I think it is a transient failure."}
	selfheal.NewHandler(s, classify.New(c)).HandleFailure(ctx, job, "boom")

	got, err := s.GetPipelineRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, got.FailureCategory)
	assert.Equal(t, store.StageFailed, got.Stage)
}

func TestHandleFailure_OwnFaultWithoutGuidanceDoesNotSpawn(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	job, run := failedImplementJob(t, s, 25)

	c := &scripted{reply: `{"category":"agent_bug","analysis":"","fix_summary":""}`}
	selfheal.NewHandler(s, classify.New(c)).HandleFailure(ctx, job, "boom")

	got, err := s.GetPipelineRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FailureCategory)
	assert.Equal(t, "agent_bug", *got.FailureCategory)
	assert.Nil(t, got.ImprovementJobID)

	n, err := s.CountJobs(ctx, job.ProjectID, store.JobTypeSelfImprove)
	require.NoError(t, err)
	assert.Zero(t, n)
}
