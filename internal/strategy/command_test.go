package strategy

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/feedback-worker/internal/credential"
)

type recorder struct {
	mu     sync.Mutex
	logs   []string
	stages []string
}

func (r *recorder) Log(_ context.Context, level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, level+":"+message)
}

func (r *recorder) Stage(_ context.Context, stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

// shellStrategy runs script under sh; the mode arrives as $1.
func shellStrategy(t *testing.T, script string) *CommandStrategy {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return NewCommand("sh", []string{"-c", script, "agent"}, t.TempDir())
}

func TestCommandStrategy_EventProtocol(t *testing.T) {
	t.Parallel()
	s := shellStrategy(t, `
read -r payload
echo "mode=$1"
echo '{"type":"stage","stage":"validating"}'
echo '{"type":"log","level":"warn","message":"lint warnings"}'
case "$payload" in *'"issue_number":7'*) echo "saw issue";; esac
[ -n "$ANTHROPIC_API_KEY" ] && echo "has key"
echo '{"type":"result","pr_number":12,"pr_url":"https://github.com/acme/web/pull/12"}'
`)
	rep := &recorder{}
	res, err := s.Implement(context.Background(), Request{
		JobID:       uuid.New(),
		Repo:        "acme/web",
		IssueNumber: 7,
		Credentials: credential.Credentials{APIKey: "sk-test"},
	}, rep)
	require.NoError(t, err)

	assert.Equal(t, Result{PRNumber: 12, PRURL: "https://github.com/acme/web/pull/12"}, res)
	assert.Equal(t, []string{"validating"}, rep.stages)
	assert.Equal(t, []string{"info:mode=implement", "warn:lint warnings", "info:saw issue", "info:has key"}, rep.logs)
}

func TestCommandStrategy_SecretsNotInPayload(t *testing.T) {
	t.Parallel()
	s := shellStrategy(t, `cat`)
	rep := &recorder{}
	_, err := s.SelfPatch(context.Background(), Request{
		Credentials: credential.Credentials{OAuthToken: "oauth-secret"},
		GitHubToken: "ghp_secret",
	}, rep)
	require.NoError(t, err)
	joined := strings.Join(rep.logs, "\n")
	assert.NotContains(t, joined, "oauth-secret")
	assert.NotContains(t, joined, "ghp_secret")
}

func TestCommandStrategy_NonZeroExitCarriesStderr(t *testing.T) {
	t.Parallel()
	s := shellStrategy(t, `echo "cloning"; echo "fatal: invalid_grant" >&2; exit 3`)
	rep := &recorder{}
	_, err := s.Bootstrap(context.Background(), Request{}, rep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent setup failed")
	assert.Contains(t, err.Error(), "fatal: invalid_grant")
	assert.Equal(t, []string{"info:cloning"}, rep.logs)
}

func TestTailBuffer_KeepsLastLines(t *testing.T) {
	t.Parallel()
	b := &tailBuffer{max: 2}
	_, _ = b.Write([]byte("one\ntwo\nthr"))
	_, _ = b.Write([]byte("ee\nfour"))
	assert.Equal(t, "three\nfour", b.String())
}

func TestParseImprovement(t *testing.T) {
	t.Parallel()
	raw, err := Improvement{FixSummary: "fix X", OriginalIssueBody: "body", LogExcerpts: "[error] boom"}.Encode()
	require.NoError(t, err)
	assert.Contains(t, raw, `"fix_summary":"fix X"`)

	imp, err := ParseImprovement(raw)
	require.NoError(t, err)
	assert.Equal(t, "fix X", imp.FixSummary)

	for _, bad := range []string{
		``,
		`not json`,
		`{"original_issue_body":"x"}`,
		`{"fix_summary":"x","extra":1}`,
		`{"fix_summary":"x"} {"fix_summary":"y"}`,
	} {
		_, err := ParseImprovement(bad)
		assert.Error(t, err, "payload %q", bad)
	}
}
