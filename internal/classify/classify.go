// ABOUTME: Failure classifier: asks a text model to categorize a failed run from its evidence.
// ABOUTME: Any transport, parse or validation problem yields ErrUnclassified, never a job failure.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrUnclassified wraps every reason a failure could not be classified.
var ErrUnclassified = errors.New("failure not classified")

// Category is the fixed set of failure causes.
type Category string

const (
	DocsGap       Category = "docs_gap"
	WidgetBug     Category = "widget_bug"
	AgentBug      Category = "agent_bug"
	ConsumerError Category = "consumer_error"
	Transient     Category = "transient"
)

// OwnFault reports whether the failure is within the tool's own control and
// therefore worth a self-improvement job.
func (c Category) OwnFault() bool {
	return c == DocsGap || c == WidgetBug || c == AgentBug
}

// Prompt input bounds, in characters.
const (
	maxIssueBody = 1000
	maxLastError = 1000
	maxLogTail   = 3000
)

// Classification is the model's verdict on one failed run.
type Classification struct {
	Category   Category `json:"category" validate:"required,oneof=docs_gap widget_bug agent_bug consumer_error transient"`
	Analysis   string   `json:"analysis"`
	FixSummary string   `json:"fix_summary"`
}

// LogLine is one run log entry, oldest first.
type LogLine struct {
	Level   string
	Message string
}

// Input is the failure evidence.
type Input struct {
	Logs      []LogLine
	LastError string
	IssueBody string
	JobType   string
}

// Completer sends a single-turn prompt to a text model and returns its reply.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Classifier categorizes failures. It has no persistence side effects.
type Classifier struct {
	completer Completer
	validate  *validator.Validate
}

// New creates a Classifier over c.
func New(c Completer) *Classifier {
	return &Classifier{completer: c, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Classify returns (nil, nil) when there is no evidence at all.
func (c *Classifier) Classify(ctx context.Context, in Input) (*Classification, error) {
	if len(in.Logs) == 0 && in.LastError == "" {
		return nil, nil
	}
	reply, err := c.completer.Complete(ctx, BuildPrompt(in))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnclassified, err)
	}
	return c.parse(reply)
}

func (c *Classifier) parse(reply string) (*Classification, error) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(reply)))
	dec.DisallowUnknownFields()
	var out Classification
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode reply: %w", ErrUnclassified, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrUnclassified)
	}
	if err := c.validate.Struct(out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnclassified, err)
	}
	return &out, nil
}

// BuildPrompt renders the bounded classification prompt.
func BuildPrompt(in Input) string {
	var logs strings.Builder
	for i, l := range in.Logs {
		if i > 0 {
			logs.WriteByte('\n')
		}
		fmt.Fprintf(&logs, "[%s] %s", l.Level, l.Message)
	}

	var b strings.Builder
	b.WriteString(promptHeader)
	fmt.Fprintf(&b, "\nJob type: %s\n", in.JobType)
	fmt.Fprintf(&b, "\nOriginal issue body:\n%s\n", Head(in.IssueBody, maxIssueBody))
	fmt.Fprintf(&b, "\nLast error:\n%s\n", Head(in.LastError, maxLastError))
	fmt.Fprintf(&b, "\nRun logs (last entries):\n%s\n", Tail(logs.String(), maxLogTail))
	b.WriteString(promptFooter)
	return b.String()
}

// Head returns the first n characters of s.
func Head(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Tail returns the last n characters of s.
func Tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

const promptHeader = `You are analyzing a failed agent run. The agent tried to implement a feature on a consumer's repository using the feedback-chat widget.

Classify this failure into ONE of these categories:
- docs_gap: the integration instructions or documented gotchas in the feedback-chat repository are incomplete or wrong, so the agent did not know how to handle a situation that should have been documented.
- widget_bug: the widget's source code has a bug (wrong exports, broken styles, incompatible patterns).
- agent_bug: the agent's own workflow logic is broken (cloning, validation, prompt construction).
- consumer_error: the consumer's fault (bad config, missing env vars, incompatible dependencies, an unusual project structure we should not need to support).
- transient: network timeout, rate limit, flaky CI, GitHub API outage or another temporary issue.
`

const promptFooter = `
Respond with ONLY a JSON object (no markdown, no code fences):
{"category": "one_of_the_five", "analysis": "One paragraph explaining what went wrong and why this category.", "fix_summary": "One sentence: what should be changed in the feedback-chat repository to prevent this. Use 'N/A' for consumer_error and transient."}`
