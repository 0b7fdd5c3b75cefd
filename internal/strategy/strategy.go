// Package strategy defines the execution strategies a dispatched job runs
// (implement, bootstrap setup, self-patch) and the production implementation
// that drives an external coding agent process.
package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/scarson/feedback-worker/internal/credential"
)

// Mode is passed to the agent as its final argument.
type Mode string

const (
	ModeImplement   Mode = "implement"
	ModeSetup       Mode = "setup"
	ModeSelfImprove Mode = "self-improve"
)

// Request is everything a strategy needs to perform one job. Secrets are
// excluded from the JSON form and passed out of band.
type Request struct {
	JobID       uuid.UUID    `json:"job_id"`
	ProjectID   uuid.UUID    `json:"project_id"`
	RunID       *uuid.UUID   `json:"run_id,omitempty"`
	Repo        string       `json:"repo"`
	IssueNumber int          `json:"issue_number,omitempty"`
	IssueTitle  string       `json:"issue_title,omitempty"`
	IssueBody   string       `json:"issue_body,omitempty"`
	Improvement *Improvement `json:"improvement,omitempty"`

	Credentials credential.Credentials `json:"-"`
	GitHubToken string                 `json:"-"`
}

// Result is what a successful strategy produced. PRNumber is zero when no
// pull request was opened.
type Result struct {
	PRNumber int    `json:"pr_number"`
	PRURL    string `json:"pr_url"`
}

// Reporter receives progress from a running strategy.
type Reporter interface {
	Log(ctx context.Context, level, message string)
	// Stage reports a sub-stage transition (run stage for implement jobs,
	// setup status for setup jobs).
	Stage(ctx context.Context, stage string)
}

// Implementer performs an issue's change and opens a pull request.
type Implementer interface {
	Implement(ctx context.Context, req Request, rep Reporter) (Result, error)
}

// Bootstrapper clones the consumer repository, generates integration files
// and opens the setup pull request.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, req Request, rep Reporter) (Result, error)
}

// SelfPatcher applies an improvement to the tool's own repository.
type SelfPatcher interface {
	SelfPatch(ctx context.Context, req Request, rep Reporter) (Result, error)
}

// Improvement is the guidance carried in a self_improve job's issue_body.
type Improvement struct {
	FixSummary        string `json:"fix_summary" validate:"required"`
	OriginalIssueBody string `json:"original_issue_body"`
	LogExcerpts       string `json:"log_excerpts"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Encode returns the JSON stored in issue_body.
func (imp Improvement) Encode() (string, error) {
	b, err := json.Marshal(imp)
	if err != nil {
		return "", fmt.Errorf("encode improvement: %w", err)
	}
	return string(b), nil
}

// ParseImprovement decodes and validates a self_improve payload.
func ParseImprovement(raw string) (*Improvement, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var imp Improvement
	if err := dec.Decode(&imp); err != nil {
		return nil, fmt.Errorf("parse improvement payload: %w", err)
	}
	if dec.More() {
		return nil, errors.New("parse improvement payload: trailing data")
	}
	if err := validate.Struct(imp); err != nil {
		return nil, fmt.Errorf("invalid improvement payload: %w", err)
	}
	return &imp, nil
}
