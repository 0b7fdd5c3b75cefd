// ABOUTME: GitHub issues webhook: verifies the delivery signature and enqueues implement jobs.
// ABOUTME: Only labelled, newly opened or reopened issues that are not already being worked are accepted.
package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/scarson/feedback-worker/internal/github"
	"github.com/scarson/feedback-worker/internal/store"
)

const signatureHeader = "X-Hub-Signature-256"

var errBadSignature = errors.New("invalid webhook signature")

// issuesEvent is the subset of the GitHub "issues" webhook payload we read.
type issuesEvent struct {
	Action string `json:"action" validate:"required"`
	Issue  struct {
		Number int    `json:"number" validate:"gt=0"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"issue"`
}

func (e *issuesEvent) labels() []string {
	names := make([]string, 0, len(e.Issue.Labels))
	for _, l := range e.Issue.Labels {
		names = append(names, l.Name)
	}
	return names
}

// skipReason returns why the event does not start a run, or "" if it should.
func (e *issuesEvent) skipReason() string {
	if e.Action != "opened" && e.Action != "reopened" {
		return "action " + e.Action
	}
	labels := e.labels()
	if !slices.Contains(labels, github.LabelFeedbackBot) {
		return "missing label " + github.LabelFeedbackBot
	}
	for _, busy := range []string{github.LabelInProgress, github.LabelAgentFailed} {
		if slices.Contains(labels, busy) {
			return "has label " + busy
		}
	}
	return ""
}

// verifySignature checks a "sha256=<hex>" HMAC of body under secret.
func verifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return errBadSignature
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return errBadSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return errBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errBadSignature
	}
	return nil
}

// webhookResponse is the JSON body returned to GitHub.
type webhookResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	JobID  string `json:"job_id,omitempty"`
	RunID  string `json:"run_id,omitempty"`
}

// githubWebhookHandler handles POST /webhooks/github/{project_id}.
func (srv *Server) githubWebhookHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID, err := uuid.Parse(chi.URLParam(r, "project_id"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	proj, err := srv.store.GetProject(ctx, projectID)
	if err != nil {
		slog.ErrorContext(ctx, "webhook: load project", "project_id", projectID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if proj == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err := verifySignature(proj.WebhookSecret, body, r.Header.Get(signatureHeader)); err != nil {
		slog.WarnContext(ctx, "webhook: signature rejected", "project_id", projectID)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	switch event := r.Header.Get("X-GitHub-Event"); event {
	case "ping":
		writeJSON(w, http.StatusOK, webhookResponse{Status: "pong"})
		return
	case "issues":
	default:
		writeJSON(w, http.StatusAccepted, webhookResponse{Status: "ignored", Reason: "event " + event})
		return
	}

	var ev issuesEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := srv.validate.Struct(&ev); err != nil {
		http.Error(w, "invalid payload: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if reason := ev.skipReason(); reason != "" {
		writeJSON(w, http.StatusAccepted, webhookResponse{Status: "ignored", Reason: reason})
		return
	}

	var triggeredBy *string
	if login := ev.Issue.User.Login; login != "" {
		triggeredBy = &login
	}
	jobID, run, err := srv.store.EnqueueIssueJob(ctx, store.IssueJobParams{
		ProjectID:   projectID,
		IssueNumber: ev.Issue.Number,
		IssueTitle:  ev.Issue.Title,
		IssueBody:   ev.Issue.Body,
		TriggeredBy: triggeredBy,
	})
	if err != nil {
		slog.ErrorContext(ctx, "webhook: enqueue issue job", "project_id", projectID, "issue", ev.Issue.Number, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	slog.InfoContext(ctx, "webhook: issue job enqueued",
		"project_id", projectID, "issue", ev.Issue.Number, "job_id", jobID, "run_id", run.ID)
	writeJSON(w, http.StatusAccepted, webhookResponse{Status: "queued", JobID: jobID.String(), RunID: run.ID.String()})
}
