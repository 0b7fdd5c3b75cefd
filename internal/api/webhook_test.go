package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()
	body := []byte(`{"action":"opened"}`)
	tests := []struct {
		name   string
		secret string
		header string
		ok     bool
	}{
		{name: "valid", secret: "s3cret", header: sign("s3cret", body), ok: true},
		{name: "wrong secret", secret: "s3cret", header: sign("other", body)},
		{name: "missing prefix", secret: "s3cret", header: sign("s3cret", body)[len("sha256="):]},
		{name: "not hex", secret: "s3cret", header: "sha256=zz"},
		{name: "empty header", secret: "s3cret"},
		{name: "project without secret", header: sign("", body)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := verifySignature(tt.secret, body, tt.header)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errBadSignature)
			}
		})
	}
}

func event(action string, labels ...string) *issuesEvent {
	ev := &issuesEvent{Action: action}
	ev.Issue.Number = 1
	for _, l := range labels {
		ev.Issue.Labels = append(ev.Issue.Labels, struct {
			Name string `json:"name"`
		}{Name: l})
	}
	return ev
}

func TestIssuesEvent_SkipReason(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   *issuesEvent
		want string
	}{
		{name: "opened with label", ev: event("opened", "feedback-bot"), want: ""},
		{name: "reopened with label", ev: event("reopened", "enhancement", "feedback-bot"), want: ""},
		{name: "edited", ev: event("edited", "feedback-bot"), want: "action edited"},
		{name: "unlabelled", ev: event("opened", "bug"), want: "missing label feedback-bot"},
		{name: "already running", ev: event("reopened", "feedback-bot", "in-progress"), want: "has label in-progress"},
		{name: "previously failed", ev: event("reopened", "feedback-bot", "agent-failed"), want: "has label agent-failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.ev.skipReason())
		})
	}
}
