package joberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPermanent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network timeout", errors.New("network timeout"), false},
		{"invalid grant", errors.New("invalid_grant: token expired"), true},
		{"invalid api key", errors.New("Invalid API key provided"), true},
		{"anthropic auth", errors.New(`{"type":"authentication_error"}`), true},
		{"github bad credentials", errors.New("GET /repos: Bad credentials"), true},
		{"http 401", errors.New("request failed with status 401"), true},
		{"port 4010 is not 401", errors.New("dial tcp 127.0.0.1:4010: connection refused"), false},
		{"expired token", errors.New("expired token"), true},
		{"sentinel", Permanent(errors.New("project has no installation")), true},
		{"wrapped sentinel", fmt.Errorf("setup: %w", Permanent(errors.New("no repo"))), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsPermanent(tt.err))
		})
	}
}

func TestPermanent_KeepsMessage(t *testing.T) {
	t.Parallel()
	base := errors.New("no credentials configured")
	err := Permanent(base)
	assert.Equal(t, "no credentials configured", err.Error())
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, base)
	assert.NoError(t, Permanent(nil))
}
