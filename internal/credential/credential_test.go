package credential

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/scarson/feedback-worker/internal/joberr"
	"github.com/scarson/feedback-worker/internal/store"
)

type fakeCredStore struct {
	cred *store.Credential
	err  error
}

func (f fakeCredStore) GetCredential(context.Context, uuid.UUID) (*store.Credential, error) {
	return f.cred, f.err
}

func TestResolve(t *testing.T) {
	t.Parallel()
	projectID := uuid.New()
	system := Credentials{APIKey: "sk-system"}

	tests := []struct {
		name     string
		store    fakeCredStore
		fallback Credentials
		want     Credentials
		wantErr  error
	}{
		{
			name:     "project api key wins over system",
			store:    fakeCredStore{cred: &store.Credential{Type: store.CredentialAPIKey, Value: "sk-project"}},
			fallback: system,
			want:     Credentials{APIKey: "sk-project"},
		},
		{
			name:  "project oauth token",
			store: fakeCredStore{cred: &store.Credential{Type: store.CredentialOAuthToken, Value: "oauth"}},
			want:  Credentials{OAuthToken: "oauth"},
		},
		{
			name:     "falls back to system",
			fallback: system,
			want:     system,
		},
		{
			name:    "neither is permanent",
			wantErr: ErrNoCredentials,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NewResolver(tt.store, tt.fallback).Resolve(context.Background(), projectID)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.True(t, joberr.IsPermanent(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_StoreErrorIsRetryable(t *testing.T) {
	t.Parallel()
	r := NewResolver(fakeCredStore{err: errors.New("connection reset")}, Credentials{APIKey: "sk"})
	_, err := r.Resolve(context.Background(), uuid.New())
	require.Error(t, err)
	assert.False(t, joberr.IsPermanent(err))
}

func TestCredentials_Env(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"ANTHROPIC_API_KEY=sk"}, Credentials{APIKey: "sk"}.Env())
	assert.Equal(t, []string{"CLAUDE_CODE_OAUTH_TOKEN=tok"}, Credentials{OAuthToken: "tok"}.Env())
	assert.Empty(t, Credentials{}.Env())
}

type fakeProjects map[uuid.UUID]*store.Project

func (f fakeProjects) GetProject(_ context.Context, id uuid.UUID) (*store.Project, error) {
	return f[id], nil
}

type countingMinter struct{ calls int }

func (m *countingMinter) InstallationToken(_ context.Context, id int64) (*oauth2.Token, error) {
	m.calls++
	return &oauth2.Token{AccessToken: "ghs_installation", TokenType: "Bearer"}, nil
}

func TestTokenResolver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	installation := int64(77)
	linked := &store.Project{ID: uuid.New(), GitHubInstallationID: &installation}
	plain := &store.Project{ID: uuid.New()}
	projects := fakeProjects{linked.ID: linked, plain.ID: plain}

	t.Run("installation token minted on every call", func(t *testing.T) {
		t.Parallel()
		m := &countingMinter{}
		r := NewTokenResolver(projects, m, "ghp_system")
		for range 2 {
			tok, err := r.Token(ctx, linked.ID)
			require.NoError(t, err)
			assert.Equal(t, "ghs_installation", tok.AccessToken)
		}
		assert.Equal(t, 2, m.calls)
	})

	t.Run("falls back to system token", func(t *testing.T) {
		t.Parallel()
		r := NewTokenResolver(projects, &countingMinter{}, "ghp_system")
		tok, err := r.Token(ctx, plain.ID)
		require.NoError(t, err)
		assert.Equal(t, "ghp_system", tok.AccessToken)
	})

	t.Run("app not configured uses system token", func(t *testing.T) {
		t.Parallel()
		r := NewTokenResolver(projects, nil, "ghp_system")
		tok, err := r.Token(ctx, linked.ID)
		require.NoError(t, err)
		assert.Equal(t, "ghp_system", tok.AccessToken)
	})

	t.Run("no source is permanent", func(t *testing.T) {
		t.Parallel()
		r := NewTokenResolver(projects, nil, "")
		_, err := r.Token(ctx, plain.ID)
		require.ErrorIs(t, err, ErrNoAccessToken)
		assert.True(t, joberr.IsPermanent(err))
	})

	t.Run("unknown project is permanent", func(t *testing.T) {
		t.Parallel()
		r := NewTokenResolver(projects, nil, "ghp_system")
		_, err := r.Token(ctx, uuid.New())
		assert.True(t, joberr.IsPermanent(err))
	})
}
