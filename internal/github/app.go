// ABOUTME: GitHub App authentication: signs app JWTs via ghinstallation and mints installation tokens.
// ABOUTME: Tokens are minted fresh on every call and never cached.
package github

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/golang-jwt/jwt/v5"
	gogithub "github.com/google/go-github/v72/github"
	"golang.org/x/oauth2"
)

// App authenticates as a GitHub App and mints installation access tokens.
type App struct {
	id     int64
	client *Client
	apps   *gogithub.Client
}

// NewApp parses the PEM-encoded RSA private key of app appID. App JWTs ride
// on c's HTTP client transport and timeout.
func NewApp(appID int64, privateKeyPEM []byte, c *Client) (*App, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse github app private key: %w", err)
	}
	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	tr := ghinstallation.NewAppsTransportFromPrivateKey(base, appID, key)
	apps := c.withTransport(&http.Client{Transport: tr, Timeout: c.http.Timeout})
	return &App{id: appID, client: c, apps: apps}, nil
}

// InstallationToken mints a fresh installation access token (about one hour
// of validity). Every call hits the API.
func (a *App) InstallationToken(ctx context.Context, installationID int64) (*oauth2.Token, error) {
	path := fmt.Sprintf("/app/installations/%d/access_tokens", installationID)
	it, resp, err := a.apps.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return nil, apiError(http.MethodPost, path, resp, err)
	}
	if it.GetToken() == "" {
		return nil, fmt.Errorf("github: %s: empty token in response", path)
	}
	return &oauth2.Token{AccessToken: it.GetToken(), TokenType: "Bearer", Expiry: it.GetExpiresAt().Time}, nil
}

// InstallationRepositories lists the repositories visible to an installation.
func (a *App) InstallationRepositories(ctx context.Context, installationID int64) ([]string, error) {
	tok, err := a.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	return a.client.InstallationRepositories(ctx, tok)
}
