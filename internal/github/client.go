// ABOUTME: GitHub REST client over go-github: issue comments, labels, installation repositories.
// ABOUTME: Requests are authenticated per call with an oauth2 token (installation or personal).
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gogithub "github.com/google/go-github/v72/github"
	"golang.org/x/oauth2"
)

// DefaultBaseURL is the public GitHub REST API.
const DefaultBaseURL = "https://api.github.com"

// APIError is a non-2xx response from the GitHub API. Its message carries the
// status code so credential failures (401) are recognized as permanent.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: %s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Client talks to the GitHub REST API.
type Client struct {
	http *http.Client
	base *url.URL
	gh   *gogithub.Client
}

// NewClient creates a Client. Pass nil hc to use http.DefaultClient and an
// empty baseURL to use DefaultBaseURL.
func NewClient(hc *http.Client, baseURL string) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		base, _ = url.Parse(DefaultBaseURL + "/") //nolint:errcheck // constant URL
	}
	c := &Client{http: hc, base: base}
	c.gh = c.withTransport(hc)
	return c
}

// withTransport builds a go-github client over hc pointed at c.base.
func (c *Client) withTransport(hc *http.Client) *gogithub.Client {
	gh := gogithub.NewClient(hc)
	gh.BaseURL = c.base
	gh.UserAgent = "feedback-worker"
	return gh
}

// as returns a go-github client that sends tok on every request.
func (c *Client) as(tok *oauth2.Token) *gogithub.Client {
	return c.gh.WithAuthToken(tok.AccessToken)
}

// apiError converts a go-github failure into an *APIError when the API
// answered, and wraps transport errors otherwise.
func apiError(method, path string, resp *gogithub.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp == nil || resp.Response == nil {
		return fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	msg := http.StatusText(resp.StatusCode)
	var errResp *gogithub.ErrorResponse
	if errors.As(err, &errResp) && errResp.Message != "" {
		msg = errResp.Message
	}
	return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: msg}
}

func splitRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("github: invalid repository %q (want owner/name)", repo)
	}
	return owner, name, nil
}

func issuePath(repo string, issue int, suffix string) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/repos/%s/%s/issues/%d%s", url.PathEscape(owner), url.PathEscape(name), issue, suffix), nil
}

// CreateComment posts a comment on an issue.
func (c *Client) CreateComment(ctx context.Context, tok *oauth2.Token, repo string, issue int, body string) error {
	path, err := issuePath(repo, issue, "/comments")
	if err != nil {
		return err
	}
	owner, name, _ := splitRepo(repo) //nolint:errcheck // validated by issuePath
	_, resp, err := c.as(tok).Issues.CreateComment(ctx, owner, name, issue, &gogithub.IssueComment{Body: &body})
	return apiError(http.MethodPost, path, resp, err)
}

// AddLabels adds labels to an issue.
func (c *Client) AddLabels(ctx context.Context, tok *oauth2.Token, repo string, issue int, labels ...string) error {
	path, err := issuePath(repo, issue, "/labels")
	if err != nil {
		return err
	}
	owner, name, _ := splitRepo(repo) //nolint:errcheck // validated by issuePath
	_, resp, err := c.as(tok).Issues.AddLabelsToIssue(ctx, owner, name, issue, labels)
	return apiError(http.MethodPost, path, resp, err)
}

// RemoveLabel removes a label from an issue. A label that is not present is
// not an error.
func (c *Client) RemoveLabel(ctx context.Context, tok *oauth2.Token, repo string, issue int, label string) error {
	path, err := issuePath(repo, issue, "/labels/"+url.PathEscape(label))
	if err != nil {
		return err
	}
	owner, name, _ := splitRepo(repo) //nolint:errcheck // validated by issuePath
	resp, err := c.as(tok).Issues.RemoveLabelForIssue(ctx, owner, name, issue, label)
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return apiError(http.MethodDelete, path, resp, err)
}

// InstallationRepositories lists owner/name of every repository the
// installation token can access, in the order GitHub returns them.
func (c *Client) InstallationRepositories(ctx context.Context, tok *oauth2.Token) ([]string, error) {
	gh := c.as(tok)
	opts := &gogithub.ListOptions{PerPage: 100}
	var repos []string
	for {
		page, resp, err := gh.Apps.ListRepos(ctx, opts)
		if err != nil {
			return nil, apiError(http.MethodGet, "/installation/repositories", resp, err)
		}
		for _, r := range page.Repositories {
			repos = append(repos, r.GetFullName())
		}
		if resp.NextPage == 0 {
			return repos, nil
		}
		opts.Page = resp.NextPage
	}
}
