// ABOUTME: Constructs the production SSRF-safe HTTP client for outbound API calls.
// ABOUTME: Uses doyensec/safeurl with redirect following disabled.
package httpclient

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// BuildSafeClient returns an SSRF-safe *http.Client for the classifier and
// GitHub API in production. Redirects are not followed. Development and tests
// use a plain client so httptest servers on loopback stay reachable.
func BuildSafeClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}

// Build returns the safe client when safe is true and a plain client with the
// same timeout otherwise.
func Build(safe bool, timeout time.Duration) *http.Client {
	if safe {
		return BuildSafeClient(timeout)
	}
	return &http.Client{Timeout: timeout}
}
