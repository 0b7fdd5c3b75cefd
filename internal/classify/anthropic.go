// ABOUTME: Completer backed by the Anthropic Messages API through anthropic-sdk-go.
// ABOUTME: Supports API-key and OAuth bearer auth; the HTTP client is injected (safeurl in production).
package classify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	// DefaultModel is the small, cheap model used for classification.
	DefaultModel = "claude-haiku-4-5-20251001"
	// DefaultBaseURL is the Anthropic API.
	DefaultBaseURL = "https://api.anthropic.com"

	oauthBeta      = "oauth-2025-04-20"
	maxReplyTokens = 1024
)

// AnthropicConfig configures the Messages API completer. Exactly one of
// APIKey or OAuthToken should be set; APIKey wins when both are.
type AnthropicConfig struct {
	BaseURL    string
	APIKey     string
	OAuthToken string
	Model      string
}

// Anthropic is a Completer over the Anthropic Messages API.
type Anthropic struct {
	client   anthropic.Client
	model    string
	hasCreds bool
}

// NewAnthropic creates the completer. client should be the production
// safeurl-wrapped client. Classification is best-effort, so the SDK's own
// retries are disabled.
func NewAnthropic(client *http.Client, cfg AnthropicConfig) *Anthropic {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	opts := []option.RequestOption{
		option.WithHTTPClient(client),
		option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/") + "/"),
		option.WithMaxRetries(0),
	}
	switch {
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	case cfg.OAuthToken != "":
		opts = append(opts,
			option.WithAuthToken(cfg.OAuthToken),
			option.WithHeaderDel("x-api-key"),
			option.WithHeader("anthropic-beta", oauthBeta))
	}
	return &Anthropic{
		client:   anthropic.NewClient(opts...),
		model:    cfg.Model,
		hasCreds: cfg.APIKey != "" || cfg.OAuthToken != "",
	}
}

// Complete sends prompt as a single user message and returns the first text block.
func (a *Anthropic) Complete(ctx context.Context, prompt string) (string, error) {
	if !a.hasCreds {
		return "", errors.New("anthropic: no API key or OAuth token configured")
	}
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxReplyTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", errors.New("anthropic: response has no text content")
}
