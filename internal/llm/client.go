// Package llm provides LLM integration for the agent.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Client handles Anthropic Messages API calls
type Client struct {
	client    anthropic.Client
	apiKey    string
	model     string
	maxTokens int64
	timeout   time.Duration
}

// Config for LLM client
type Config struct {
	APIKey     string // Anthropic API key
	BaseURL    string // API base URL
	Model      string // Model to use
	MaxTokens  int64
	Timeout    time.Duration
	MaxRetries int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		APIKey:     os.Getenv("ANTHROPIC_API_KEY"),
		BaseURL:    "https://api.anthropic.com",
		Model:      "claude-sonnet-4-20250514",
		MaxTokens:  1024,
		Timeout:    60 * time.Second,
		MaxRetries: 2,
	}
}

// NewClient creates a new LLM client
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}

	return &Client{
		client: anthropic.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL),
			option.WithMaxRetries(cfg.MaxRetries),
			option.WithRequestTimeout(cfg.Timeout),
		),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}
}

// Message represents a conversation message
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Name identifies the backend in router stats
func (c *Client) Name() Provider { return ProviderAnthropic }

// Chat is a convenience method for simple chat
func (c *Client) Chat(ctx context.Context, system, userMessage string) (string, error) {
	return c.ChatWithHistory(ctx, system, []Message{{Role: "user", Content: userMessage}})
}

// ChatWithHistory handles multi-turn conversation
func (c *Client) ChatWithHistory(ctx context.Context, system string, messages []Message) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", wrapAPIError("anthropic", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

// IsConfigured checks if API key is set
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// Errors returned by backends.
var (
	ErrNotConfigured = errors.New("llm: provider not configured")
	ErrEmptyResponse = errors.New("llm: empty response")
	ErrNoProviders   = errors.New("llm: no providers available")
)

// APIError carries the HTTP status of a failed provider call.
type APIError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error %d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

func wrapAPIError(provider string, err error) error {
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return &APIError{Provider: provider, StatusCode: ae.StatusCode, Err: err}
	}
	return fmt.Errorf("%s request failed: %w", provider, err)
}
