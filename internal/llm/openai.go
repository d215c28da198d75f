package llm

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient talks to the Chat Completions API. Any compatible endpoint
// (Azure OpenAI, a local Ollama) works by pointing BaseURL at it.
type OpenAIClient struct {
	client  openai.Client
	apiKey  string
	model   string
	baseURL string
}

// OpenAIConfig for the Chat Completions client
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// DefaultOpenAIConfig returns sensible defaults
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		APIKey:     os.Getenv("OPENAI_API_KEY"),
		BaseURL:    "https://api.openai.com/v1/",
		Model:      "gpt-4o-mini",
		Timeout:    60 * time.Second,
		MaxRetries: 2,
	}
}

// NewOpenAIClient creates a new Chat Completions client
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	def := DefaultOpenAIConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}

	return &OpenAIClient{
		client: openai.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL),
			option.WithMaxRetries(cfg.MaxRetries),
			option.WithRequestTimeout(cfg.Timeout),
		),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: cfg.BaseURL,
	}
}

// Name identifies the backend in router stats
func (c *OpenAIClient) Name() Provider { return ProviderOpenAI }

// Chat sends a system + user message pair
func (c *OpenAIClient) Chat(ctx context.Context, system, userMessage string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(userMessage))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	})
	if err != nil {
		var oe *openai.Error
		if errors.As(err, &oe) {
			return "", &APIError{Provider: "openai", StatusCode: oe.StatusCode, Err: err}
		}
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// IsConfigured checks if API key is set. Local endpoints accept any key, so
// a non-default base URL also counts.
func (c *OpenAIClient) IsConfigured() bool {
	return c.apiKey != "" || c.baseURL != DefaultOpenAIConfig().BaseURL
}
