// Package genai wraps the OpenAI chat-completion API behind a small,
// testable client used for classification and reply generation.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/CollectPipe/internal/models"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

var (
	// ErrNoChoicesReturned is returned when the API answers without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrAPIKeyNotSet is returned by NewClient when no API key was provided.
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set")
)

// chatService defines the minimal surface used from the OpenAI SDK.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type openAIChatService struct {
	client openai.Client
}

func (s *openAIChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the completion length. Zero means the API default.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// Client sends chat conversations to the completion API.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int
}

// NewClient creates a Client. The SDK's own retries are disabled; callers
// apply their own retry budget.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	slog.Debug("genai.NewClient: creating client", "model", cfg.Model, "baseURL_set", cfg.BaseURL != "")
	return &Client{
		chat:                &openAIChatService{client: openai.NewClient(reqOpts...)},
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxTokens,
	}, nil
}

// toParams converts a stored conversation into SDK message unions.
func toParams(messages []models.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case models.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case models.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

// Complete sends messages and returns the first choice's content.
// Transport and API failures wrap models.ErrUpstreamUnavailable.
func (c *Client) Complete(ctx context.Context, messages []models.Message) (string, error) {
	msgs, err := toParams(messages)
	if err != nil {
		return "", err
	}
	model := c.model
	if model == "" {
		model = DefaultModel
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    msgs,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxCompletionTokens))
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Warn("genai.Client.Complete: completion request failed", "model", model, "error", err)
		return "", fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	slog.Debug("genai.Client.Complete", "model", model, "messages", len(messages), "length", len(content))
	return content, nil
}
