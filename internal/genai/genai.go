// Package genai wraps the OpenAI API for conversational extraction.
//
// It exposes a small interface so flows can be tested against a mock without
// network access. Every call carries a hard timeout; the caller decides how
// to degrade when the upstream model is unavailable.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// DefaultTimeout bounds a single chat completion call.
const DefaultTimeout = 30 * time.Second

// DefaultModel is the chat model used when none is configured.
var DefaultModel = openai.ChatModelGPT4oMini

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior conversation turn passed to the model.
type Message struct {
	Role    Role
	Content string
}

// ClientInterface is the minimal surface flows depend on.
type ClientInterface interface {
	// GenerateJSON runs a chat completion constrained to JSON output and
	// returns the raw JSON text of the first choice.
	GenerateJSON(ctx context.Context, systemPrompt string, history []Message) (string, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey  string
	Model   shared.ChatModel
	Timeout time.Duration
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model shared.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client wraps the OpenAI chat completion API.
type Client struct {
	client  openai.Client
	model   shared.ChatModel
	timeout time.Duration
}

// NewClient creates a GenAI client, falling back to the OPENAI_API_KEY
// environment variable when no key option is provided.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	slog.Debug("genai.NewClient: client configured", "model", cfg.Model, "timeout", cfg.Timeout)

	return &Client{
		client:  openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

// GenerateJSON runs a JSON-constrained chat completion over the system prompt
// and conversation history.
func (c *Client) GenerateJSON(ctx context.Context, systemPrompt string, history []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	messages = append(messages, openai.SystemMessage(systemPrompt))
	for _, msg := range history {
		switch msg.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
		Temperature: openai.Float(0.2),
	})
	if err != nil {
		slog.Error("genai.GenerateJSON: chat completion failed", "error", err, "model", c.model)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		slog.Error("genai.GenerateJSON: no choices returned", "model", c.model)
		return "", fmt.Errorf("chat completion returned no choices")
	}
	content := completion.Choices[0].Message.Content
	slog.Debug("genai.GenerateJSON: completion received", "content_length", len(content))
	return content, nil
}

// IsRateLimited reports whether the error is an upstream rate limit rejection.
func IsRateLimited(err error) bool {
	var apierr *openai.Error
	return errors.As(err, &apierr) && apierr.StatusCode == 429
}

// IsTimeout reports whether the error is a deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
