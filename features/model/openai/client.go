// Package openai provides a model.Client backed by the OpenAI Chat
// Completions API via github.com/sashabaranov/go-openai. A custom base URL
// serves Azure OpenAI deployments and other OpenAI-compatible endpoints.
package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nervemind/nervemind/runtime/model"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
// It is satisfied by *openai.Client so tests can pass a mock.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the adapter.
type Options struct {
	// APIKey authenticates against the API. Ignored when Client is set.
	APIKey string
	// BaseURL overrides the API endpoint (proxies, OpenAI-compatible
	// servers). Ignored when Client or AzureEndpoint is set.
	BaseURL string
	// AzureEndpoint switches the client to Azure OpenAI wire conventions
	// against the given resource endpoint. Ignored when Client is set.
	AzureEndpoint string
	// DefaultModel is used when a request does not name a model.
	DefaultModel string
	// Client overrides the underlying HTTP client, for tests.
	Client ChatClient
}

// Client implements model.Client on top of OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	defaultModel string
}

// New builds the adapter.
func New(opts Options) (*Client, error) {
	chat := opts.Client
	if chat == nil {
		if opts.APIKey == "" {
			return nil, errors.New("openai: api key is required")
		}
		chat = openai.NewClientWithConfig(clientConfig(opts))
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel}, nil
}

// clientConfig maps Options onto the go-openai client configuration. Azure
// endpoints use the Azure API flavour with its deployment-based routing.
func clientConfig(opts Options) openai.ClientConfig {
	if opts.AzureEndpoint != "" {
		return openai.DefaultAzureConfig(opts.APIKey, opts.AzureEndpoint)
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return cfg
}

// Chat implements model.Client.
func (c *Client) Chat(ctx context.Context, req model.Request) (model.Response, error) {
	if req.Prompt == "" {
		return model.Response{}, errors.New("openai: prompt is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return model.Response{}, errors.New("openai: model is required")
	}
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	return model.Response{
		Text:  text,
		Model: resp.Model,
		Usage: model.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}
