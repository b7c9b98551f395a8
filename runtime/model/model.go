// Package model defines the provider-neutral chat contract consumed by the
// llmChat executor. Provider adapters under features/model translate Request
// into their SDK's wire shapes and map responses and usage back.
package model

import (
	"context"
	"errors"
)

type (
	// Request is one chat completion request.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// System is the optional system prompt.
		System string
		// Prompt is the user message.
		Prompt string
		// Temperature is the sampling temperature. Zero means provider
		// default.
		Temperature float64
		// MaxTokens caps the completion length. Zero means the adapter's
		// default.
		MaxTokens int
	}

	// Usage reports token accounting for one completion.
	Usage struct {
		// PromptTokens counts input tokens.
		PromptTokens int
		// CompletionTokens counts output tokens.
		CompletionTokens int
	}

	// Response is the provider-neutral completion result.
	Response struct {
		// Text is the assistant's reply.
		Text string
		// Model is the model that produced the reply.
		Model string
		// Usage is the token accounting, zero-valued when the provider does
		// not report it.
		Usage Usage
	}

	// Client issues chat completions against one provider.
	Client interface {
		// Chat completes a single-turn request. Implementations must honour
		// ctx cancellation.
		Chat(ctx context.Context, req Request) (Response, error)
	}

	// Resolver maps a provider name ("openai", "anthropic", "bedrock",
	// "ollama") to a configured client.
	Resolver interface {
		Client(provider string) (Client, bool)
	}

	// ResolverFunc adapts a function to the Resolver interface.
	ResolverFunc func(provider string) (Client, bool)
)

// Client implements Resolver.
func (f ResolverFunc) Client(provider string) (Client, bool) { return f(provider) }

// ErrRateLimited tags provider rate-limit responses so the engine can route
// them to retry with backoff.
var ErrRateLimited = errors.New("model provider rate limited")
