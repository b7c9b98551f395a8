// Package ollama provides a model.Client for a local Ollama daemon. Ollama
// exposes an OpenAI-compatible Chat Completions endpoint, so the adapter
// wraps the openai adapter pointed at the daemon's /v1 route.
package ollama

import (
	"github.com/nervemind/nervemind/runtime/model"

	"github.com/nervemind/nervemind/features/model/openai"
)

// DefaultBaseURL is the local daemon's OpenAI-compatible endpoint.
const DefaultBaseURL = "http://localhost:11434/v1"

// Options configures the adapter.
type Options struct {
	// BaseURL overrides the daemon endpoint.
	BaseURL string
	// DefaultModel is used when a request does not name a model.
	DefaultModel string
}

// New builds an Ollama-backed model client.
func New(opts Options) (model.Client, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	// Ollama ignores the API key but the OpenAI client requires one.
	return openai.New(openai.Options{
		APIKey:       "ollama",
		BaseURL:      baseURL,
		DefaultModel: opts.DefaultModel,
	})
}
