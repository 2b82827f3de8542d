// Package llm adapts hosted and local chat models to the single-shot
// completion capability used by the enrichment pipeline.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Completer sends one system message to a chat model and returns the text
// of its reply. Implementations make exactly one attempt per call.
type Completer interface {
	Complete(ctx context.Context, system string) (string, error)
}

var (
	// ErrAPIKeyNotSet is returned when a hosted provider is selected without a key.
	ErrAPIKeyNotSet = errors.New("API key not set")

	// ErrEmptyResponse is returned when the model replies without any choices.
	ErrEmptyResponse = errors.New("empty response from model")
)

// Options selects and configures a provider.
type Options struct {
	Provider      string // "openai", "openrouter" or "ollama"
	Model         string
	BaseURL       string
	OpenAIKey     string
	OpenRouterKey string
}

// New builds the Completer named by opts.Provider.
func New(opts Options) (Completer, error) {
	switch opts.Provider {
	case "", "openai":
		return NewOpenAI(opts.OpenAIKey, opts.Model, opts.BaseURL)
	case "openrouter":
		if opts.OpenRouterKey == "" {
			return nil, fmt.Errorf("openrouter: %w", ErrAPIKeyNotSet)
		}
		c := NewOpenRouter(opts.OpenRouterKey, opts.Model)
		if opts.BaseURL != "" {
			c = NewOpenRouterWithBaseURL(opts.OpenRouterKey, opts.Model, opts.BaseURL)
		}
		return c, nil
	case "ollama":
		baseURL := opts.BaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaURL
		}
		return NewOllama(baseURL, opts.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
}
