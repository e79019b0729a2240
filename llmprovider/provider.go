// Package llmprovider is the capability layer of spec.md §4.1: a
// provider-agnostic generate(chat|json)/embed contract, a model-name
// heuristic router between two concrete providers, and the shared retry
// wrapper both go through. Grounded on the teacher's
// engine/llm.go LLMHandler (request-building idiom over
// github.com/sashabaranov/go-openai) and on
// original_source/src/utils/llm_client.py (the generate/generate_structured/
// get_embedding contract this package formalizes as an interface).
package llmprovider

import "context"

// Message is one turn in a chat-style request, provider-agnostic.
type Message struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// GenerateOptions controls a single generate call.
type GenerateOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
	JSONMode    bool // request a raw JSON object response
}

// Provider is the capability contract every backend (OpenAI-style,
// Anthropic-style) implements: chat generation and embedding.
type Provider interface {
	// Generate returns the assistant's reply text for messages under
	// opts. When opts.JSONMode is set, implementations ask the backend
	// for a JSON object response if it supports that natively.
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error)

	// Embed returns one embedding vector per input text.
	Embed(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// ProviderFunc adapts a plain function to Provider's Generate method,
// for tests and simple wrappers, in the teacher's http.HandlerFunc
// convention (llm-interface/provider.go before this module's rename).
type ProviderFunc func(ctx context.Context, messages []Message, opts GenerateOptions) (string, error)

func (f ProviderFunc) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	return f(ctx, messages, opts)
}

func (f ProviderFunc) Embed(context.Context, []string, string) ([][]float32, error) {
	return nil, errUnsupportedEmbed
}

var errUnsupportedEmbed = providerError("embed not supported by this provider adapter")

type providerError string

func (e providerError) Error() string { return string(e) }
