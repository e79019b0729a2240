package llmprovider

import (
	"context"
	"strings"

	"github.com/ghiac/emperor/model"
)

// Router picks between two concrete providers by a model name heuristic:
// anything naming claude/sonnet/opus/haiku goes to the Anthropic-style
// provider, everything else goes to the OpenAI-style one. Router does
// no retrying, cooldown or logging of its own (retries happen inside
// each provider via withRetry). Unlike the teacher's backupChain in
// engine/backup_chain.go, which falls back on failure between equivalent
// backends, Router dispatches up front by the caller's chosen model
// name, since the consensus protocol always wants a specific model on
// each side of a round, never "whichever backend is healthy."
type Router struct {
	openaiLike    Provider
	anthropicLike Provider
}

// NewRouter wires the two providers. Either may be nil if that side's
// models are never requested (e.g. an anthropic-only consensus config).
func NewRouter(openaiLike, anthropicLike Provider) *Router {
	return &Router{openaiLike: openaiLike, anthropicLike: anthropicLike}
}

// anthropicMarkers matches model name substrings billed through the
// Anthropic-style provider.
var anthropicMarkers = []string{"claude", "sonnet", "opus", "haiku"}

func isAnthropicModel(modelName string) bool {
	lower := strings.ToLower(modelName)
	for _, marker := range anthropicMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// For picks the provider for modelName without making a request.
func (r *Router) For(modelName string) Provider {
	if isAnthropicModel(modelName) {
		return r.anthropicLike
	}
	return r.openaiLike
}

func (r *Router) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	p := r.For(opts.Model)
	if p == nil {
		return "", model.NewError(model.KindConfigError, "llmprovider: no provider configured for model "+opts.Model)
	}
	return p.Generate(ctx, messages, opts)
}

// Embed always goes through the OpenAI-style provider: Anthropic has no
// embeddings endpoint in the retrieved corpus's usage, so embedding
// requests never route by model name the way chat generation does.
func (r *Router) Embed(ctx context.Context, texts []string, embModel string) ([][]float32, error) {
	if r.openaiLike == nil {
		return nil, model.NewError(model.KindConfigError, "llmprovider: no embedding provider configured")
	}
	return r.openaiLike.Embed(ctx, texts, embModel)
}

var _ Provider = (*Router)(nil)
