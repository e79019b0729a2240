package llmprovider

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ghiac/emperor/model"
)

// AnthropicProvider is provider B: the cross-reviewer side of the
// consensus protocol. Grounded on the anthropic-sdk-go usage pattern
// shared by intelligencedev-manifold and vvoland-cagent
// (anthropic.NewClient(opts...), MessageNewParams{Model, Messages,
// System, MaxTokens}, sdk.Messages.New); trimmed to the plain
// text-in/text-out shape this runtime needs, with no tool-use blocks.
type AnthropicProvider struct {
	sdk       anthropic.Client
	maxTokens int64
}

// NewAnthropicProvider builds a provider against apiKey. baseURL may be
// empty to use Anthropic's default endpoint.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(baseURL, "/")))
	}
	return &AnthropicProvider{
		sdk:       anthropic.NewClient(opts...),
		maxTokens: 4096,
	}
}

func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	var system string
	var converted []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := p.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		Messages:  converted,
		MaxTokens: maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.JSONMode {
		// Anthropic has no native json_object response_format; the reply is
		// prefilled with an assistant "{" turn, and that "{" is prepended to
		// the returned text so callers receive the whole object.
		params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock("{")))
	}

	return withRetry(ctx, defaultRetry, func(ctx context.Context) (string, error) {
		resp, err := p.sdk.Messages.New(ctx, params)
		if err != nil {
			return "", classifyAnthropicErr(err)
		}
		var out strings.Builder
		if opts.JSONMode {
			out.WriteByte('{')
		}
		for _, block := range resp.Content {
			if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
				out.WriteString(tb.Text)
			}
		}
		return out.String(), nil
	})
}

// Embed is unsupported: Anthropic has no embeddings endpoint in the
// retrieved corpus's usage of anthropic-sdk-go. Provider A (OpenAI-style)
// is always used for embeddings; the router never sends Embed calls here.
func (p *AnthropicProvider) Embed(context.Context, []string, string) ([][]float32, error) {
	return nil, model.NewError(model.KindInternal, "anthropic provider does not support embeddings")
}

func classifyAnthropicErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return model.Wrap(model.KindTransient, "anthropic: request failed", err)
		}
		return model.Wrap(model.KindInternal, "anthropic: request failed", err)
	}
	return model.Wrap(model.KindTransient, "anthropic: request failed", err)
}

var _ Provider = (*AnthropicProvider)(nil)
