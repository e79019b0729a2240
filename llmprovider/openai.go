package llmprovider

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ghiac/emperor/model"
)

// OpenAIProvider is provider A: any OpenAI-compatible chat+embeddings
// endpoint, grounded on the teacher's LLMHandler in engine/llm.go
// (client construction, request building) but trimmed to the
// chat-completion/embedding pair this runtime actually needs — no tool
// calling, no tool-call loop.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider builds a provider against apiKey. baseURL may be
// empty to use the default OpenAI endpoint.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       opts.Model,
		Messages:    toOpenAIMessages(messages),
		Temperature: float32(opts.Temperature),
		MaxTokens:   opts.MaxTokens,
	}
	if opts.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	return withRetry(ctx, defaultRetry, func(ctx context.Context) (string, error) {
		resp, err := p.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", classifyOpenAIErr(err)
		}
		if len(resp.Choices) == 0 {
			return "", model.NewError(model.KindInternal, "openai: empty choices in response")
		}
		return resp.Choices[0].Message.Content, nil
	})
}

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string, embModel string) ([][]float32, error) {
	if embModel == "" {
		embModel = "text-embedding-3-small"
	}
	return withRetry(ctx, defaultRetry, func(ctx context.Context) ([][]float32, error) {
		resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(embModel),
		})
		if err != nil {
			return nil, classifyOpenAIErr(err)
		}
		out := make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			out[i] = d.Embedding
		}
		return out, nil
	})
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// classifyOpenAIErr tags rate-limit and server errors as transient so
// withRetry backs off on them and gives up immediately on anything else
// (bad request, auth failure).
func classifyOpenAIErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return model.Wrap(model.KindTransient, "openai: request failed", err)
		}
		return model.Wrap(model.KindInternal, fmt.Sprintf("openai: request failed (status %d)", apiErr.HTTPStatusCode), err)
	}
	return model.Wrap(model.KindTransient, "openai: request failed", err)
}

var _ Provider = (*OpenAIProvider)(nil)
