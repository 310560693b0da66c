package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIProvider serves GPT-family models via the official openai-go SDK.
//
// The provider is safe for concurrent use; the underlying client handles
// connection pooling internally.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates an OpenAI provider with the given API key.
func NewOpenAIProvider(apiKey string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai API key cannot be empty")
	}
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Priority implements Provider.
func (p *OpenAIProvider) Priority() int { return 10 }

// Supports implements Provider. Matches GPT and o-series model identifiers.
func (p *OpenAIProvider) Supports(model string) bool {
	return strings.HasPrefix(model, "gpt-") ||
		strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") ||
		strings.HasPrefix(model, "o4")
}

// Invoke implements Provider by issuing a chat completion.
func (p *OpenAIProvider) Invoke(ctx context.Context, cfg Config, prompt string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if cfg.SystemRole != "" {
		messages = append(messages, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(cfg.SystemRole),
				},
			},
		})
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: openai.String(prompt),
			},
		},
	})

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(cfg.Model),
		Messages: messages,
	}
	if cfg.Temperature > 0 {
		params.Temperature = openai.Float(cfg.Temperature)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, &ProviderError{Provider: "openai", Model: cfg.Model, Message: "chat completion failed", Cause: err}
	}
	if len(completion.Choices) == 0 {
		return Response{}, &ProviderError{Provider: "openai", Model: cfg.Model, Message: "empty response"}
	}

	return Response{
		Text: completion.Choices[0].Message.Content,
		Metadata: map[string]any{
			"tokens": int(completion.Usage.TotalTokens),
			"model":  cfg.Model,
		},
	}, nil
}
