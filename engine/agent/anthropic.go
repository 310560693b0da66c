package agent

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicMaxTokens bounds completion length for Claude calls.
const anthropicMaxTokens = 4096

// AnthropicProvider serves Claude models via the official anthropic-sdk-go.
//
// Safe for concurrent use after creation.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates an Anthropic provider with the given API key.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Priority implements Provider.
func (p *AnthropicProvider) Priority() int { return 10 }

// Supports implements Provider. Matches Claude model identifiers.
func (p *AnthropicProvider) Supports(model string) bool {
	return strings.HasPrefix(model, "claude")
}

// Invoke implements Provider by issuing a Messages API call.
func (p *AnthropicProvider) Invoke(ctx context.Context, cfg Config, prompt string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		MaxTokens: anthropicMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if cfg.SystemRole != "" {
		params.System = []anthropic.TextBlockParam{{Text: cfg.SystemRole}}
	}
	if cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(cfg.Temperature)
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, &ProviderError{Provider: "anthropic", Model: cfg.Model, Message: "message call failed", Cause: err}
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return Response{
		Text: text.String(),
		Metadata: map[string]any{
			"tokens": int(message.Usage.InputTokens + message.Usage.OutputTokens),
			"model":  cfg.Model,
		},
	}, nil
}
