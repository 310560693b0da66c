package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiProvider serves Gemini models via the official generative-ai-go SDK.
//
// A client is created per invocation; the SDK holds network resources that
// must be released with Close, and invocations are infrequent relative to
// connection setup cost.
type GeminiProvider struct {
	apiKey string
}

// NewGeminiProvider creates a Gemini provider with the given API key.
func NewGeminiProvider(apiKey string) *GeminiProvider {
	return &GeminiProvider{apiKey: apiKey}
}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return "gemini" }

// Priority implements Provider.
func (p *GeminiProvider) Priority() int { return 10 }

// Supports implements Provider. Matches Gemini model identifiers.
func (p *GeminiProvider) Supports(model string) bool {
	return strings.HasPrefix(model, "gemini")
}

// Invoke implements Provider by generating content with the configured model.
func (p *GeminiProvider) Invoke(ctx context.Context, cfg Config, prompt string) (Response, error) {
	if p.apiKey == "" {
		return Response{}, &ProviderError{Provider: "gemini", Model: cfg.Model, Message: "API key is required"}
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(p.apiKey))
	if err != nil {
		return Response{}, &ProviderError{Provider: "gemini", Model: cfg.Model, Message: "client creation failed", Cause: err}
	}
	defer func() { _ = client.Close() }()

	genModel := client.GenerativeModel(cfg.Model)
	if cfg.Temperature > 0 {
		genModel.SetTemperature(float32(cfg.Temperature))
	}
	if cfg.SystemRole != "" {
		genModel.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(cfg.SystemRole)},
		}
	}

	resp, err := genModel.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return Response{}, &ProviderError{Provider: "gemini", Model: cfg.Model, Message: "generation failed", Cause: err}
	}

	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}
	if text.Len() == 0 {
		return Response{}, &ProviderError{Provider: "gemini", Model: cfg.Model, Message: fmt.Sprintf("no text candidates in response for %s", cfg.Model)}
	}

	return Response{
		Text:     text.String(),
		Metadata: map[string]any{"model": cfg.Model},
	}, nil
}
