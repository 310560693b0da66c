// Package agent provides the agent registry and LLM provider adapters.
//
// An agent is a named configuration (model, temperature, system role) that,
// given a prompt, produces a response via a provider. Providers are discovered
// through an explicit registry populated at startup: each provider declares
// the models it supports and a priority, and the highest-priority supporting
// provider wins. The stub provider registers with the highest priority and
// always matches, so scripted responses take precedence in tests and dry
// runs.
package agent

import (
	"context"
	"sort"
	"sync"
)

// Config is an immutable agent configuration carried by a workflow
// definition.
type Config struct {
	// ID uniquely identifies the agent within its workflow.
	ID string `json:"id"`

	// Model is the provider-specific model identifier.
	Model string `json:"model"`

	// Temperature is the sampling temperature passed to the provider.
	Temperature float64 `json:"temperature,omitempty"`

	// SystemRole is the system prompt establishing the agent's persona.
	SystemRole string `json:"system_role,omitempty"`

	// MaintainContext keeps the conversation transcript across invocations
	// of the same agent within one execution.
	MaintainContext bool `json:"maintain_context,omitempty"`
}

// Response is a provider response.
type Response struct {
	// Text is the generated completion.
	Text string

	// Metadata carries provider-specific extras such as token counts.
	Metadata map[string]any
}

// Provider produces responses for agent configurations it supports.
//
// Implementations must be safe for concurrent use; the engine invokes
// providers from parallel branches.
type Provider interface {
	// Name identifies the provider for diagnostics.
	Name() string

	// Priority orders providers when several support the same model.
	// Higher wins.
	Priority() int

	// Supports reports whether this provider can serve the given model
	// identifier.
	Supports(model string) bool

	// Invoke sends the prompt to the model and returns its response.
	// The prompt is already template-resolved; cfg supplies the model,
	// temperature, and system role.
	Invoke(ctx context.Context, cfg Config, prompt string) (Response, error)
}

// ProviderError reports a provider invocation failure.
type ProviderError struct {
	Provider string
	Model    string
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	msg := e.Provider + " provider"
	if e.Model != "" {
		msg += " (" + e.Model + ")"
	}
	return msg + ": " + e.Message
}

// Unwrap returns the underlying cause.
func (e *ProviderError) Unwrap() error { return e.Cause }

// Registry resolves agent configurations to providers.
//
// Registration happens at startup; lookups are concurrent-safe afterwards.
// Exactly one provider serves each model: the highest-priority provider whose
// Supports returns true.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a provider. Providers are kept sorted by descending
// priority so resolution is a linear scan with first match winning.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	sort.SliceStable(r.providers, func(i, j int) bool {
		return r.providers[i].Priority() > r.providers[j].Priority()
	})
}

// ProviderFor returns the provider serving the given model, or nil when no
// registered provider supports it.
func (r *Registry) ProviderFor(model string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.Supports(model) {
			return p
		}
	}
	return nil
}

// Invoke resolves the provider for cfg.Model and invokes it.
func (r *Registry) Invoke(ctx context.Context, cfg Config, prompt string) (Response, error) {
	p := r.ProviderFor(cfg.Model)
	if p == nil {
		return Response{}, &ProviderError{
			Provider: "registry",
			Model:    cfg.Model,
			Message:  "no provider supports model",
		}
	}
	return p.Invoke(ctx, cfg, prompt)
}
