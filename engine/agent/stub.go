package agent

import (
	"context"
	"sync"
)

// StubPriority places the stub above every real provider.
const StubPriority = 1000

// StubProvider serves scripted responses keyed by agent ID.
//
// The stub registers with the highest priority and supports every model, so
// once a script exists for an agent the stub answers instead of a live
// provider. Responses are consumed in order; when the script runs out, the
// last response repeats. Agents without a script fall through to an optional
// default response, or fail.
//
// StubProvider is safe for concurrent use and records every invocation for
// assertions.
type StubProvider struct {
	mu      sync.Mutex
	scripts map[string]*script
	// Default is returned for agents without a script. Empty Default with
	// no script yields an error, surfacing missing stubs in tests.
	Default string
	// Calls records every invocation in order.
	Calls []StubCall
}

// StubCall records one stub invocation.
type StubCall struct {
	AgentID string
	Model   string
	Prompt  string
}

type script struct {
	responses []Response
	errs      []error
	index     int
}

// NewStubProvider creates an empty stub provider.
func NewStubProvider() *StubProvider {
	return &StubProvider{scripts: make(map[string]*script)}
}

// Script queues text responses for an agent ID.
func (s *StubProvider) Script(agentID string, responses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.scripts[agentID]
	if sc == nil {
		sc = &script{}
		s.scripts[agentID] = sc
	}
	for _, r := range responses {
		sc.responses = append(sc.responses, Response{Text: r})
		sc.errs = append(sc.errs, nil)
	}
}

// ScriptError queues a failing invocation for an agent ID.
func (s *StubProvider) ScriptError(agentID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.scripts[agentID]
	if sc == nil {
		sc = &script{}
		s.scripts[agentID] = sc
	}
	sc.responses = append(sc.responses, Response{})
	sc.errs = append(sc.errs, err)
}

// Name implements Provider.
func (s *StubProvider) Name() string { return "stub" }

// Priority implements Provider. The stub always outranks real providers.
func (s *StubProvider) Priority() int { return StubPriority }

// Supports implements Provider. The stub matches every model.
func (s *StubProvider) Supports(string) bool { return true }

// Invoke implements Provider by replaying the script for cfg.ID.
func (s *StubProvider) Invoke(ctx context.Context, cfg Config, prompt string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Calls = append(s.Calls, StubCall{AgentID: cfg.ID, Model: cfg.Model, Prompt: prompt})

	sc, ok := s.scripts[cfg.ID]
	if !ok || len(sc.responses) == 0 {
		if s.Default != "" {
			return Response{Text: s.Default}, nil
		}
		return Response{}, &ProviderError{
			Provider: "stub",
			Model:    cfg.Model,
			Message:  "no scripted response for agent " + cfg.ID,
		}
	}

	i := sc.index
	if i >= len(sc.responses) {
		i = len(sc.responses) - 1 // repeat the last response
	} else {
		sc.index++
	}
	if err := sc.errs[i]; err != nil {
		return Response{}, err
	}
	return sc.responses[i], nil
}
