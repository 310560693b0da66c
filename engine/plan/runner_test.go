package plan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/hensu-project/hensu-sub002/engine/agent"
)

type scriptedTools struct {
	mu    sync.Mutex
	calls []string
	args  []map[string]any
	// failures maps a tool name to the number of times it fails before
	// succeeding.
	failures map[string]int
	reply    map[string]any
}

func (s *scriptedTools) CallTool(_ context.Context, _ string, tool string, args map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, tool)
	s.args = append(s.args, args)
	if s.failures[tool] > 0 {
		s.failures[tool]--
		return nil, errors.New("tool unavailable")
	}
	return s.reply, nil
}

// resolve is a minimal {var} substitutor for runner tests.
func resolve(template string, scope map[string]any) string {
	for k, v := range scope {
		if s, ok := v.(string); ok {
			template = strings.ReplaceAll(template, "{"+k+"}", s)
		}
	}
	return template
}

func newRunnerHarness(t *testing.T) (*Runner, *agent.StubProvider, *scriptedTools) {
	t.Helper()
	stub := agent.NewStubProvider()
	reg := agent.NewRegistry()
	reg.Register(stub)
	tools := &scriptedTools{reply: map[string]any{"hits": 3.0}, failures: make(map[string]int)}
	return &Runner{
		Agents:  reg,
		Tools:   tools,
		Planner: NewPlanner(reg),
		Resolve: resolve,
	}, stub, tools
}

func TestRunnerToolAndSynthesize(t *testing.T) {
	r, stub, tools := newRunnerHarness(t)
	stub.Script("worker", "the final report")

	p := &Plan{NodeID: "research", Mode: Static, Steps: []Step{
		{Tool: "search", Arguments: map[string]any{"q": "{topic}"}},
		{Synthesize: true, Description: "Summarize results for {topic}"},
	}}
	out, err := r.Run(context.Background(), p, RunInput{
		ExecutionID: "e1", TenantID: "t1",
		AgentCfg: agent.Config{ID: "worker", Model: "stub-1"},
		Context:  map[string]any{"topic": "go modules"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Output != "the final report" {
		t.Fatalf("output = %q", out.Output)
	}
	if out.Revisions != 0 {
		t.Fatalf("revisions = %d", out.Revisions)
	}
	if tools.args[0]["q"] != "go modules" {
		t.Fatalf("tool args not resolved: %v", tools.args[0])
	}
	if _, ok := out.StepOutputs["step_1_search"]; !ok {
		t.Fatalf("step outputs = %v", out.StepOutputs)
	}
	if out.StepOutputs["step_2_synthesize"] != "the final report" {
		t.Fatalf("step outputs = %v", out.StepOutputs)
	}

	// The synthesize prompt sees the prior tool output.
	prompt := stub.Calls[0].Prompt
	if !strings.Contains(prompt, "Summarize results for go modules") {
		t.Fatalf("synthesize prompt not resolved: %q", prompt)
	}
	if !strings.Contains(prompt, "Prior step outputs") {
		t.Fatalf("synthesize prompt missing prior outputs: %q", prompt)
	}
}

func TestRunnerSynthesizeAgentOverride(t *testing.T) {
	r, stub, _ := newRunnerHarness(t)
	stub.Script("expert", "expert answer")

	p := &Plan{NodeID: "n", Mode: Static, Steps: []Step{
		{Synthesize: true, AgentID: "expert", Description: "deep dive"},
	}}
	out, err := r.Run(context.Background(), p, RunInput{
		ExecutionID: "e1", TenantID: "t1",
		AgentCfg:     agent.Config{ID: "worker", Model: "stub-1"},
		AgentConfigs: map[string]agent.Config{"expert": {ID: "expert", Model: "stub-2"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Output != "expert answer" {
		t.Fatalf("output = %q", out.Output)
	}
	if call := stub.Calls[0]; call.AgentID != "expert" || call.Model != "stub-2" {
		t.Fatalf("call = %+v", call)
	}
}

func TestRunnerSynthesizeUnknownAgent(t *testing.T) {
	r, _, _ := newRunnerHarness(t)
	p := &Plan{NodeID: "n", Mode: Static, Steps: []Step{
		{Synthesize: true, AgentID: "ghost", Description: "deep dive"},
	}}
	_, err := r.Run(context.Background(), p, RunInput{
		ExecutionID: "e1", TenantID: "t1",
		AgentCfg: agent.Config{ID: "worker", Model: "stub-1"},
	})
	if err == nil || !strings.Contains(err.Error(), "unknown step agent") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunnerToolOnlyOutput(t *testing.T) {
	r, _, _ := newRunnerHarness(t)
	p := &Plan{NodeID: "n", Mode: Static, Steps: []Step{{Tool: "search"}}}
	out, err := r.Run(context.Background(), p, RunInput{ExecutionID: "e1", TenantID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	// Without a synthesize step the first tool result, rendered as JSON,
	// becomes the plan output.
	if !strings.Contains(out.Output, `"hits":3`) {
		t.Fatalf("output = %q", out.Output)
	}
}

func TestRunnerDynamicRevision(t *testing.T) {
	r, stub, tools := newRunnerHarness(t)
	tools.failures["search"] = 1
	stub.Script("planner", `[{"tool": "backup_search", "arguments": {"q": "go"}}]`)

	p := &Plan{NodeID: "research", Mode: Dynamic, Steps: []Step{{Tool: "search"}}}
	out, err := r.Run(context.Background(), p, RunInput{
		ExecutionID: "e1", TenantID: "t1",
		PlannerCfg: agent.Config{ID: "planner", Model: "stub-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Revisions != 1 {
		t.Fatalf("revisions = %d, want 1", out.Revisions)
	}
	// The revised plan replaced the failing step entirely.
	if tools.calls[len(tools.calls)-1] != "backup_search" {
		t.Fatalf("calls = %v", tools.calls)
	}
	if p.Steps[0].Tool != "backup_search" {
		t.Fatalf("plan not replaced in place: %+v", p.Steps)
	}
}

func TestRunnerRevisionCap(t *testing.T) {
	r, stub, tools := newRunnerHarness(t)
	tools.failures["search"] = 10
	// Every revision proposes the same doomed step.
	stub.Script("planner", `[{"tool": "search"}]`)

	p := &Plan{NodeID: "research", Mode: Dynamic, Steps: []Step{{Tool: "search"}}}
	out, err := r.Run(context.Background(), p, RunInput{
		ExecutionID: "e1", TenantID: "t1",
		PlannerCfg: agent.Config{ID: "planner", Model: "stub-1"},
	})
	if err == nil {
		t.Fatal("a persistently failing step must surface an error")
	}
	if out.Revisions != 1 {
		t.Fatalf("revisions = %d, want the default cap of 1", out.Revisions)
	}
}

func TestRunnerStaticNeverRevised(t *testing.T) {
	r, _, tools := newRunnerHarness(t)
	tools.failures["search"] = 1

	p := &Plan{NodeID: "research", Mode: Static, Steps: []Step{{Tool: "search"}}}
	out, err := r.Run(context.Background(), p, RunInput{ExecutionID: "e1", TenantID: "t1"})
	if err == nil {
		t.Fatal("a static plan failure must surface immediately")
	}
	if out.Revisions != 0 {
		t.Fatalf("revisions = %d, static plans are never revised", out.Revisions)
	}
	if len(tools.calls) != 1 {
		t.Fatalf("calls = %v", tools.calls)
	}
}

func TestRunnerObserverEvents(t *testing.T) {
	r, stub, _ := newRunnerHarness(t)
	stub.Script("worker", "done")
	var events []EventType
	r.Observers = []Observer{ObserverFunc(func(ev Event) { events = append(events, ev.Type) })}

	p := &Plan{NodeID: "n", Mode: Static, Steps: []Step{
		{Tool: "search"},
		{Synthesize: true, Description: "wrap up"},
	}}
	if _, err := r.Run(context.Background(), p, RunInput{
		ExecutionID: "e1", TenantID: "t1",
		AgentCfg: agent.Config{ID: "worker", Model: "stub-1"},
	}); err != nil {
		t.Fatal(err)
	}

	want := []EventType{
		EventStepStarted, EventStepCompleted,
		EventStepStarted, EventStepCompleted,
		EventCompleted,
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}
