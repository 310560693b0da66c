// Package plan implements the per-node plan subsystem: LLM-generated or
// pre-declared step lists (tool calls and synthesize steps) executed within a
// single workflow node, with failure-driven revision.
package plan

// Mode selects how a plan is obtained.
type Mode string

// Plan modes. Static plans are embedded in the node definition; dynamic plans
// are generated by the planner at runtime and may be revised on failure.
const (
	Static  Mode = "STATIC"
	Dynamic Mode = "DYNAMIC"
)

// Step is one planned step: either a tool call or a synthesize step. Tool
// set means tool call; Synthesize true means an agent synthesis over prior
// step outputs.
type Step struct {
	Tool        string         `json:"tool,omitempty"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Synthesize  bool           `json:"synthesize,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Description string         `json:"description,omitempty"`
}

// IsToolCall reports whether the step invokes a tool.
func (s Step) IsToolCall() bool { return s.Tool != "" && !s.Synthesize }

// Plan is an ordered list of steps for one node.
type Plan struct {
	NodeID      string   `json:"node_id"`
	Mode        Mode     `json:"mode"`
	Steps       []Step   `json:"steps"`
	Constraints []string `json:"constraints,omitempty"`
}

// ToolDescriptor advertises an available tool to the dynamic planner.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// EventType names a plan lifecycle event.
type EventType string

// Plan lifecycle events.
const (
	EventCreated       EventType = "plan_created"
	EventStepStarted   EventType = "plan_step_started"
	EventStepCompleted EventType = "plan_step_completed"
	EventStepFailed    EventType = "plan_step_failed"
	EventRevised       EventType = "plan_revised"
	EventCompleted     EventType = "plan_completed"
)

// Event is one plan lifecycle notification.
type Event struct {
	Type        EventType
	ExecutionID string
	Plan        *Plan
	StepIndex   int
	Err         error
}

// Observer receives plan lifecycle events. Observers are invoked from the
// execution's own task and must not block.
type Observer interface {
	OnPlanEvent(event Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(event Event)

// OnPlanEvent implements Observer.
func (f ObserverFunc) OnPlanEvent(event Event) { f(event) }
