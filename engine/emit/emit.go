// Package emit provides observability event emission for workflow executions.
//
// Emitters receive lifecycle events from the interpreter: node starts and
// completions, checkpoints, backtracks, pauses, resumes, and terminal
// outcomes. Implementations must be non-blocking, thread-safe, and resilient;
// an emitter failure must never affect workflow execution.
package emit

// Event is one observability event from a workflow execution.
type Event struct {
	// ExecutionID identifies the execution that emitted this event.
	ExecutionID string

	// Step is the 1-indexed forward step count. Zero for execution-level
	// events (start, terminal outcomes).
	Step int

	// NodeID identifies the node the event concerns; empty for
	// execution-level events.
	NodeID string

	// Msg names the event (see the Msg* constants).
	Msg string

	// Meta carries event-specific structured data: durations, scores,
	// backtrack targets, error strings.
	Meta map[string]any
}

// Well-known event names.
const (
	MsgNodeStart    = "node_start"
	MsgNodeComplete = "node_complete"
	MsgCheckpoint   = "checkpoint"
	MsgBacktrack    = "backtrack"
	MsgPaused       = "paused"
	MsgResumed      = "resumed"
	MsgCompleted    = "completed"
	MsgRejected     = "rejected"
	MsgFailed       = "failed"
	MsgToolCall     = "tool_call"
	MsgPlanCreated  = "plan_created"
	MsgPlanRevised  = "plan_revised"
)

// Emitter receives execution events.
//
// Implementations should not block the interpreter; buffer, drop, or emit
// asynchronously when the backend is slow. Emit must not panic.
type Emitter interface {
	Emit(event Event)
}
