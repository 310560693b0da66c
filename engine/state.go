package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved context keys. The engine owns these; workflow definitions must not
// write them.
const (
	// KeyTenantID carries the owning tenant through the context map.
	KeyTenantID = "_tenant_id"

	// KeyExecutionID carries the execution ID through the context map.
	KeyExecutionID = "_execution_id"

	// KeyPlanReviewRequired marks a pending plan awaiting human approval.
	KeyPlanReviewRequired = "_plan_review_required"

	// KeyPlanFailureTarget names the node to route to on a plan failure.
	KeyPlanFailureTarget = "_plan_failure_target"
)

// Status is the outcome class of a single node execution.
type Status string

// Node result statuses.
const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusPending Status = "PENDING"
	StatusEnd     Status = "END"
)

// NodeResult is the immutable outcome of one node execution.
type NodeResult struct {
	Status   Status         `json:"status"`
	Output   string         `json:"output,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// ExitStatus carries the declared exit status for END results.
	ExitStatus ExitStatus `json:"exit_status,omitempty"`

	// err is the transient cause of a failure. It is never persisted.
	err error
}

// Success builds a SUCCESS result with optional metadata.
func Success(output string, metadata map[string]any) NodeResult {
	return NodeResult{Status: StatusSuccess, Output: output, Metadata: metadata}
}

// Failure builds a FAILURE result carrying a diagnostic and transient cause.
func Failure(diagnostic string, cause error) NodeResult {
	return NodeResult{Status: StatusFailure, Output: diagnostic, err: cause}
}

// Pending builds a PENDING result, which pauses the execution.
func Pending(metadata map[string]any) NodeResult {
	return NodeResult{Status: StatusPending, Metadata: metadata}
}

// Err returns the transient error attached to a failure result, if any.
func (r NodeResult) Err() error { return r.err }

// BacktrackType classifies how a backtrack was initiated.
type BacktrackType string

// Backtrack event types. Automatic events come from failure retries and the
// rubric policy; manual events from reviewer backtracks to already executed
// nodes; jumps from reviewer moves to nodes that have never run.
const (
	BacktrackAutomatic BacktrackType = "AUTOMATIC"
	BacktrackManual    BacktrackType = "MANUAL"
	BacktrackJump      BacktrackType = "JUMP"
)

// BacktrackEvent records a retry, backtrack, or jump in execution history.
type BacktrackEvent struct {
	FromNode    string        `json:"from_node"`
	ToNode      string        `json:"to_node"`
	Reason      string        `json:"reason"`
	Type        BacktrackType `json:"type"`
	RubricScore *float64      `json:"rubric_score,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// ExecutionStep records one forward node execution. Steps are immutable once
// appended.
type ExecutionStep struct {
	NodeID string `json:"node_id"`

	// StateBefore is an optional context snapshot taken before the node
	// ran, for nodes configured with per-step snapshotting.
	StateBefore map[string]any `json:"state_before,omitempty"`

	Result    NodeResult `json:"result"`
	Timestamp time.Time  `json:"timestamp"`
}

// ExecutionHistory holds the ordered steps and backtrack events of an
// execution. Steps are append-only during forward progress and copied on
// branch during backtrack so resumed executions keep appending in sequence.
type ExecutionHistory struct {
	Steps      []ExecutionStep  `json:"steps"`
	Backtracks []BacktrackEvent `json:"backtracks"`
}

// Append records a forward step.
func (h *ExecutionHistory) Append(step ExecutionStep) {
	h.Steps = append(h.Steps, step)
}

// RecordBacktrack appends a backtrack event.
func (h *ExecutionHistory) RecordBacktrack(ev BacktrackEvent) {
	h.Backtracks = append(h.Backtracks, ev)
}

// Clone returns a mutable deep copy so a resumed execution can continue
// appending without aliasing the snapshot's history.
func (h *ExecutionHistory) Clone() *ExecutionHistory {
	out := &ExecutionHistory{
		Steps:      make([]ExecutionStep, len(h.Steps)),
		Backtracks: make([]BacktrackEvent, len(h.Backtracks)),
	}
	copy(out.Steps, h.Steps)
	copy(out.Backtracks, h.Backtracks)
	return out
}

// RubricEvaluation is the latest rubric verdict for an execution.
type RubricEvaluation struct {
	RubricID  string    `json:"rubric_id"`
	NodeID    string    `json:"node_id"`
	Score     float64   `json:"score"`
	Threshold float64   `json:"threshold"`
	Passed    bool      `json:"passed"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionState is the mutable state of one running execution.
//
// It is exclusively owned by the interpreter task driving the execution and
// is mutated only between node boundaries; it is never serialized while a
// node is mid-execution. Once the execution suspends, ownership passes to the
// state repository via ToSnapshot.
type ExecutionState struct {
	ExecutionID string            `json:"execution_id"`
	WorkflowID  string            `json:"workflow_id"`
	CurrentNode string            `json:"current_node"`
	Context     map[string]any    `json:"context"`
	History     *ExecutionHistory `json:"history"`
	Retries     map[string]int    `json:"retries,omitempty"`

	// AutoBacktracks counts rubric-driven backtracks per source node, for
	// the engine-level thrash cap.
	AutoBacktracks map[string]int `json:"auto_backtracks,omitempty"`

	Rubric *RubricEvaluation `json:"rubric,omitempty"`
}

// NewExecutionState creates the state for a fresh execution. The reserved
// tenant and execution keys are seeded into the context.
func NewExecutionState(executionID, workflowID, startNode, tenantID string, initial map[string]any) *ExecutionState {
	ctx := make(map[string]any, len(initial)+2)
	for k, v := range initial {
		ctx[k] = v
	}
	ctx[KeyTenantID] = tenantID
	ctx[KeyExecutionID] = executionID
	return &ExecutionState{
		ExecutionID:    executionID,
		WorkflowID:     workflowID,
		CurrentNode:    startNode,
		Context:        ctx,
		History:        &ExecutionHistory{},
		Retries:        make(map[string]int),
		AutoBacktracks: make(map[string]int),
	}
}

// TenantID returns the reserved tenant key from context.
func (s *ExecutionState) TenantID() string {
	if v, ok := s.Context[KeyTenantID].(string); ok {
		return v
	}
	return ""
}

// RetryCount returns the forward retry counter for a node.
func (s *ExecutionState) RetryCount(nodeID string) int {
	return s.Retries[nodeID]
}

// IncrementRetry bumps the retry counter for a node.
func (s *ExecutionState) IncrementRetry(nodeID string) {
	if s.Retries == nil {
		s.Retries = make(map[string]int)
	}
	s.Retries[nodeID]++
}

// CheckpointReason labels why a snapshot was written.
type CheckpointReason string

// Snapshot reasons. Completed, rejected, and failed are terminal.
const (
	ReasonCheckpoint CheckpointReason = "checkpoint"
	ReasonPaused     CheckpointReason = "paused"
	ReasonCompleted  CheckpointReason = "completed"
	ReasonRejected   CheckpointReason = "rejected"
	ReasonFailed     CheckpointReason = "failed"
)

// Terminal reports whether the reason ends the execution.
func (r CheckpointReason) Terminal() bool {
	return r == ReasonCompleted || r == ReasonRejected || r == ReasonFailed
}

// Snapshot is an immutable serialized record of execution state at a point in
// time. The state store keeps at most one snapshot per execution ID; each
// save replaces the prior one.
type Snapshot struct {
	ExecutionID string            `json:"execution_id"`
	WorkflowID  string            `json:"workflow_id"`
	CurrentNode string            `json:"current_node"`
	Context     map[string]any    `json:"context"`
	History     *ExecutionHistory `json:"history"`
	Retries     map[string]int    `json:"retries,omitempty"`
	AutoBacktracks map[string]int `json:"auto_backtracks,omitempty"`
	Rubric      *RubricEvaluation `json:"rubric,omitempty"`
	Reason      CheckpointReason  `json:"reason"`
	SavedAt     time.Time         `json:"saved_at"`
}

// ToSnapshot serializes the state into an immutable snapshot with the given
// reason. Context and history are deep-copied via a JSON round trip so later
// mutation of the live state cannot leak into the stored snapshot.
func (s *ExecutionState) ToSnapshot(reason CheckpointReason) (Snapshot, error) {
	ctxCopy, err := deepCopy(s.Context)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot context: %w", err)
	}
	histCopy, err := deepCopy(s.History)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot history: %w", err)
	}
	retries, err := deepCopy(s.Retries)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot retries: %w", err)
	}
	auto, err := deepCopy(s.AutoBacktracks)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot backtrack counters: %w", err)
	}
	return Snapshot{
		ExecutionID:    s.ExecutionID,
		WorkflowID:     s.WorkflowID,
		CurrentNode:    s.CurrentNode,
		Context:        ctxCopy,
		History:        histCopy,
		Retries:        retries,
		AutoBacktracks: auto,
		Rubric:         s.Rubric,
		Reason:         reason,
		SavedAt:        time.Now().UTC(),
	}, nil
}

// FromSnapshot rehydrates a mutable execution state from a snapshot. The
// snapshot's history is cloned so the resumed execution appends in sequence
// without mutating the stored copy.
func FromSnapshot(snap Snapshot) (*ExecutionState, error) {
	ctxCopy, err := deepCopy(snap.Context)
	if err != nil {
		return nil, fmt.Errorf("rehydrate context: %w", err)
	}
	state := &ExecutionState{
		ExecutionID:    snap.ExecutionID,
		WorkflowID:     snap.WorkflowID,
		CurrentNode:    snap.CurrentNode,
		Context:        ctxCopy,
		History:        &ExecutionHistory{},
		Retries:        make(map[string]int),
		AutoBacktracks: make(map[string]int),
		Rubric:         snap.Rubric,
	}
	if snap.History != nil {
		state.History = snap.History.Clone()
	}
	for k, v := range snap.Retries {
		state.Retries[k] = v
	}
	for k, v := range snap.AutoBacktracks {
		state.AutoBacktracks[k] = v
	}
	return state, nil
}

// deepCopy copies a value through a JSON round trip. It works for anything
// the snapshot layer can persist, which is exactly the property we need.
func deepCopy[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
