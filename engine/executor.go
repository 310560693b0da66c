package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hensu-project/hensu-sub002/engine/agent"
	"github.com/hensu-project/hensu-sub002/engine/emit"
	"github.com/hensu-project/hensu-sub002/engine/plan"
)

// Outcome classifies how an execution terminated (or suspended).
type Outcome string

// Execution outcomes.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomePaused    Outcome = "paused"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// ExecutionResult is the executor's verdict for one Execute or Resume call.
type ExecutionResult struct {
	Outcome Outcome

	// ExitStatus is the end node's declared status for completed
	// executions.
	ExitStatus ExitStatus

	// Reason documents rejections and failures.
	Reason string

	// State is the final (or suspended) execution state.
	State *ExecutionState

	// Err is the failure cause, when Outcome is failed.
	Err error
}

// Executor is the workflow graph interpreter.
//
// One Executor serves all executions of all workflows; per-execution state
// lives in ExecutionState. The executor walks nodes from the start node,
// persisting a checkpoint snapshot before each non-end node, dispatching by
// node kind, and running the post-processor pipeline (output extraction,
// history, review, rubric, transition resolution) after each node.
//
// Construct with NewExecutor and functional options:
//
//	exec, err := engine.NewExecutor(agents,
//	    engine.WithSnapshotSink(states),
//	    engine.WithWorkflowLookup(workflows),
//	    engine.WithToolTransport(hub),
//	)
//	result := exec.Execute(ctx, tenant, wf, executionID, initial)
type Executor struct {
	agents  *agent.Registry
	emitter emit.Emitter
	metrics *Metrics
	rubrics *RubricEngine

	review    ReviewHandler
	generics  map[string]GenericHandler
	actionReg *ActionHandlerRegistry
	tools     ToolTransport
	lookup    WorkflowLookup
	sink      SnapshotSink

	toolDescs     []plan.ToolDescriptor
	planObservers []plan.Observer

	branchLimit      int64
	branchSem        *semaphore.Weighted
	autoBacktrackCap int
	nodeTimeout      time.Duration
	maxDepth         int
	maxSteps         int
}

// NewExecutor creates a workflow executor. The agent registry is required;
// everything else is optional.
func NewExecutor(agents *agent.Registry, opts ...Option) (*Executor, error) {
	if agents == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	e := &Executor{
		agents:           agents,
		emitter:          &emit.NullEmitter{},
		rubrics:          NewRubricEngine(),
		generics:         make(map[string]GenericHandler),
		actionReg:        NewActionHandlerRegistry(),
		branchLimit:      8,
		autoBacktrackCap: 3,
		maxDepth:         5,
		maxSteps:         1000,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.branchSem = semaphore.NewWeighted(e.branchLimit)
	return e, nil
}

// Execute runs a workflow from its start node to a terminal outcome or a
// pause. The caller supplies the execution ID; the executor does not
// deduplicate concurrent executions with the same ID.
func (e *Executor) Execute(ctx context.Context, tenant TenantContext, wf *Workflow, executionID string, initial map[string]any) ExecutionResult {
	state := NewExecutionState(executionID, wf.ID, wf.StartNode, tenant.TenantID, initial)
	return e.run(ctx, tenant, wf, state, 0)
}

// Resume rehydrates an execution from a snapshot and re-enters the main loop
// at the snapshot's current node, applying the review decision first.
//
// Approve re-enters unchanged. Modify merges context overrides. Backtrack
// moves the current node and records the jump. Reject terminates with a
// rejected outcome without executing anything.
func (e *Executor) Resume(ctx context.Context, tenant TenantContext, wf *Workflow, snap Snapshot, decision ReviewDecision) ExecutionResult {
	state, err := FromSnapshot(snap)
	if err != nil {
		return ExecutionResult{Outcome: OutcomeFailed, Reason: "snapshot rehydration failed", Err: err}
	}

	switch decision.Action {
	case ReviewReject:
		e.emitEvent(state, state.CurrentNode, emit.MsgRejected, map[string]any{"reason": decision.Reason})
		e.persist(ctx, tenant.TenantID, state, ReasonRejected)
		return ExecutionResult{Outcome: OutcomeRejected, Reason: decision.Reason, State: state}
	case ReviewModify:
		mergeContext(state.Context, decision.ContextOverrides)
	case ReviewBacktrack:
		if wf.Node(decision.TargetNode) == nil {
			return ExecutionResult{Outcome: OutcomeFailed, Reason: "backtrack target does not exist: " + decision.TargetNode, State: state}
		}
		mergeContext(state.Context, decision.ContextOverrides)
		e.recordBacktrack(state, state.CurrentNode, decision.TargetNode, decision.Reason, manualBacktrackType(state, decision.TargetNode), nil)
		state.CurrentNode = decision.TargetNode
	}

	e.emitEvent(state, state.CurrentNode, emit.MsgResumed, nil)
	return e.run(ctx, tenant, wf, state, 0)
}

// run is the main interpreter loop shared by Execute, Resume, and
// sub-workflow recursion.
func (e *Executor) run(ctx context.Context, tenant TenantContext, wf *Workflow, state *ExecutionState, depth int) ExecutionResult {
	e.metrics.executionStarted()
	outcome := OutcomeFailed
	defer func() { e.metrics.executionFinished(outcome) }()

	// Orphan fork futures are cancelled best-effort on the way out.
	defer cancelOrphanFutures(state)

	steps := len(state.History.Steps)
	for {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, tenant, state, state.CurrentNode, "cancelled", ErrCancelled)
		}
		if steps >= e.maxSteps {
			return e.fail(ctx, tenant, state, state.CurrentNode, "max steps exceeded", nil)
		}
		node := wf.Node(state.CurrentNode)
		if node == nil {
			return e.fail(ctx, tenant, state, state.CurrentNode, "current node does not exist: "+state.CurrentNode, nil)
		}

		// Inter-node durability boundary: the snapshot names the node
		// about to execute, never the one just executed.
		if node.Kind != NodeEnd {
			if err := e.persist(ctx, tenant.TenantID, state, ReasonCheckpoint); err != nil {
				return e.fail(ctx, tenant, state, node.ID, "checkpoint persistence failed", err)
			}
			e.emitEvent(state, node.ID, emit.MsgCheckpoint, nil)
		}

		e.emitEvent(state, node.ID, emit.MsgNodeStart, nil)
		started := time.Now()

		result, override, err := e.dispatch(ctx, tenant, wf, node, state, depth)
		elapsed := time.Since(started)
		e.metrics.nodeExecuted(node.Kind, result.Status, elapsed)
		e.emitEvent(state, node.ID, emit.MsgNodeComplete, map[string]any{
			"status":      string(result.Status),
			"duration_ms": elapsed.Milliseconds(),
		})
		if err != nil {
			return e.fail(ctx, tenant, state, node.ID, "node dispatch failed", err)
		}

		steps++
		next, terminal := e.postProcess(ctx, tenant, wf, node, state, result, override)
		if terminal != nil {
			outcome = terminal.Outcome
			return *terminal
		}
		state.CurrentNode = next
	}
}

// fail records a terminal failure snapshot and builds the result.
func (e *Executor) fail(ctx context.Context, tenant TenantContext, state *ExecutionState, nodeID, message string, cause error) ExecutionResult {
	err := &ExecutionError{
		ExecutionID: state.ExecutionID,
		NodeID:      nodeID,
		Message:     message,
		Cause:       cause,
	}
	e.emitEvent(state, nodeID, emit.MsgFailed, map[string]any{"error": err.Error()})
	e.persist(ctx, tenant.TenantID, state, ReasonFailed)
	return ExecutionResult{Outcome: OutcomeFailed, Reason: message, State: state, Err: err}
}

// persist snapshots the state with the given reason into the sink, when one
// is configured.
func (e *Executor) persist(ctx context.Context, tenantID string, state *ExecutionState, reason CheckpointReason) error {
	if e.sink == nil {
		return nil
	}
	snap, err := state.ToSnapshot(reason)
	if err != nil {
		return err
	}
	return e.sink.Save(ctx, tenantID, snap)
}

func (e *Executor) emitEvent(state *ExecutionState, nodeID, msg string, meta map[string]any) {
	e.emitter.Emit(emit.Event{
		ExecutionID: state.ExecutionID,
		Step:        len(state.History.Steps),
		NodeID:      nodeID,
		Msg:         msg,
		Meta:        meta,
	})
}

// recordBacktrack appends a backtrack event to history and metrics.
func (e *Executor) recordBacktrack(state *ExecutionState, from, to, reason string, bt BacktrackType, score *float64) {
	state.History.RecordBacktrack(BacktrackEvent{
		FromNode:    from,
		ToNode:      to,
		Reason:      reason,
		Type:        bt,
		RubricScore: score,
		Timestamp:   time.Now().UTC(),
	})
	e.metrics.backtracked(bt)
	meta := map[string]any{"from": from, "to": to, "type": string(bt), "reason": reason}
	if score != nil {
		meta["rubric_score"] = *score
	}
	e.emitEvent(state, from, emit.MsgBacktrack, meta)
}

// mergeContext merges overrides into the execution context, skipping the
// engine-reserved keys.
func mergeContext(dst map[string]any, overrides map[string]any) {
	for k, v := range overrides {
		switch k {
		case KeyTenantID, KeyExecutionID:
			continue
		}
		dst[k] = v
	}
}
