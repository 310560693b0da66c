package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// targetResult is the outcome of one fork target.
type targetResult struct {
	Target  string
	Output  string
	Context map[string]any
	Err     error
}

// forkFutures tracks the in-flight targets spawned by a fork node. The value
// is stored in the execution context under "{forkNodeId}_futures" so a
// downstream join can await it; serialization renders only the target names,
// because futures do not survive replica migration.
type forkFutures struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	pending map[string]chan targetResult
}

// MarshalJSON renders the in-flight target names for observability. A
// rehydrated snapshot cannot resume these futures.
func (f *forkFutures) MarshalJSON() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	targets := make([]string, 0, len(f.pending))
	for t := range f.pending {
		targets = append(targets, t)
	}
	return json.Marshal(map[string]any{"in_flight": targets})
}

// take removes and returns the completion channel for a target.
func (f *forkFutures) take(target string) (chan targetResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.pending[target]
	if ok {
		delete(f.pending, target)
	}
	return ch, ok
}

// futuresKey names the context slot a fork node publishes its futures under.
func futuresKey(forkNodeID string) string { return forkNodeID + "_futures" }

// execFork spawns one concurrent task per target. A target is either a node
// in the same workflow or a workflow in the repository. With WaitForAll the
// fork blocks until every target finishes; otherwise it transitions
// immediately and a downstream join awaits the futures.
func (e *Executor) execFork(ctx context.Context, tenant TenantContext, wf *Workflow, node *Node, state *ExecutionState, depth int) NodeResult {
	if len(node.Targets) == 0 {
		return Failure("fork node has no targets", nil)
	}

	frozen, err := deepCopy(state.Context)
	if err != nil {
		return Failure("freeze context for fork targets: "+err.Error(), err)
	}

	forkCtx, cancel := context.WithCancel(ctx)
	futures := &forkFutures{
		cancel:  cancel,
		pending: make(map[string]chan targetResult, len(node.Targets)),
	}
	for _, target := range node.Targets {
		ch := make(chan targetResult, 1)
		futures.pending[target] = ch
		go func(target string, ch chan targetResult) {
			ch <- e.runForkTarget(forkCtx, tenant, wf, target, frozen, depth)
		}(target, ch)
	}
	state.Context[futuresKey(node.ID)] = futures

	if !node.WaitForAll {
		return Success("", map[string]any{"targets": len(node.Targets), "awaited": false})
	}

	merged := make(map[string]any, len(node.Targets))
	var firstErr error
	for _, target := range node.Targets {
		ch, _ := futures.take(target)
		res := <-ch
		if res.Err != nil {
			merged[target] = map[string]any{"error": res.Err.Error()}
			if firstErr == nil {
				firstErr = res.Err
			}
			continue
		}
		merged[target] = res.Output
	}
	cancel()
	delete(state.Context, futuresKey(node.ID))
	state.Context[node.ID+"_results"] = merged
	if firstErr != nil {
		return Failure("fork target failed: "+firstErr.Error(), firstErr)
	}
	return Success("", map[string]any{"targets": len(node.Targets), "awaited": true})
}

// runForkTarget executes one target with a branch-local context copy. Node
// targets run as a single node dispatch; anything else resolves through the
// workflow repository as a sub-workflow.
func (e *Executor) runForkTarget(ctx context.Context, tenant TenantContext, wf *Workflow, target string, frozen map[string]any, depth int) targetResult {
	if err := e.branchSem.Acquire(ctx, 1); err != nil {
		return targetResult{Target: target, Err: err}
	}
	defer e.branchSem.Release(1)

	if node := wf.Node(target); node != nil {
		local, err := deepCopy(frozen)
		if err != nil {
			return targetResult{Target: target, Err: err}
		}
		scratch := &ExecutionState{
			ExecutionID: frozen[KeyExecutionID].(string) + ":" + target,
			WorkflowID:  wf.ID,
			CurrentNode: target,
			Context:     local,
			History:     &ExecutionHistory{},
			Retries:     make(map[string]int),
		}
		result, _, err := e.dispatch(ctx, tenant, wf, node, scratch, depth)
		if err != nil {
			return targetResult{Target: target, Err: err}
		}
		if result.Status == StatusFailure {
			return targetResult{Target: target, Err: fmt.Errorf("%s", result.Output)}
		}
		return targetResult{Target: target, Output: result.Output, Context: scratch.Context}
	}

	if e.lookup == nil {
		return targetResult{Target: target, Err: fmt.Errorf("fork target is not a node and no workflow lookup is configured: %s", target)}
	}
	child, err := e.lookup.FindByID(ctx, tenant.TenantID, target)
	if err != nil {
		return targetResult{Target: target, Err: fmt.Errorf("fork target workflow: %w", err)}
	}
	if depth+1 >= e.maxDepth {
		return targetResult{Target: target, Err: ErrSubWorkflowDepth}
	}
	childID := fmt.Sprintf("%s:%s", frozen[KeyExecutionID], target)
	childState := NewExecutionState(childID, child.ID, child.StartNode, tenant.TenantID, frozen)
	res := e.run(ctx, tenant, child, childState, depth+1)
	if res.Outcome != OutcomeCompleted {
		return targetResult{Target: target, Err: fmt.Errorf("fork target workflow %s: %s", target, res.Outcome)}
	}
	output, _ := res.State.Context[lastStepNode(res.State)].(string)
	return targetResult{Target: target, Output: output, Context: res.State.Context}
}

// execJoin awaits the futures named by the join's await targets and merges
// their results into context under the join's output field.
func (e *Executor) execJoin(ctx context.Context, node *Node, state *ExecutionState) NodeResult {
	if len(node.AwaitTargets) == 0 {
		return Failure("join node has no await targets", nil)
	}

	var deadline <-chan time.Time
	if node.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(node.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		deadline = timer.C
	}

	merged := make(map[string]any, len(node.AwaitTargets))
	anyError := false
	for _, target := range node.AwaitTargets {
		ch := findFuture(state, target)
		if ch == nil {
			merged[target] = map[string]any{"error": "no pending future for target"}
			anyError = true
			continue
		}
		select {
		case res := <-ch:
			if res.Err != nil {
				merged[target] = map[string]any{"error": res.Err.Error()}
				anyError = true
			} else {
				merged[target] = res.Output
			}
		case <-deadline:
			merged[target] = map[string]any{"timeout": true}
			anyError = true
		case <-ctx.Done():
			return Failure("cancelled while awaiting fork targets", ErrCancelled)
		}
	}

	outputField := node.OutputField
	if outputField == "" {
		outputField = node.ID + "_results"
	}
	// COLLECT_ALL is the only strategy today; the enumeration is open.
	state.Context[outputField] = merged

	if anyError && node.FailOnAnyError {
		return Failure("one or more awaited targets failed", nil)
	}
	return Success("", map[string]any{"awaited": len(node.AwaitTargets), "errors": anyError})
}

// findFuture locates the completion channel for a target across all fork
// futures in context.
func findFuture(state *ExecutionState, target string) chan targetResult {
	for _, v := range state.Context {
		if futures, ok := v.(*forkFutures); ok {
			if ch, ok := futures.take(target); ok {
				return ch
			}
		}
	}
	return nil
}

// cancelOrphanFutures cancels any fork targets still in flight when the
// execution terminates, and drops their context entries.
func cancelOrphanFutures(state *ExecutionState) {
	for k, v := range state.Context {
		if futures, ok := v.(*forkFutures); ok {
			if futures.cancel != nil {
				futures.cancel()
			}
			delete(state.Context, k)
		}
	}
}

// lastStepNode names the most recent forward step's node, for harvesting a
// child workflow's final output.
func lastStepNode(state *ExecutionState) string {
	steps := state.History.Steps
	if len(steps) == 0 {
		return ""
	}
	return steps[len(steps)-1].NodeID
}
