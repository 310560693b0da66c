package engine

import (
	"context"
	"fmt"
)

// execSubWorkflow looks up the referenced workflow under the current tenant,
// remaps the parent context into the child via the input mapping, runs the
// child recursively, and remaps selected child keys back via the output
// mapping. Child failure surfaces as a node failure; recursion depth is
// bounded.
func (e *Executor) execSubWorkflow(ctx context.Context, tenant TenantContext, node *Node, state *ExecutionState, depth int) NodeResult {
	if depth+1 >= e.maxDepth {
		return Failure("sub-workflow depth limit exceeded", ErrSubWorkflowDepth)
	}
	if e.lookup == nil {
		return Failure("no workflow lookup configured", nil)
	}

	child, err := e.lookup.FindByID(ctx, tenant.TenantID, node.WorkflowRef)
	if err != nil {
		return Failure("sub-workflow not found: "+node.WorkflowRef, err)
	}

	// Input mapping: child key <- parent key. An empty mapping passes
	// nothing; the child starts from its own clean context.
	childInitial := make(map[string]any, len(node.InputMapping))
	for childKey, parentKey := range node.InputMapping {
		if v, ok := state.Context[parentKey]; ok {
			childInitial[childKey] = v
		}
	}

	childID := fmt.Sprintf("%s:%s", state.ExecutionID, node.ID)
	childState := NewExecutionState(childID, child.ID, child.StartNode, tenant.TenantID, childInitial)
	result := e.run(ctx, tenant, child, childState, depth+1)

	switch result.Outcome {
	case OutcomeCompleted:
		if result.ExitStatus == ExitFailure {
			return Failure("sub-workflow ended with failure status", nil)
		}
	case OutcomePaused:
		return Failure("sub-workflow paused; pausing inside sub-workflows is not supported", nil)
	default:
		return Failure(fmt.Sprintf("sub-workflow %s: %s", node.WorkflowRef, result.Reason), result.Err)
	}

	// Output mapping: parent key <- child key.
	for parentKey, childKey := range node.OutputMapping {
		if v, ok := result.State.Context[childKey]; ok {
			state.Context[parentKey] = v
		}
	}
	output, _ := result.State.Context[lastStepNode(result.State)].(string)
	return Success(output, map[string]any{"workflow": child.ID, "exit_status": string(result.ExitStatus)})
}
