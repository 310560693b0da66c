package engine

import (
	"context"
	"fmt"
	"time"
)

// execLoop iterates the loop body while the condition holds, bounded by
// MaxIterations. Break rules exit early toward a named node via the override
// return.
//
// Body nodes run through the ordinary dispatch with output extraction and
// history recording, but their own transition rules are not consulted; the
// loop node controls sequencing.
func (e *Executor) execLoop(ctx context.Context, tenant TenantContext, wf *Workflow, node *Node, state *ExecutionState, depth int) (NodeResult, string, error) {
	if len(node.Body) == 0 {
		return Failure("loop node has an empty body", nil), "", nil
	}
	maxIterations := node.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 100
	}

	iterations := 0
	for iterations < maxIterations {
		if err := ctx.Err(); err != nil {
			return NodeResult{}, "", ErrCancelled
		}
		if !evalCondition(node.Condition, state.Context) {
			break
		}

		for _, bodyID := range node.Body {
			body := wf.Node(bodyID)
			if body == nil {
				return Failure("loop body node does not exist: "+bodyID, nil), "", nil
			}
			result, _, err := e.dispatch(ctx, tenant, wf, body, state, depth)
			if err != nil {
				return NodeResult{}, "", err
			}
			extractOutput(body, result, state)
			state.History.Append(ExecutionStep{
				NodeID:    body.ID,
				Result:    result,
				Timestamp: time.Now().UTC(),
			})
			if result.Status == StatusFailure {
				return Failure(fmt.Sprintf("loop body node %s failed: %s", bodyID, result.Output), result.Err()), "", nil
			}
		}
		iterations++

		for _, rule := range node.BreakRules {
			if evalCondition(&rule.Condition, state.Context) {
				return Success("", map[string]any{"iterations": iterations, "break": true}), rule.NextNode, nil
			}
		}
	}
	return Success("", map[string]any{"iterations": iterations}), "", nil
}

// evalCondition evaluates a loop or break condition against context. A nil
// condition and the Always form are truthy; comparisons coerce numerics and
// fall back to string equality for EQ.
func evalCondition(cond *Condition, context map[string]any) bool {
	if cond == nil || cond.Always {
		return true
	}
	raw, ok := context[cond.Key]
	if !ok {
		return false
	}
	left, leftNum := toFloat(raw)
	right, rightNum := toFloat(cond.Value)
	if leftNum && rightNum {
		switch cond.Op {
		case OpLT:
			return left < right
		case OpLTE:
			return left <= right
		case OpEQ:
			return left == right
		case OpGTE:
			return left >= right
		case OpGT:
			return left > right
		}
		return false
	}
	if cond.Op == OpEQ {
		return fmt.Sprintf("%v", raw) == fmt.Sprintf("%v", cond.Value)
	}
	return false
}
