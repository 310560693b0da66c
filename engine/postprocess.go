package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/hensu-project/hensu-sub002/engine/emit"
)

// postProcess runs the fixed post-phase pipeline for one node result:
// output extraction, history recording, human review, rubric evaluation, and
// transition resolution.
//
// It returns either the next node ID or a terminal ExecutionResult. The
// override, when set by the dispatcher (loop breaks, consensus routing),
// replaces transition resolution.
func (e *Executor) postProcess(ctx context.Context, tenant TenantContext, wf *Workflow, node *Node, state *ExecutionState, result NodeResult, override string) (string, *ExecutionResult) {
	// 1. Output extraction.
	if result.Status == StatusSuccess {
		extractOutput(node, result, state)
	}

	// 2. History recording.
	step := ExecutionStep{
		NodeID:    node.ID,
		Result:    result,
		Timestamp: time.Now().UTC(),
	}
	if node.SnapshotState {
		if before, err := deepCopy(state.Context); err == nil {
			step.StateBefore = before
		}
	}
	state.History.Append(step)

	switch result.Status {
	case StatusEnd:
		e.emitEvent(state, node.ID, emit.MsgCompleted, map[string]any{"exit_status": string(result.ExitStatus)})
		e.persist(ctx, tenant.TenantID, state, ReasonCompleted)
		return "", &ExecutionResult{Outcome: OutcomeCompleted, ExitStatus: result.ExitStatus, State: state}
	case StatusPending:
		e.emitEvent(state, node.ID, emit.MsgPaused, result.Metadata)
		e.persist(ctx, tenant.TenantID, state, ReasonPaused)
		return "", &ExecutionResult{Outcome: OutcomePaused, State: state}
	}

	// 3. Rubric evaluation feeds both review and the auto-backtrack check.
	var eval *RubricEvaluation
	if node.RubricID != "" && result.Status == StatusSuccess {
		definition := wf.Rubrics[node.RubricID]
		ev, err := e.rubrics.Evaluate(node.RubricID, node.ID, definition, result)
		if err != nil {
			return "", terminalPtr(e.fail(ctx, tenant, state, node.ID, "rubric evaluation failed", err))
		}
		state.Rubric = &ev
		eval = &ev
	}

	// 4. Human review.
	var score *float64
	if eval != nil {
		score = &eval.Score
	}
	if reviewRequired(node.Review, result, score) {
		next, terminal := e.runReview(ctx, tenant, wf, node, state, result, score)
		if terminal != nil {
			return "", terminal
		}
		if next != "" {
			return next, nil
		}
	}

	// 5. Rubric-driven automatic backtrack.
	if eval != nil && !eval.Passed {
		if next, ok := e.autoBacktrack(state, node, eval); ok {
			return next, nil
		}
	}

	// 6. Transition resolution.
	if override != "" {
		return override, nil
	}
	next, ok := resolveTransition(node, result, state)
	if !ok {
		if result.Status == StatusFailure {
			// Plan failures may name their own failure route.
			if target, ok := state.Context[KeyPlanFailureTarget].(string); ok && target != "" && wf.Node(target) != nil {
				delete(state.Context, KeyPlanFailureTarget)
				return target, nil
			}
		}
		return "", terminalPtr(e.fail(ctx, tenant, state, node.ID, "no transition rule matched", ErrNoTransition))
	}
	if next == node.ID {
		// Failure-rule retry of the same node.
		e.recordBacktrack(state, node.ID, node.ID, "retry after failure", BacktrackAutomatic, nil)
	}
	return next, nil
}

// runReview consults the review handler and applies its decision. A missing
// handler pauses the execution so a human can resume it out of band.
func (e *Executor) runReview(ctx context.Context, tenant TenantContext, wf *Workflow, node *Node, state *ExecutionState, result NodeResult, score *float64) (string, *ExecutionResult) {
	if e.review == nil {
		e.emitEvent(state, node.ID, emit.MsgPaused, map[string]any{"awaiting_review": true})
		e.persist(ctx, tenant.TenantID, state, ReasonPaused)
		return "", &ExecutionResult{Outcome: OutcomePaused, State: state}
	}

	decision, err := e.review.Review(ctx, ReviewRequest{
		ExecutionID: state.ExecutionID,
		NodeID:      node.ID,
		Result:      result,
		Score:       score,
		Context:     state.Context,
	})
	if err != nil {
		return "", terminalPtr(e.fail(ctx, tenant, state, node.ID, "review handler failed", err))
	}

	switch decision.Action {
	case ReviewReject:
		e.emitEvent(state, node.ID, emit.MsgRejected, map[string]any{"reason": decision.Reason})
		e.persist(ctx, tenant.TenantID, state, ReasonRejected)
		return "", &ExecutionResult{Outcome: OutcomeRejected, Reason: decision.Reason, State: state}
	case ReviewBacktrack:
		if wf.Node(decision.TargetNode) == nil {
			return "", terminalPtr(e.fail(ctx, tenant, state, node.ID, "review backtrack target does not exist: "+decision.TargetNode, nil))
		}
		mergeContext(state.Context, decision.ContextOverrides)
		e.recordBacktrack(state, node.ID, decision.TargetNode, decision.Reason, manualBacktrackType(state, decision.TargetNode), score)
		return decision.TargetNode, nil
	case ReviewModify:
		mergeContext(state.Context, decision.ContextOverrides)
	}
	return "", nil
}

// autoBacktrack applies the rubric failure policy: minor failures (within 20
// points of the threshold) retry the same node; major failures return to the
// nearest previously visited distinct node. Both are capped per source node.
func (e *Executor) autoBacktrack(state *ExecutionState, node *Node, eval *RubricEvaluation) (string, bool) {
	if state.AutoBacktracks[node.ID] >= e.autoBacktrackCap {
		return "", false
	}
	target := node.ID
	if eval.Score < eval.Threshold-20 {
		if prev := previousDistinctNode(state, node.ID); prev != "" {
			target = prev
		}
	}
	if state.AutoBacktracks == nil {
		state.AutoBacktracks = make(map[string]int)
	}
	state.AutoBacktracks[node.ID]++
	score := eval.Score
	e.recordBacktrack(state, node.ID, target, "rubric score below threshold", BacktrackAutomatic, &score)
	return target, true
}

// manualBacktrackType classifies a reviewer-directed move: revisiting an
// already executed node is a backtrack, targeting a node that has never run
// is a jump.
func manualBacktrackType(state *ExecutionState, target string) BacktrackType {
	for _, step := range state.History.Steps {
		if step.NodeID == target {
			return BacktrackManual
		}
	}
	return BacktrackJump
}

// previousDistinctNode finds the most recent history step whose node differs
// from the current one.
func previousDistinctNode(state *ExecutionState, nodeID string) string {
	steps := state.History.Steps
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].NodeID != nodeID {
			return steps[i].NodeID
		}
	}
	return ""
}

// extractOutput writes the node's raw output into context under the node ID
// and, when outputParams are declared, copies named top-level keys out of the
// output JSON.
//
// Non-primitive values are skipped; nested objects are not flattened.
// Malformed JSON yields no extraction and no error.
func extractOutput(node *Node, result NodeResult, state *ExecutionState) {
	if result.Output != "" {
		state.Context[node.ID] = result.Output
	}
	if len(node.OutputParams) == 0 {
		return
	}
	body, ok := extractJSONObject(result.Output)
	if !ok {
		return
	}
	for _, param := range node.OutputParams {
		value, present := body[param]
		if !present {
			continue
		}
		switch value.(type) {
		case string, float64, bool, nil:
			state.Context[param] = value
		}
	}
}

// extractJSONObject parses a JSON object from a string, tolerating
// surrounding prose and markdown fences.
func extractJSONObject(s string) (map[string]any, bool) {
	s = stripCodeFence(s)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &body); err != nil {
		return nil, false
	}
	return body, true
}

func terminalPtr(r ExecutionResult) *ExecutionResult {
	return &r
}
