package engine

import "context"

// ReviewAction is the kind of decision a reviewer returns.
type ReviewAction string

// Review decisions.
const (
	ReviewApprove   ReviewAction = "APPROVE"
	ReviewReject    ReviewAction = "REJECT"
	ReviewBacktrack ReviewAction = "BACKTRACK"
	ReviewModify    ReviewAction = "MODIFY"
)

// ReviewDecision is a reviewer's verdict on a node result or a paused
// execution.
type ReviewDecision struct {
	Action ReviewAction `json:"action"`

	// Reason documents a rejection or backtrack.
	Reason string `json:"reason,omitempty"`

	// TargetNode is the backtrack destination.
	TargetNode string `json:"target_node,omitempty"`

	// ContextOverrides merge into the execution context for BACKTRACK and
	// MODIFY decisions.
	ContextOverrides map[string]any `json:"context_overrides,omitempty"`
}

// Approve continues execution unchanged.
func Approve() ReviewDecision {
	return ReviewDecision{Action: ReviewApprove}
}

// Reject terminates the execution with a rejected outcome.
func Reject(reason string) ReviewDecision {
	return ReviewDecision{Action: ReviewReject, Reason: reason}
}

// Backtrack routes execution to a previously visited node with optional
// context overrides.
func Backtrack(targetNode, reason string, overrides map[string]any) ReviewDecision {
	return ReviewDecision{
		Action:           ReviewBacktrack,
		TargetNode:       targetNode,
		Reason:           reason,
		ContextOverrides: overrides,
	}
}

// Modify merges overrides into the context and continues.
func Modify(overrides map[string]any) ReviewDecision {
	return ReviewDecision{Action: ReviewModify, ContextOverrides: overrides}
}

// ReviewRequest carries everything a reviewer needs to decide.
type ReviewRequest struct {
	ExecutionID string
	NodeID      string
	Result      NodeResult

	// Score is the rubric score, when the node was rubric-evaluated.
	Score *float64

	// Context is a read-only view of the execution context.
	Context map[string]any
}

// ReviewHandler decides the fate of a node result when its node requires
// review. Handlers may block (waiting for a human); the executor invokes them
// from the execution's own task.
type ReviewHandler interface {
	Review(ctx context.Context, req ReviewRequest) (ReviewDecision, error)
}

// ReviewHandlerFunc adapts a function to the ReviewHandler interface.
type ReviewHandlerFunc func(ctx context.Context, req ReviewRequest) (ReviewDecision, error)

// Review implements ReviewHandler.
func (f ReviewHandlerFunc) Review(ctx context.Context, req ReviewRequest) (ReviewDecision, error) {
	return f(ctx, req)
}

// reviewRequired reports whether the node's review configuration fires for
// this result.
func reviewRequired(cfg *ReviewConfig, result NodeResult, score *float64) bool {
	if cfg == nil {
		return false
	}
	switch cfg.Mode {
	case ReviewAlways:
		return true
	case ReviewOnFailure:
		return result.Status == StatusFailure
	case ReviewOnLowScore:
		return score != nil && *score < cfg.ScoreThreshold
	default:
		return false
	}
}
