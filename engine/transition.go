package engine

import (
	"strconv"
)

// TransitionType discriminates the transition-rule variants.
type TransitionType string

// Transition rule variants. The discriminator doubles as the on-wire "type"
// field in workflow JSON.
const (
	TransitionSuccess TransitionType = "success"
	TransitionFailure TransitionType = "failure"
	TransitionScore   TransitionType = "score"
	TransitionAlways  TransitionType = "always"
)

// TransitionRule is a tagged-variant predicate on a node's result that names
// the next node. Rules are evaluated in declared order; the first rule that
// matches with a non-empty target wins.
type TransitionRule struct {
	Type   TransitionType `json:"type"`
	Target string         `json:"target,omitempty"`

	// RetryCount caps in-place retries for failure rules. While the
	// per-node retry counter is below the cap the rule routes back to the
	// failing node itself; afterwards it routes to Target.
	RetryCount int `json:"retry_count,omitempty"`

	// Conditions are evaluated in declared order for score rules.
	Conditions []ScoreCondition `json:"conditions,omitempty"`
}

// CondOp is a comparison operator used by score conditions and loop
// conditions.
type CondOp string

// Comparison operators.
const (
	OpLT      CondOp = "LT"
	OpLTE     CondOp = "LTE"
	OpEQ      CondOp = "EQ"
	OpGTE     CondOp = "GTE"
	OpGT      CondOp = "GT"
	OpInRange CondOp = "IN_RANGE"
)

// ScoreCondition compares the rubric score (or a "score" context key) against
// a bound and names the transition target on match.
type ScoreCondition struct {
	Op     CondOp  `json:"op"`
	Value  float64 `json:"value"`
	High   float64 `json:"high,omitempty"` // upper bound for IN_RANGE
	Target string  `json:"target"`
}

// targets lists every node ID a rule can route to, for definition validation.
func (r TransitionRule) targets() []string {
	out := make([]string, 0, 1+len(r.Conditions))
	if r.Target != "" {
		out = append(out, r.Target)
	}
	for _, c := range r.Conditions {
		if c.Target != "" {
			out = append(out, c.Target)
		}
	}
	return out
}

// resolveTransition evaluates a node's transition rules in order against the
// node result and execution state.
//
// Returns the next node ID and true on a match. The retry case returns the
// current node ID itself and increments the per-node retry counter. An END
// result never consults rules. No match on a non-END result is a transition
// error surfaced by the caller.
func resolveTransition(node *Node, result NodeResult, state *ExecutionState) (string, bool) {
	for _, rule := range node.Transitions {
		switch rule.Type {
		case TransitionSuccess:
			if result.Status == StatusSuccess && rule.Target != "" {
				return rule.Target, true
			}
		case TransitionFailure:
			if result.Status != StatusFailure {
				continue
			}
			if state.RetryCount(node.ID) < rule.RetryCount {
				state.IncrementRetry(node.ID)
				return node.ID, true
			}
			if rule.Target != "" {
				return rule.Target, true
			}
		case TransitionScore:
			score, ok := transitionScore(state)
			if !ok {
				continue
			}
			if target, ok := matchScore(rule.Conditions, score); ok {
				return target, true
			}
		case TransitionAlways:
			if rule.Target != "" {
				return rule.Target, true
			}
		}
	}
	return "", false
}

// matchScore evaluates score conditions in declared order.
func matchScore(conds []ScoreCondition, score float64) (string, bool) {
	for _, c := range conds {
		if c.Target == "" {
			continue
		}
		matched := false
		switch c.Op {
		case OpLT:
			matched = score < c.Value
		case OpLTE:
			matched = score <= c.Value
		case OpEQ:
			matched = score == c.Value
		case OpGTE:
			matched = score >= c.Value
		case OpGT:
			matched = score > c.Value
		case OpInRange:
			matched = score >= c.Value && score <= c.High
		}
		if matched {
			return c.Target, true
		}
	}
	return "", false
}

// transitionScore locates the score a score rule compares against: the latest
// rubric evaluation when present, otherwise a "score" context key. String
// numbers in context are tolerated.
func transitionScore(state *ExecutionState) (float64, bool) {
	if state.Rubric != nil {
		return state.Rubric.Score, true
	}
	raw, ok := state.Context["score"]
	if !ok {
		return 0, false
	}
	return toFloat(raw)
}

// toFloat coerces JSON numbers and numeric strings to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
