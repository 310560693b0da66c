package engine

import "testing"

func TestResolveTransition(t *testing.T) {
	t.Run("success rule matches success result", func(t *testing.T) {
		node := &Node{ID: "a", Transitions: []TransitionRule{
			{Type: TransitionSuccess, Target: "b"},
		}}
		state := NewExecutionState("e1", "wf", "a", "t1", nil)
		next, ok := resolveTransition(node, Success("out", nil), state)
		if !ok || next != "b" {
			t.Fatalf("expected b, got %q ok=%v", next, ok)
		}
	})

	t.Run("success rule ignores failure result", func(t *testing.T) {
		node := &Node{ID: "a", Transitions: []TransitionRule{
			{Type: TransitionSuccess, Target: "b"},
		}}
		state := NewExecutionState("e1", "wf", "a", "t1", nil)
		if _, ok := resolveTransition(node, Failure("boom", nil), state); ok {
			t.Fatal("failure result must not match a success rule")
		}
	})

	t.Run("failure rule retries until cap then routes to target", func(t *testing.T) {
		node := &Node{ID: "a", Transitions: []TransitionRule{
			{Type: TransitionFailure, RetryCount: 2, Target: "fallback"},
		}}
		state := NewExecutionState("e1", "wf", "a", "t1", nil)

		for i := 0; i < 2; i++ {
			next, ok := resolveTransition(node, Failure("boom", nil), state)
			if !ok || next != "a" {
				t.Fatalf("retry %d: expected a, got %q ok=%v", i, next, ok)
			}
		}
		if state.RetryCount("a") != 2 {
			t.Fatalf("expected retry count 2, got %d", state.RetryCount("a"))
		}
		next, ok := resolveTransition(node, Failure("boom", nil), state)
		if !ok || next != "fallback" {
			t.Fatalf("expected fallback after cap, got %q ok=%v", next, ok)
		}
	})

	t.Run("score rule reads rubric evaluation first", func(t *testing.T) {
		node := &Node{ID: "a", Transitions: []TransitionRule{
			{Type: TransitionScore, Conditions: []ScoreCondition{
				{Op: OpGTE, Value: 8, Target: "high"},
				{Op: OpGTE, Value: 4, Target: "medium"},
				{Op: OpLT, Value: 4, Target: "low"},
			}},
		}}
		state := NewExecutionState("e1", "wf", "a", "t1", nil)
		state.Rubric = &RubricEvaluation{Score: 9.5}
		next, ok := resolveTransition(node, Success("", nil), state)
		if !ok || next != "high" {
			t.Fatalf("expected high, got %q ok=%v", next, ok)
		}
	})

	t.Run("score rule falls back to score context key", func(t *testing.T) {
		node := &Node{ID: "a", Transitions: []TransitionRule{
			{Type: TransitionScore, Conditions: []ScoreCondition{
				{Op: OpGTE, Value: 8, Target: "high"},
				{Op: OpGTE, Value: 4, Target: "medium"},
			}},
		}}
		state := NewExecutionState("e1", "wf", "a", "t1", map[string]any{"score": "6.5"})
		next, ok := resolveTransition(node, Success("", nil), state)
		if !ok || next != "medium" {
			t.Fatalf("expected medium for string score, got %q ok=%v", next, ok)
		}
	})

	t.Run("in-range condition", func(t *testing.T) {
		conds := []ScoreCondition{{Op: OpInRange, Value: 40, High: 60, Target: "mid"}}
		if target, ok := matchScore(conds, 50); !ok || target != "mid" {
			t.Fatalf("50 should be in [40,60], got %q ok=%v", target, ok)
		}
		if _, ok := matchScore(conds, 61); ok {
			t.Fatal("61 should be outside [40,60]")
		}
	})

	t.Run("always rule matches anything", func(t *testing.T) {
		node := &Node{ID: "a", Transitions: []TransitionRule{
			{Type: TransitionAlways, Target: "next"},
		}}
		state := NewExecutionState("e1", "wf", "a", "t1", nil)
		next, ok := resolveTransition(node, Failure("boom", nil), state)
		if !ok || next != "next" {
			t.Fatalf("expected next, got %q ok=%v", next, ok)
		}
	})

	t.Run("no rules means no match", func(t *testing.T) {
		node := &Node{ID: "a"}
		state := NewExecutionState("e1", "wf", "a", "t1", nil)
		if _, ok := resolveTransition(node, Success("", nil), state); ok {
			t.Fatal("empty transitions must not match")
		}
	})

	t.Run("rules evaluated in declared order", func(t *testing.T) {
		node := &Node{ID: "a", Transitions: []TransitionRule{
			{Type: TransitionAlways, Target: "first"},
			{Type: TransitionSuccess, Target: "second"},
		}}
		state := NewExecutionState("e1", "wf", "a", "t1", nil)
		next, _ := resolveTransition(node, Success("", nil), state)
		if next != "first" {
			t.Fatalf("expected first declared rule to win, got %q", next)
		}
	})
}

func TestToFloat(t *testing.T) {
	cases := []struct {
		in   any
		want float64
		ok   bool
	}{
		{9.5, 9.5, true},
		{7, 7, true},
		{int64(3), 3, true},
		{"6.5", 6.5, true},
		{"not a number", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, c := range cases {
		got, ok := toFloat(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("toFloat(%v) = %v, %v; want %v, %v", c.in, got, ok, c.want, c.ok)
		}
	}
}
