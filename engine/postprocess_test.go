package engine

import "testing"

func TestExtractOutput(t *testing.T) {
	newState := func() *ExecutionState {
		return NewExecutionState("e1", "wf", "a", "t1", nil)
	}

	t.Run("raw output stored under node id", func(t *testing.T) {
		state := newState()
		extractOutput(&Node{ID: "process"}, Success("hello world", nil), state)
		if state.Context["process"] != "hello world" {
			t.Fatalf("context = %v", state.Context)
		}
	})

	t.Run("named keys extracted from JSON output", func(t *testing.T) {
		state := newState()
		node := &Node{ID: "eval", OutputParams: []string{"score", "verdict"}}
		extractOutput(node, Success(`{"score": 9.5, "verdict": "good", "extra": 1}`, nil), state)
		if state.Context["score"] != 9.5 || state.Context["verdict"] != "good" {
			t.Fatalf("context = %v", state.Context)
		}
		if _, ok := state.Context["extra"]; ok {
			t.Fatal("undeclared keys must not be extracted")
		}
	})

	t.Run("JSON embedded in surrounding text", func(t *testing.T) {
		state := newState()
		node := &Node{ID: "eval", OutputParams: []string{"score"}}
		extractOutput(node, Success(`Sure! Here you go: {"score": 7} hope that helps`, nil), state)
		if state.Context["score"] != 7.0 {
			t.Fatalf("score = %v", state.Context["score"])
		}
	})

	t.Run("empty output with params declared is harmless", func(t *testing.T) {
		state := newState()
		node := &Node{ID: "eval", OutputParams: []string{"score"}}
		extractOutput(node, Success("", nil), state)
		if _, ok := state.Context["score"]; ok {
			t.Fatal("nothing should be extracted from empty output")
		}
		if _, ok := state.Context["eval"]; ok {
			t.Fatal("empty output must not pollute the node id slot")
		}
	})

	t.Run("malformed JSON stores raw output only", func(t *testing.T) {
		state := newState()
		node := &Node{ID: "eval", OutputParams: []string{"score"}}
		extractOutput(node, Success(`{"score": broken`, nil), state)
		if state.Context["eval"] != `{"score": broken` {
			t.Fatal("raw output must still be stored under the node id")
		}
		if _, ok := state.Context["score"]; ok {
			t.Fatal("no keys must be extracted from malformed JSON")
		}
	})

	t.Run("nested object values are skipped", func(t *testing.T) {
		state := newState()
		node := &Node{ID: "eval", OutputParams: []string{"details", "score"}}
		extractOutput(node, Success(`{"details": {"a": 1}, "score": 5}`, nil), state)
		if _, ok := state.Context["details"]; ok {
			t.Fatal("nested objects must be skipped, not flattened")
		}
		if state.Context["score"] != 5.0 {
			t.Fatalf("score = %v", state.Context["score"])
		}
	})
}

func TestPreviousDistinctNode(t *testing.T) {
	state := NewExecutionState("e1", "wf", "c", "t1", nil)
	for _, id := range []string{"a", "b", "c", "c"} {
		state.History.Append(ExecutionStep{NodeID: id})
	}
	if prev := previousDistinctNode(state, "c"); prev != "b" {
		t.Fatalf("previous distinct = %q, want b", prev)
	}
	if prev := previousDistinctNode(state, "a"); prev != "c" {
		t.Fatalf("previous distinct = %q, want c", prev)
	}
	empty := NewExecutionState("e2", "wf", "a", "t1", nil)
	if prev := previousDistinctNode(empty, "a"); prev != "" {
		t.Fatalf("no history should yield empty, got %q", prev)
	}
}

func TestEvalCondition(t *testing.T) {
	ctx := map[string]any{"n": 2.0, "label": "ready"}

	cases := []struct {
		name string
		cond *Condition
		want bool
	}{
		{"nil condition is truthy", nil, true},
		{"always", &Condition{Always: true}, true},
		{"numeric LT true", &Condition{Key: "n", Op: OpLT, Value: 3}, true},
		{"numeric LT false", &Condition{Key: "n", Op: OpLT, Value: 2}, false},
		{"numeric GTE", &Condition{Key: "n", Op: OpGTE, Value: 2}, true},
		{"string equality", &Condition{Key: "label", Op: OpEQ, Value: "ready"}, true},
		{"missing key is falsy", &Condition{Key: "absent", Op: OpEQ, Value: 1}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := evalCondition(c.cond, ctx); got != c.want {
				t.Fatalf("evalCondition = %v, want %v", got, c.want)
			}
		})
	}
}
