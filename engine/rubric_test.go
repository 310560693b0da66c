package engine

import "testing"

func TestRubricEvaluate(t *testing.T) {
	re := NewRubricEngine()

	t.Run("fractional score normalizes to percentage", func(t *testing.T) {
		eval, err := re.Evaluate("quality", "draft", `{"pass_threshold": 70}`,
			Success(`{"score": 0.65}`, nil))
		if err != nil {
			t.Fatal(err)
		}
		if eval.Score != 65 {
			t.Fatalf("score = %v, want 65", eval.Score)
		}
		if eval.Passed {
			t.Fatal("65 must fail threshold 70")
		}
	})

	t.Run("passing score", func(t *testing.T) {
		eval, err := re.Evaluate("quality", "draft", `{"pass_threshold": 70}`,
			Success(`{"score": 85}`, nil))
		if err != nil {
			t.Fatal(err)
		}
		if !eval.Passed || eval.Score != 85 {
			t.Fatalf("eval = %+v, want passed at 85", eval)
		}
	})

	t.Run("weighted criteria", func(t *testing.T) {
		def := `{"pass_threshold": 70, "criteria": [
			{"name": "accuracy", "weight": 0.6},
			{"name": "clarity", "weight": 0.4}
		]}`
		eval, err := re.Evaluate("quality", "draft", def,
			Success(`{"scores": {"accuracy": 90, "clarity": 60}}`, nil))
		if err != nil {
			t.Fatal(err)
		}
		// 90*0.6 + 60*0.4 = 78.
		if eval.Score != 78 {
			t.Fatalf("score = %v, want 78", eval.Score)
		}
		if !eval.Passed {
			t.Fatal("78 must pass threshold 70")
		}
	})

	t.Run("score from metadata when output is prose", func(t *testing.T) {
		eval, err := re.Evaluate("quality", "draft", `{"pass_threshold": 50}`,
			Success("looks fine", map[string]any{"score": 0.9}))
		if err != nil {
			t.Fatal(err)
		}
		if eval.Score != 90 {
			t.Fatalf("score = %v, want 90", eval.Score)
		}
	})

	t.Run("no extractable score fails at zero", func(t *testing.T) {
		eval, err := re.Evaluate("quality", "draft", `{"pass_threshold": 50}`,
			Success("no numbers here", nil))
		if err != nil {
			t.Fatal(err)
		}
		if eval.Score != 0 || eval.Passed {
			t.Fatalf("eval = %+v, want failing zero", eval)
		}
	})

	t.Run("score embedded in surrounding text", func(t *testing.T) {
		eval, err := re.Evaluate("quality", "draft", `{"pass_threshold": 70}`,
			Success("Here is my verdict: {\"score\": 75} as requested", nil))
		if err != nil {
			t.Fatal(err)
		}
		if eval.Score != 75 {
			t.Fatalf("score = %v, want 75", eval.Score)
		}
	})

	t.Run("invalid definition rejected", func(t *testing.T) {
		if _, err := re.Evaluate("bad", "draft", `not json`, Success("", nil)); err == nil {
			t.Fatal("malformed rubric definition must error")
		}
		if _, err := re.Evaluate("bad", "draft", `{"pass_threshold": 0}`, Success("", nil)); err == nil {
			t.Fatal("non-positive threshold must error")
		}
	})
}

func TestNormalizeScore(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0.65, 65},
		{1, 100},
		{65, 65},
		{150, 100},
		{-5, 0},
		{0, 0},
	}
	for _, c := range cases {
		if got := normalizeScore(c.in); got != c.want {
			t.Errorf("normalizeScore(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
