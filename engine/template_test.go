package engine

import "testing"

func TestResolveTemplate(t *testing.T) {
	ctx := map[string]any{
		"name":  "Ada",
		"score": 9.5,
		"done":  true,
		"data":  map[string]any{"k": "v"},
	}

	cases := []struct{ name, in, want string }{
		{"plain string", "hello {name}", "hello Ada"},
		{"number", "score is {score}", "score is 9.5"},
		{"bool", "flag={done}", "flag=true"},
		{"structured value as JSON", "payload: {data}", `payload: {"k":"v"}`},
		{"unknown variable untouched", "keep {missing} here", "keep {missing} here"},
		{"no placeholders", "just text", "just text"},
		{"multiple", "{name}: {score}", "Ada: 9.5"},
		{"unbalanced brace", "open { only", "open { only"},
		{"braces with spaces left alone", "if {a b} then", "if {a b} then"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ResolveTemplate(c.in, ctx); got != c.want {
				t.Fatalf("ResolveTemplate(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}
