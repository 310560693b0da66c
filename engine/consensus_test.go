package engine

import (
	"context"
	"testing"

	"github.com/hensu-project/hensu-sub002/engine/agent"
)

func TestExtractVote(t *testing.T) {
	t.Run("rubric metadata wins over everything", func(t *testing.T) {
		vote, score := extractVote(BranchResult{
			Output:   "I reject this",
			Metadata: map[string]any{"rubric_passed": true, "rubric_score": 82.0, "score": 10.0},
		})
		if vote != VoteApprove || score != 82 {
			t.Fatalf("got %s/%v, want APPROVE/82", vote, score)
		}
	})

	t.Run("explicit score metadata", func(t *testing.T) {
		vote, score := extractVote(BranchResult{Metadata: map[string]any{"score": 30.0}})
		if vote != VoteReject || score != 30 {
			t.Fatalf("got %s/%v, want REJECT/30", vote, score)
		}
	})

	t.Run("score pattern in output", func(t *testing.T) {
		vote, score := extractVote(BranchResult{Output: "Looks good. Score: 87.5"})
		if vote != VoteApprove || score != 87.5 {
			t.Fatalf("got %s/%v, want APPROVE/87.5", vote, score)
		}
	})

	t.Run("approval keywords", func(t *testing.T) {
		if vote, _ := extractVote(BranchResult{Output: "I approve"}); vote != VoteApprove {
			t.Fatalf("got %s, want APPROVE", vote)
		}
		if vote, _ := extractVote(BranchResult{Output: "I must reject this"}); vote != VoteReject {
			t.Fatalf("got %s, want REJECT", vote)
		}
	})

	t.Run("no signal abstains at 50", func(t *testing.T) {
		vote, score := extractVote(BranchResult{Output: "interesting thoughts"})
		if vote != VoteAbstain || score != 50 {
			t.Fatalf("got %s/%v, want ABSTAIN/50", vote, score)
		}
	})

	t.Run("branch error rejects", func(t *testing.T) {
		vote, _ := extractVote(BranchResult{Err: context.DeadlineExceeded})
		if vote != VoteReject {
			t.Fatalf("got %s, want REJECT", vote)
		}
	})
}

func TestEvaluateConsensus(t *testing.T) {
	exec, err := NewExecutor(agent.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	wf := &Workflow{}

	branches := func(outputs ...string) []BranchResult {
		out := make([]BranchResult, len(outputs))
		for i, o := range outputs {
			out[i] = BranchResult{BranchID: string(rune('a' + i)), Output: o}
		}
		return out
	}

	t.Run("majority two of three", func(t *testing.T) {
		outcome, err := exec.evaluateConsensus(ctx, wf, &ConsensusConfig{Strategy: MajorityVote},
			branches("I approve", "I approve", "I reject"))
		if err != nil {
			t.Fatal(err)
		}
		if !outcome.Reached {
			t.Fatal("2 of 3 approvals should reach majority at default threshold")
		}
		if outcome.ApproveCount != 2 || outcome.RejectCount != 1 {
			t.Fatalf("counts: approve=%d reject=%d", outcome.ApproveCount, outcome.RejectCount)
		}
	})

	t.Run("majority one of three fails", func(t *testing.T) {
		outcome, err := exec.evaluateConsensus(ctx, wf, &ConsensusConfig{Strategy: MajorityVote},
			branches("I approve", "I reject", "I reject"))
		if err != nil {
			t.Fatal(err)
		}
		if outcome.Reached {
			t.Fatal("1 of 3 approvals should not reach majority")
		}
	})

	t.Run("unanimous rejects on abstain", func(t *testing.T) {
		outcome, err := exec.evaluateConsensus(ctx, wf, &ConsensusConfig{Strategy: Unanimous},
			branches("I approve", "no opinion here"))
		if err != nil {
			t.Fatal(err)
		}
		if outcome.Reached {
			t.Fatal("an abstention must fail unanimous consensus")
		}
	})

	t.Run("unanimous all approve", func(t *testing.T) {
		outcome, err := exec.evaluateConsensus(ctx, wf, &ConsensusConfig{Strategy: Unanimous},
			branches("I approve", "approve", "pass"))
		if err != nil {
			t.Fatal(err)
		}
		if !outcome.Reached {
			t.Fatal("all approvals should reach unanimous consensus")
		}
	})

	t.Run("weighted vote", func(t *testing.T) {
		brs := []BranchResult{
			{BranchID: "strong", Output: "Score: 90", Weight: 3},
			{BranchID: "weak", Output: "Score: 40", Weight: 1},
		}
		outcome, err := exec.evaluateConsensus(ctx, wf, &ConsensusConfig{Strategy: WeightedVote}, brs)
		if err != nil {
			t.Fatal(err)
		}
		// approve 90*3=270 over total 270+40=310 is above 0.5.
		if !outcome.Reached {
			t.Fatal("weighted approval share above threshold should reach consensus")
		}
	})

	t.Run("winner is highest scoring approval", func(t *testing.T) {
		brs := []BranchResult{
			{BranchID: "low", Output: "Score: 60"},
			{BranchID: "high", Output: "Score: 95"},
		}
		outcome, err := exec.evaluateConsensus(ctx, wf, &ConsensusConfig{Strategy: MajorityVote}, brs)
		if err != nil {
			t.Fatal(err)
		}
		if outcome.WinningBranch != "high" || outcome.Output != "Score: 95" {
			t.Fatalf("winner = %q output = %q", outcome.WinningBranch, outcome.Output)
		}
	})
}

func TestStripCodeFence(t *testing.T) {
	cases := []struct{ in, want string }{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n[1,2]\n```", "[1,2]"},
		{`{"a":1}`, `{"a":1}`},
		{"  plain text  ", "plain text"},
	}
	for _, c := range cases {
		if got := stripCodeFence(c.in); got != c.want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
