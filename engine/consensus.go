package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// ConsensusStrategy selects how branch results of a parallel node combine
// into a single outcome.
type ConsensusStrategy string

// Consensus strategies.
const (
	MajorityVote ConsensusStrategy = "MAJORITY_VOTE"
	Unanimous    ConsensusStrategy = "UNANIMOUS"
	WeightedVote ConsensusStrategy = "WEIGHTED_VOTE"
	JudgeDecides ConsensusStrategy = "JUDGE_DECIDES"
)

// ConsensusConfig configures consensus evaluation for a parallel node.
type ConsensusConfig struct {
	Strategy ConsensusStrategy `json:"strategy"`

	// Threshold is the approval fraction for MAJORITY_VOTE and
	// WEIGHTED_VOTE. Defaults to 0.5.
	Threshold float64 `json:"threshold,omitempty"`

	// JudgeAgentID names the agent invoked for JUDGE_DECIDES.
	JudgeAgentID string `json:"judge_agent_id,omitempty"`

	// OnConsensus and OnNoConsensus name the successor nodes. When unset,
	// the node's ordinary transition rules apply.
	OnConsensus   string `json:"on_consensus,omitempty"`
	OnNoConsensus string `json:"on_no_consensus,omitempty"`
}

// Vote is a branch's stance toward approval.
type Vote string

// Branch votes.
const (
	VoteApprove Vote = "APPROVE"
	VoteReject  Vote = "REJECT"
	VoteAbstain Vote = "ABSTAIN"
)

// BranchResult is the outcome of one parallel branch, ready for consensus
// evaluation.
type BranchResult struct {
	BranchID string
	Output   string
	Metadata map[string]any
	Weight   float64
	Err      error
}

// ConsensusOutcome is the combined verdict over a parallel node's branches.
type ConsensusOutcome struct {
	Reached       bool
	WinningBranch string
	Output        string
	Votes         map[string]Vote
	Scores        map[string]float64
	ApproveCount  int
	RejectCount   int
	AbstainCount  int
	Reasoning     string
}

// scorePattern matches self-reported scores like "Score: 8.5" in branch
// output.
var scorePattern = regexp.MustCompile(`Score:\s*(\d+(\.\d+)?)`)

// extractVote determines a branch's vote and score.
//
// Preference order: rubric metadata when the branch was rubric-evaluated,
// then an explicit "score" metadata key, then a "Score: N" pattern in the
// output, then approval/rejection keywords. When nothing matches, the branch
// abstains with a neutral score of 50.
func extractVote(br BranchResult) (Vote, float64) {
	if br.Err != nil {
		return VoteReject, 0
	}
	if passed, ok := br.Metadata["rubric_passed"].(bool); ok {
		score := 50.0
		if s, ok := toFloat(br.Metadata["rubric_score"]); ok {
			score = s
		}
		if passed {
			return VoteApprove, score
		}
		return VoteReject, score
	}
	if s, ok := toFloat(br.Metadata["score"]); ok {
		if s >= 50 {
			return VoteApprove, s
		}
		return VoteReject, s
	}
	if m := scorePattern.FindStringSubmatch(br.Output); m != nil {
		if s, ok := toFloat(m[1]); ok {
			if s >= 50 {
				return VoteApprove, s
			}
			return VoteReject, s
		}
	}
	lower := strings.ToLower(br.Output)
	for _, kw := range []string{"approve", "accept", "pass"} {
		if strings.Contains(lower, kw) {
			return VoteApprove, 100
		}
	}
	for _, kw := range []string{"reject", "fail", "deny"} {
		if strings.Contains(lower, kw) {
			return VoteReject, 0
		}
	}
	return VoteAbstain, 50
}

// evaluateConsensus combines branch results according to the configured
// strategy. The judge agent, when required, is invoked through the registry.
//
// Evaluation is commutative with respect to branch order for the voting
// strategies; JUDGE_DECIDES is up to the judge.
func (e *Executor) evaluateConsensus(ctx context.Context, wf *Workflow, cfg *ConsensusConfig, branches []BranchResult) (ConsensusOutcome, error) {
	out := ConsensusOutcome{
		Votes:  make(map[string]Vote, len(branches)),
		Scores: make(map[string]float64, len(branches)),
	}
	for _, br := range branches {
		vote, score := extractVote(br)
		out.Votes[br.BranchID] = vote
		out.Scores[br.BranchID] = score
		switch vote {
		case VoteApprove:
			out.ApproveCount++
		case VoteReject:
			out.RejectCount++
		default:
			out.AbstainCount++
		}
	}

	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = 0.5
	}

	switch cfg.Strategy {
	case Unanimous:
		out.Reached = out.ApproveCount == len(branches) && len(branches) > 0
	case WeightedVote:
		var approveSum, totalSum float64
		for _, br := range branches {
			vote := out.Votes[br.BranchID]
			if vote == VoteAbstain {
				continue
			}
			weight := br.Weight
			if weight == 0 {
				weight = 1
			}
			weighted := out.Scores[br.BranchID] * weight
			totalSum += weighted
			if vote == VoteApprove {
				approveSum += weighted
			}
		}
		out.Reached = totalSum > 0 && approveSum/totalSum > threshold
	case JudgeDecides:
		return e.judgeConsensus(ctx, wf, cfg, branches, out)
	default: // MAJORITY_VOTE
		required := int(math.Ceil(float64(len(branches)) * threshold))
		out.Reached = out.ApproveCount >= required && len(branches) > 0
	}

	out.WinningBranch, out.Output = pickWinner(branches, out)
	return out, nil
}

// pickWinner selects the highest-scoring approving branch, falling back to
// the highest-scoring branch overall.
func pickWinner(branches []BranchResult, out ConsensusOutcome) (string, string) {
	best := -1
	bestScore := -1.0
	for i, br := range branches {
		if out.Votes[br.BranchID] != VoteApprove {
			continue
		}
		if s := out.Scores[br.BranchID]; s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		for i, br := range branches {
			if s := out.Scores[br.BranchID]; s > bestScore {
				best, bestScore = i, s
			}
		}
	}
	if best < 0 {
		return "", ""
	}
	return branches[best].BranchID, branches[best].Output
}

// judgeVerdict is the JSON shape the judge agent is instructed to return.
type judgeVerdict struct {
	Decision      string `json:"decision"`
	WinningBranch string `json:"winning_branch"`
	Reasoning     string `json:"reasoning"`
	FinalOutput   string `json:"final_output"`
}

func (e *Executor) judgeConsensus(ctx context.Context, wf *Workflow, cfg *ConsensusConfig, branches []BranchResult, out ConsensusOutcome) (ConsensusOutcome, error) {
	judgeCfg, ok := wf.Agents[cfg.JudgeAgentID]
	if !ok {
		return out, fmt.Errorf("judge agent not found: %s", cfg.JudgeAgentID)
	}

	var prompt strings.Builder
	prompt.WriteString("You are judging the outputs of parallel workflow branches.\n")
	prompt.WriteString("Respond with JSON: {\"decision\": \"approve\"|\"reject\", \"winning_branch\": \"<id>\", \"reasoning\": \"...\", \"final_output\": \"...\"}\n\n")
	for _, br := range branches {
		fmt.Fprintf(&prompt, "Branch %s:\n%s\n\n", br.BranchID, br.Output)
	}

	resp, err := e.agents.Invoke(ctx, judgeCfg, prompt.String())
	if err != nil {
		return out, fmt.Errorf("judge invocation: %w", err)
	}
	var verdict judgeVerdict
	if err := json.Unmarshal([]byte(stripCodeFence(resp.Text)), &verdict); err != nil {
		return out, fmt.Errorf("judge verdict parse: %w", err)
	}
	out.Reached = strings.EqualFold(verdict.Decision, "approve")
	out.WinningBranch = verdict.WinningBranch
	out.Reasoning = verdict.Reasoning
	out.Output = verdict.FinalOutput
	if out.Output == "" {
		for _, br := range branches {
			if br.BranchID == verdict.WinningBranch {
				out.Output = br.Output
			}
		}
	}
	return out, nil
}

// stripCodeFence removes a surrounding markdown code fence, with or without a
// language tag, from LLM output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		first := strings.TrimSpace(s[:nl])
		// A bare language tag on the fence line is dropped.
		if first == "json" || first == "" {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
