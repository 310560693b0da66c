package engine

import (
	"context"
	"fmt"
	"sync"
)

// execParallel runs all branches of a parallel node concurrently and combines
// their results through consensus evaluation.
//
// Branches read a frozen copy of the context and write into branch-local
// results; the engine-wide branch semaphore bounds concurrency. The node's
// output is the winning branch's output (or the judge's final output);
// consensus routing overrides ordinary transitions when configured.
func (e *Executor) execParallel(ctx context.Context, wf *Workflow, node *Node, state *ExecutionState) (NodeResult, string, error) {
	if node.Consensus == nil {
		return Failure("parallel node has no consensus configuration", nil), "", nil
	}

	frozen, err := deepCopy(state.Context)
	if err != nil {
		return NodeResult{}, "", fmt.Errorf("freeze context for branches: %w", err)
	}

	results := make([]BranchResult, len(node.Branches))
	var wg sync.WaitGroup
	for i, branch := range node.Branches {
		wg.Add(1)
		go func(i int, branch Branch) {
			defer wg.Done()
			results[i] = e.runBranch(ctx, wf, branch, frozen)
		}(i, branch)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return NodeResult{}, "", ErrCancelled
	}

	outcome, err := e.evaluateConsensus(ctx, wf, node.Consensus, results)
	if err != nil {
		return Failure("consensus evaluation failed: "+err.Error(), err), "", nil
	}

	votes := make(map[string]any, len(outcome.Votes))
	for id, v := range outcome.Votes {
		votes[id] = string(v)
	}
	metadata := map[string]any{
		"consensus_reached": outcome.Reached,
		"winning_branch":    outcome.WinningBranch,
		"approve_count":     outcome.ApproveCount,
		"reject_count":      outcome.RejectCount,
		"abstain_count":     outcome.AbstainCount,
		"votes":             votes,
	}
	if outcome.Reasoning != "" {
		metadata["reasoning"] = outcome.Reasoning
	}

	if !outcome.Reached {
		return NodeResult{
			Status:   StatusFailure,
			Output:   outcome.Output,
			Metadata: metadata,
		}, node.Consensus.OnNoConsensus, nil
	}
	return Success(outcome.Output, metadata), node.Consensus.OnConsensus, nil
}

// runBranch invokes one branch's agent under the branch semaphore and
// evaluates its rubric when declared.
func (e *Executor) runBranch(ctx context.Context, wf *Workflow, branch Branch, frozen map[string]any) BranchResult {
	br := BranchResult{BranchID: branch.ID, Weight: branch.Weight}

	if err := e.branchSem.Acquire(ctx, 1); err != nil {
		br.Err = err
		return br
	}
	defer e.branchSem.Release(1)

	cfg, ok := wf.Agents[branch.AgentID]
	if !ok {
		br.Err = fmt.Errorf("branch agent not found: %s", branch.AgentID)
		return br
	}
	prompt := ResolveTemplate(branch.Prompt, frozen)
	resp, err := e.agents.Invoke(ctx, cfg, prompt)
	if err != nil {
		br.Err = err
		return br
	}
	br.Output = resp.Text
	br.Metadata = make(map[string]any, len(resp.Metadata)+2)
	for k, v := range resp.Metadata {
		br.Metadata[k] = v
	}

	if branch.RubricID != "" {
		definition, ok := wf.Rubrics[branch.RubricID]
		if !ok {
			br.Err = fmt.Errorf("branch rubric not found: %s", branch.RubricID)
			return br
		}
		eval, err := e.rubrics.Evaluate(branch.RubricID, branch.ID, definition, Success(br.Output, nil))
		if err != nil {
			br.Err = err
			return br
		}
		br.Metadata["rubric_passed"] = eval.Passed
		br.Metadata["rubric_score"] = eval.Score
	}
	return br
}
