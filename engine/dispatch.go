package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hensu-project/hensu-sub002/engine/agent"
	"github.com/hensu-project/hensu-sub002/engine/emit"
	"github.com/hensu-project/hensu-sub002/engine/plan"
)

// dispatch routes a node to its kind-specific executor.
//
// The returned override, when non-empty, names the next node and takes
// precedence over transition resolution (loop break rules and consensus
// routing use it). Errors indicate infrastructure failures that terminate the
// execution; ordinary node failures come back as FAILURE results instead.
func (e *Executor) dispatch(ctx context.Context, tenant TenantContext, wf *Workflow, node *Node, state *ExecutionState, depth int) (NodeResult, string, error) {
	if e.nodeTimeout > 0 && node.Kind != NodeEnd {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.nodeTimeout)
		defer cancel()
	}

	switch node.Kind {
	case NodeStandard:
		res := e.execStandard(ctx, wf, node, state)
		return res, "", nil
	case NodeParallel:
		return e.execParallel(ctx, wf, node, state)
	case NodeFork:
		res := e.execFork(ctx, tenant, wf, node, state, depth)
		return res, "", nil
	case NodeJoin:
		res := e.execJoin(ctx, node, state)
		return res, "", nil
	case NodeLoop:
		return e.execLoop(ctx, tenant, wf, node, state, depth)
	case NodeSubWorkflow:
		res := e.execSubWorkflow(ctx, tenant, node, state, depth)
		return res, "", nil
	case NodeAction:
		res := e.execAction(ctx, node, state)
		return res, "", nil
	case NodeGeneric:
		res := e.execGeneric(ctx, node, state)
		return res, "", nil
	case NodeEnd:
		status := node.ExitStatus
		if status == "" {
			status = ExitSuccess
		}
		return NodeResult{Status: StatusEnd, ExitStatus: status}, "", nil
	default:
		return NodeResult{}, "", fmt.Errorf("unknown node kind: %s", node.Kind)
	}
}

// execStandard runs a standard agent node: template-resolve the prompt,
// invoke the agent, or delegate to the plan subsystem when planning is
// enabled.
func (e *Executor) execStandard(ctx context.Context, wf *Workflow, node *Node, state *ExecutionState) NodeResult {
	prompt := ResolveTemplate(node.Prompt, state.Context)

	if node.Planning != nil {
		return e.execPlanned(ctx, wf, node, state, prompt)
	}

	cfg, ok := wf.Agents[node.AgentID]
	if !ok {
		return Failure("agent not found: "+node.AgentID, nil)
	}
	// The transcript records the bare prompt; the augmented form would
	// re-embed the prior conversation on every turn.
	basePrompt := prompt
	if cfg.MaintainContext {
		prompt = withTranscript(state, node.AgentID, prompt)
	}
	resp, err := e.agents.Invoke(ctx, cfg, prompt)
	if err != nil {
		return Failure("agent invocation failed: "+err.Error(), err)
	}
	if cfg.MaintainContext {
		appendTranscript(state, node.AgentID, basePrompt, resp.Text)
	}
	return Success(resp.Text, resp.Metadata)
}

// execPlanned builds and runs a plan for the node. With RequireReview set the
// first pass pauses the execution with the constructed plan stashed in
// context; the resumed pass picks it up and runs it.
func (e *Executor) execPlanned(ctx context.Context, wf *Workflow, node *Node, state *ExecutionState, goal string) NodeResult {
	agentCfg, ok := wf.Agents[node.AgentID]
	if !ok {
		return Failure("agent not found: "+node.AgentID, nil)
	}
	planKey := node.ID + "_plan"
	planner := plan.NewPlanner(e.agents)

	var nodePlan *plan.Plan
	if approved, _ := state.Context[KeyPlanReviewRequired].(bool); approved {
		// Re-entry after review: run the stashed (possibly modified) plan.
		stashed, err := loadStashedPlan(state.Context[planKey])
		if err != nil {
			return Failure("stashed plan is invalid: "+err.Error(), err)
		}
		delete(state.Context, KeyPlanReviewRequired)
		delete(state.Context, planKey)
		nodePlan = stashed
	} else {
		built, err := e.buildPlan(ctx, planner, agentCfg, node, goal)
		if err != nil {
			return Failure("plan construction failed: "+err.Error(), err)
		}
		nodePlan = built
		e.notifyPlan(plan.Event{Type: plan.EventCreated, ExecutionID: state.ExecutionID, Plan: nodePlan})
		e.emitEvent(state, node.ID, emit.MsgPlanCreated, map[string]any{"steps": len(nodePlan.Steps)})

		if node.Planning.RequireReview {
			raw, err := json.Marshal(nodePlan)
			if err != nil {
				return Failure("plan serialization failed: "+err.Error(), err)
			}
			state.Context[planKey] = string(raw)
			state.Context[KeyPlanReviewRequired] = true
			return Pending(map[string]any{KeyPlanReviewRequired: true})
		}
	}

	runner := &plan.Runner{
		Agents:    e.agents,
		Tools:     e.tools,
		Planner:   planner,
		Resolve:   ResolveTemplate,
		Observers: e.planObservers,
	}
	out, err := runner.Run(ctx, nodePlan, plan.RunInput{
		ExecutionID:  state.ExecutionID,
		TenantID:     state.TenantID(),
		AgentCfg:     agentCfg,
		AgentConfigs: wf.Agents,
		PlannerCfg:   agentCfg,
		Context:      state.Context,
	})
	for k, v := range out.StepOutputs {
		state.Context[k] = v
	}
	if err != nil {
		return Failure("plan execution failed: "+err.Error(), err)
	}
	if out.Revisions > 0 {
		e.emitEvent(state, node.ID, emit.MsgPlanRevised, map[string]any{"revisions": out.Revisions})
	}
	return Success(out.Output, map[string]any{"plan_steps": len(nodePlan.Steps), "plan_revisions": out.Revisions})
}

func (e *Executor) buildPlan(ctx context.Context, planner *plan.Planner, agentCfg agent.Config, node *Node, goal string) (*plan.Plan, error) {
	if node.Planning.Mode == PlanStatic {
		steps := make([]plan.Step, 0, len(node.Planning.Steps))
		for _, def := range node.Planning.Steps {
			steps = append(steps, plan.Step{
				Tool:        def.Tool,
				Arguments:   def.Arguments,
				Synthesize:  def.Synthesize,
				AgentID:     def.AgentID,
				Description: def.Description,
			})
		}
		if len(steps) == 0 {
			return nil, fmt.Errorf("static plan has no steps")
		}
		return &plan.Plan{NodeID: node.ID, Mode: plan.Static, Steps: steps, Constraints: node.Planning.Constraints}, nil
	}
	return planner.Build(ctx, agentCfg, node.ID, goal, e.toolDescs, node.Planning.Constraints)
}

func loadStashedPlan(raw any) (*plan.Plan, error) {
	text, ok := raw.(string)
	if !ok || text == "" {
		return nil, fmt.Errorf("no stashed plan in context")
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (e *Executor) notifyPlan(event plan.Event) {
	for _, o := range e.planObservers {
		o.OnPlanEvent(event)
	}
}

// execAction runs the node's actions in order. The node succeeds iff every
// action succeeds.
func (e *Executor) execAction(ctx context.Context, node *Node, state *ExecutionState) NodeResult {
	results := make(map[string]any, len(node.Actions))
	for i, action := range node.Actions {
		switch action.Type {
		case ActionSend:
			result, err := e.sendAction(ctx, action, state)
			if err != nil {
				return Failure(fmt.Sprintf("action %d (%s): %s", i+1, action.HandlerID, err.Error()), err)
			}
			results[fmt.Sprintf("action_%d_%s", i+1, action.HandlerID)] = result
		case ActionExecute:
			// Local command execution never runs on the engine host.
			return Failure(fmt.Sprintf("action %d: execute actions are not supported by the server executor", i+1), nil)
		default:
			return Failure(fmt.Sprintf("action %d: unknown action type %q", i+1, action.Type), nil)
		}
	}
	return Success("", map[string]any{"actions": len(node.Actions), "results": results})
}

// sendAction dispatches a send action to a registered in-process handler, or
// through the tool transport when none is registered.
func (e *Executor) sendAction(ctx context.Context, action Action, state *ExecutionState) (map[string]any, error) {
	payload := resolvePayload(action.Payload, state.Context)
	if e.actionReg != nil {
		if h := e.actionReg.Lookup(action.HandlerID); h != nil {
			return h.Handle(ctx, payload)
		}
	}
	if e.tools == nil {
		return nil, fmt.Errorf("no handler registered and no tool transport configured")
	}
	started := time.Now()
	result, err := e.tools.CallTool(ctx, state.TenantID(), action.HandlerID, payload)
	e.metrics.ToolCallObserved(err, time.Since(started))
	e.emitEvent(state, "", emit.MsgToolCall, map[string]any{"tool": action.HandlerID, "ok": err == nil})
	return result, err
}

// resolvePayload template-resolves string payload values against context.
func resolvePayload(payload map[string]any, context map[string]any) map[string]any {
	if len(payload) == 0 {
		return payload
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			out[k] = ResolveTemplate(s, context)
		} else {
			out[k] = v
		}
	}
	return out
}

// execGeneric delegates to the handler registered for the node's executor
// type.
func (e *Executor) execGeneric(ctx context.Context, node *Node, state *ExecutionState) NodeResult {
	h, ok := e.generics[node.ExecutorType]
	if !ok {
		return Failure("no handler registered for executor type: "+node.ExecutorType, nil)
	}
	result, err := h.Execute(ctx, node.Config, state)
	if err != nil {
		return Failure("generic handler failed: "+err.Error(), err)
	}
	return result
}

// transcriptKey scopes the conversation transcript for context-maintaining
// agents.
func transcriptKey(agentID string) string { return "_transcript_" + agentID }

// withTranscript prepends the prior exchanges of a context-maintaining agent.
func withTranscript(state *ExecutionState, agentID, prompt string) string {
	prior, ok := state.Context[transcriptKey(agentID)].(string)
	if !ok || prior == "" {
		return prompt
	}
	return "Previous conversation:\n" + prior + "\n\n" + prompt
}

// appendTranscript records an exchange for a context-maintaining agent.
func appendTranscript(state *ExecutionState, agentID, prompt, response string) {
	key := transcriptKey(agentID)
	prior, _ := state.Context[key].(string)
	entry := "User: " + prompt + "\nAssistant: " + response
	if prior == "" {
		state.Context[key] = entry
	} else {
		state.Context[key] = prior + "\n" + entry
	}
}
