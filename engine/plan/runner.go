package plan

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hensu-project/hensu-sub002/engine/agent"
)

// ToolCaller dispatches a tool call and returns its result. The engine's
// tool transport satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, tenantID, tool string, args map[string]any) (map[string]any, error)
}

// Runner executes plans step by step.
//
// Tool-call steps go through the tool transport with their arguments
// template-resolved against the execution context and prior step outputs.
// Synthesize steps invoke the node's agent (or the step's own agent when one
// is named) with visibility into prior step outputs. Step failures in dynamic
// plans trigger a planner revision, capped
// by MaxRevisions; static plans are never revised.
type Runner struct {
	Agents  *agent.Registry
	Tools   ToolCaller
	Planner *Planner

	// Resolve substitutes {variable} placeholders; the engine supplies its
	// template resolver.
	Resolve func(template string, context map[string]any) string

	Observers []Observer

	// MaxRevisions caps planner revisions per run. Default: 1.
	MaxRevisions int
}

// RunInput carries the per-run parameters.
type RunInput struct {
	ExecutionID string
	TenantID    string

	// AgentCfg is the node's agent, used for synthesize steps without an
	// agent of their own.
	AgentCfg agent.Config

	// AgentConfigs resolves per-step agent overrides (Step.AgentID) to
	// their configurations, keyed by agent ID.
	AgentConfigs map[string]agent.Config

	// PlannerCfg is the planning agent, used for revisions.
	PlannerCfg agent.Config

	// Context is a read-only view of the execution context for templating.
	Context map[string]any
}

// RunOutput is the result of a completed plan.
type RunOutput struct {
	// Output is the final synthesized output, or the last tool result
	// rendered as JSON when the plan has no synthesize step.
	Output string

	// StepOutputs holds per-step results under step-scoped keys
	// ("step_1_read_file", "step_2_synthesize").
	StepOutputs map[string]any

	// Revisions counts planner revisions applied during the run.
	Revisions int
}

// Run executes the plan to completion or failure.
func (r *Runner) Run(ctx context.Context, p *Plan, in RunInput) (RunOutput, error) {
	out := RunOutput{StepOutputs: make(map[string]any)}
	maxRevisions := r.MaxRevisions
	if maxRevisions == 0 {
		maxRevisions = 1
	}

	i := 0
	for i < len(p.Steps) {
		step := p.Steps[i]
		r.notify(Event{Type: EventStepStarted, ExecutionID: in.ExecutionID, Plan: p, StepIndex: i})

		result, err := r.runStep(ctx, step, i, in, out.StepOutputs, &out.Output)
		if err != nil {
			r.notify(Event{Type: EventStepFailed, ExecutionID: in.ExecutionID, Plan: p, StepIndex: i, Err: err})
			if p.Mode != Dynamic || out.Revisions >= maxRevisions || r.Planner == nil {
				return out, fmt.Errorf("plan step %d (%s): %w", i+1, stepName(step), err)
			}
			revised, revErr := r.Planner.Revise(ctx, in.PlannerCfg, p, i, err)
			if revErr != nil {
				return out, fmt.Errorf("plan revision after step %d: %w", i+1, revErr)
			}
			out.Revisions++
			*p = *revised
			r.notify(Event{Type: EventRevised, ExecutionID: in.ExecutionID, Plan: p})
			i = 0
			continue
		}

		key := fmt.Sprintf("step_%d_%s", i+1, stepName(step))
		out.StepOutputs[key] = result
		r.notify(Event{Type: EventStepCompleted, ExecutionID: in.ExecutionID, Plan: p, StepIndex: i})
		i++
	}

	r.notify(Event{Type: EventCompleted, ExecutionID: in.ExecutionID, Plan: p})
	return out, nil
}

// runStep executes one step. Tool results come back as structured values;
// synthesize results update the running final output.
func (r *Runner) runStep(ctx context.Context, step Step, index int, in RunInput, priorOutputs map[string]any, finalOutput *string) (any, error) {
	scope := templateScope(in.Context, priorOutputs)

	if step.IsToolCall() {
		if r.Tools == nil {
			return nil, fmt.Errorf("no tool transport configured")
		}
		args := resolveArguments(step.Arguments, scope, r.Resolve)
		result, err := r.Tools.CallTool(ctx, in.TenantID, step.Tool, args)
		if err != nil {
			return nil, err
		}
		if *finalOutput == "" {
			if rendered, err := json.Marshal(result); err == nil {
				*finalOutput = string(rendered)
			}
		}
		return result, nil
	}

	prompt := step.Description
	if r.Resolve != nil {
		prompt = r.Resolve(prompt, scope)
	}
	if len(priorOutputs) > 0 {
		prior, err := json.Marshal(priorOutputs)
		if err == nil {
			prompt += "\n\nPrior step outputs:\n" + string(prior)
		}
	}
	cfg := in.AgentCfg
	if step.AgentID != "" {
		alt, ok := in.AgentConfigs[step.AgentID]
		if !ok {
			return nil, fmt.Errorf("unknown step agent: %s", step.AgentID)
		}
		cfg = alt
	}
	resp, err := r.Agents.Invoke(ctx, cfg, prompt)
	if err != nil {
		return nil, err
	}
	*finalOutput = resp.Text
	return resp.Text, nil
}

// resolveArguments template-resolves string argument values; structured
// values pass through unchanged.
func resolveArguments(args map[string]any, scope map[string]any, resolve func(string, map[string]any) string) map[string]any {
	if len(args) == 0 || resolve == nil {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			out[k] = resolve(s, scope)
		} else {
			out[k] = v
		}
	}
	return out
}

// templateScope overlays prior step outputs onto the execution context.
func templateScope(context, stepOutputs map[string]any) map[string]any {
	scope := make(map[string]any, len(context)+len(stepOutputs))
	for k, v := range context {
		scope[k] = v
	}
	for k, v := range stepOutputs {
		scope[k] = v
	}
	return scope
}

func stepName(step Step) string {
	if step.IsToolCall() {
		return step.Tool
	}
	return "synthesize"
}

func (r *Runner) notify(event Event) {
	for _, o := range r.Observers {
		o.OnPlanEvent(event)
	}
}
