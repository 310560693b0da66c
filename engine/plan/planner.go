package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hensu-project/hensu-sub002/engine/agent"
)

// Planner generates and revises plans by prompting a planning agent.
//
// The planner expects the agent to answer with a JSON array of step
// dictionaries:
//
//	[
//	  {"tool": "read_file", "arguments": {"path": "a.txt"}, "description": "..."},
//	  {"synthesize": true, "description": "Summarize the file contents"}
//	]
//
// Markdown code fences around the array are stripped; bare arrays are
// accepted as-is.
type Planner struct {
	agents *agent.Registry
}

// NewPlanner creates a planner on the given agent registry.
func NewPlanner(agents *agent.Registry) *Planner {
	return &Planner{agents: agents}
}

// Build prompts the planning agent with the node's goal, the available tool
// descriptors, and the declared constraints, and parses the response into a
// plan.
func (p *Planner) Build(ctx context.Context, cfg agent.Config, nodeID, goal string, tools []ToolDescriptor, constraints []string) (*Plan, error) {
	var prompt strings.Builder
	prompt.WriteString("Create a step-by-step plan to accomplish this goal:\n")
	prompt.WriteString(goal)
	prompt.WriteString("\n\nAvailable tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&prompt, "- %s: %s\n", t.Name, t.Description)
	}
	if len(constraints) > 0 {
		prompt.WriteString("\nConstraints:\n")
		for _, c := range constraints {
			prompt.WriteString("- " + c + "\n")
		}
	}
	prompt.WriteString("\nRespond with a JSON array of steps. Each step is either\n")
	prompt.WriteString(`{"tool": "<name>", "arguments": {...}, "description": "..."} or ` +
		`{"synthesize": true, "description": "..."}.` + "\n")

	resp, err := p.agents.Invoke(ctx, cfg, prompt.String())
	if err != nil {
		return nil, fmt.Errorf("planner invocation: %w", err)
	}
	steps, err := ParseSteps(resp.Text)
	if err != nil {
		return nil, err
	}
	return &Plan{NodeID: nodeID, Mode: Dynamic, Steps: steps, Constraints: constraints}, nil
}

// Revise asks the planning agent for a corrected plan given a step failure.
// The revised plan replaces the current one.
func (p *Planner) Revise(ctx context.Context, cfg agent.Config, current *Plan, failedStep int, cause error) (*Plan, error) {
	currentJSON, err := json.Marshal(current.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal current plan: %w", err)
	}
	var prompt strings.Builder
	prompt.WriteString("The following plan failed and needs revision.\n\nPlan:\n")
	prompt.Write(currentJSON)
	fmt.Fprintf(&prompt, "\n\nStep %d failed with: %v\n", failedStep+1, cause)
	prompt.WriteString("\nRespond with a revised JSON array of steps in the same format.\n")

	resp, err := p.agents.Invoke(ctx, cfg, prompt.String())
	if err != nil {
		return nil, fmt.Errorf("planner revision: %w", err)
	}
	steps, err := ParseSteps(resp.Text)
	if err != nil {
		return nil, err
	}
	return &Plan{
		NodeID:      current.NodeID,
		Mode:        current.Mode,
		Steps:       steps,
		Constraints: current.Constraints,
	}, nil
}

// ParseSteps parses an LLM response into plan steps. The response may wrap
// the JSON array in a markdown code fence.
func ParseSteps(text string) ([]Step, error) {
	body := stripFence(text)
	var raw []map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("plan response is not a JSON step array: %w", err)
	}
	steps := make([]Step, 0, len(raw))
	for i, entry := range raw {
		step, err := parseStep(entry)
		if err != nil {
			return nil, fmt.Errorf("plan step %d: %w", i+1, err)
		}
		steps = append(steps, step)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan response contains no steps")
	}
	return steps, nil
}

func parseStep(entry map[string]any) (Step, error) {
	if synth, ok := entry["synthesize"].(bool); ok && synth {
		desc, _ := entry["description"].(string)
		return Step{Synthesize: true, Description: desc}, nil
	}
	tool, ok := entry["tool"].(string)
	if !ok || tool == "" {
		return Step{}, fmt.Errorf("step has neither a tool nor synthesize=true")
	}
	step := Step{Tool: tool}
	if args, ok := entry["arguments"].(map[string]any); ok {
		step.Arguments = args
	}
	if desc, ok := entry["description"].(string); ok {
		step.Description = desc
	}
	return step, nil
}

// stripFence removes a surrounding ```json fence from an LLM response,
// leaving bare arrays untouched.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		tag := strings.TrimSpace(s[:nl])
		if tag == "json" || tag == "" {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
