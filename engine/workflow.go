// Package engine provides the core workflow graph interpreter.
//
// The engine hydrates an immutable, versioned Workflow definition (a directed
// graph of heterogeneous nodes referencing agents, tools, reviewers, and
// rubric evaluators) into a running execution, drives it node by node, and
// snapshots state at every node boundary so executions can be paused, resumed,
// and migrated across replicas.
package engine

import (
	"fmt"

	"github.com/hensu-project/hensu-sub002/engine/agent"
)

// NodeKind discriminates the closed set of node variants.
type NodeKind string

// Node kinds understood by the dispatcher.
const (
	NodeStandard    NodeKind = "standard"
	NodeParallel    NodeKind = "parallel"
	NodeFork        NodeKind = "fork"
	NodeJoin        NodeKind = "join"
	NodeLoop        NodeKind = "loop"
	NodeSubWorkflow NodeKind = "subworkflow"
	NodeAction      NodeKind = "action"
	NodeGeneric     NodeKind = "generic"
	NodeEnd         NodeKind = "end"
)

// Workflow is an immutable workflow definition.
//
// A Workflow is built once by NewWorkflow, validated, and then shared
// read-only across all concurrent executions. Definitions are unique per
// tenant by ID and carry a version for auditability.
type Workflow struct {
	// ID uniquely identifies the workflow within a tenant.
	ID string `json:"id"`

	// Version is the definition version pushed by the compiler.
	Version string `json:"version"`

	// StartNode is the entry node ID. It must exist in Nodes.
	StartNode string `json:"start_node"`

	// Nodes maps node ID to its definition.
	Nodes map[string]*Node `json:"nodes"`

	// Agents maps agent ID to its configuration.
	Agents map[string]agent.Config `json:"agents,omitempty"`

	// Rubrics maps rubric ID to its raw definition.
	Rubrics map[string]string `json:"rubrics,omitempty"`
}

// Node is a tagged-variant node definition. Kind selects which of the
// kind-specific fields are meaningful; the dispatcher matches on Kind
// directly rather than downcasting.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"type"`

	// Transitions are evaluated in declared order after the node completes.
	Transitions []TransitionRule `json:"transitions,omitempty"`

	// Standard node fields.
	AgentID       string       `json:"agent_id,omitempty"`
	Prompt        string       `json:"prompt,omitempty"`
	OutputParams  []string     `json:"output_params,omitempty"`
	RubricID      string       `json:"rubric_id,omitempty"`
	Review        *ReviewConfig `json:"review,omitempty"`
	SnapshotState bool         `json:"snapshot_state,omitempty"`
	Planning      *PlanConfig  `json:"planning,omitempty"`

	// Parallel node fields.
	Branches  []Branch         `json:"branches,omitempty"`
	Consensus *ConsensusConfig `json:"consensus,omitempty"`

	// Fork node fields.
	Targets    []string `json:"targets,omitempty"`
	WaitForAll bool     `json:"wait_for_all,omitempty"`

	// Join node fields.
	AwaitTargets   []string      `json:"await_targets,omitempty"`
	TimeoutMs      int64         `json:"timeout_ms,omitempty"`
	Merge          MergeStrategy `json:"merge,omitempty"`
	OutputField    string        `json:"output_field,omitempty"`
	FailOnAnyError bool          `json:"fail_on_any_error,omitempty"`

	// Loop node fields.
	Condition     *Condition  `json:"condition,omitempty"`
	Body          []string    `json:"body,omitempty"`
	MaxIterations int         `json:"max_iterations,omitempty"`
	BreakRules    []BreakRule `json:"break_rules,omitempty"`

	// Sub-workflow node fields.
	WorkflowRef   string            `json:"workflow_ref,omitempty"`
	InputMapping  map[string]string `json:"input_mapping,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty"`

	// Action node fields.
	Actions []Action `json:"actions,omitempty"`

	// Generic node fields.
	ExecutorType string         `json:"executor_type,omitempty"`
	Config       map[string]any `json:"config,omitempty"`

	// End node fields.
	ExitStatus ExitStatus `json:"exit_status,omitempty"`
}

// Branch is one concurrent arm of a parallel node. Each branch invokes its
// own agent with its own prompt and may carry its own rubric and vote weight.
type Branch struct {
	ID       string  `json:"id"`
	AgentID  string  `json:"agent_id"`
	Prompt   string  `json:"prompt"`
	RubricID string  `json:"rubric_id,omitempty"`
	Weight   float64 `json:"weight,omitempty"`
}

// ReviewConfig controls the human-review post-processor for a node.
type ReviewConfig struct {
	// Mode is one of "always", "on_failure", or "on_low_score".
	Mode string `json:"mode"`

	// ScoreThreshold triggers review when Mode is "on_low_score" and the
	// rubric score falls below it.
	ScoreThreshold float64 `json:"score_threshold,omitempty"`
}

// Review modes.
const (
	ReviewAlways     = "always"
	ReviewOnFailure  = "on_failure"
	ReviewOnLowScore = "on_low_score"
)

// Condition is a predicate over the execution context used by loop nodes.
// A nil Condition (or Always=true) evaluates truthy unconditionally.
type Condition struct {
	Always bool   `json:"always,omitempty"`
	Key    string `json:"key,omitempty"`
	Op     CondOp `json:"op,omitempty"`
	Value  any    `json:"value,omitempty"`
}

// BreakRule exits a loop early toward a named node when its condition holds.
type BreakRule struct {
	Condition Condition `json:"condition"`
	NextNode  string    `json:"next_node"`
}

// MergeStrategy selects how a join node combines awaited results.
type MergeStrategy string

// Merge strategies. The enumeration is open for extension; COLLECT_ALL is the
// default and places per-target results under the join's OutputField.
const (
	MergeCollectAll MergeStrategy = "COLLECT_ALL"
)

// ExitStatus is the declared terminal status of an end node.
type ExitStatus string

// Exit statuses for end nodes.
const (
	ExitSuccess   ExitStatus = "SUCCESS"
	ExitFailure   ExitStatus = "FAILURE"
	ExitCancelled ExitStatus = "CANCELLED"
)

// Action is a tagged step-action variant executed by action nodes.
//
// Two variants are recognized:
//   - "send": dispatch Payload to HandlerID, either through a registered
//     in-process handler or through the tool transport.
//   - "execute": reference a local command by CommandID. The server executor
//     rejects this variant; it exists for CLI-side definitions.
type Action struct {
	Type      string         `json:"type"`
	HandlerID string         `json:"handler_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CommandID string         `json:"command_id,omitempty"`
}

// Action variant discriminators.
const (
	ActionSend    = "send"
	ActionExecute = "execute"
)

// PlanConfig enables the plan subsystem on a standard node.
type PlanConfig struct {
	// Mode is "STATIC" or "DYNAMIC".
	Mode string `json:"mode"`

	// Steps carries the pre-declared plan for STATIC mode.
	Steps []PlanStepDef `json:"steps,omitempty"`

	// RequireReview pauses the execution for human approval of the plan
	// before any step runs.
	RequireReview bool `json:"require_review,omitempty"`

	// Constraints are free-form planner constraints included in the
	// planning prompt.
	Constraints []string `json:"constraints,omitempty"`
}

// PlanStepDef is the on-wire form of a static plan step. AgentID optionally
// names an agent for a synthesize step; unset means the node's agent.
type PlanStepDef struct {
	Tool        string         `json:"tool,omitempty"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Synthesize  bool           `json:"synthesize,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Description string         `json:"description,omitempty"`
}

// Plan modes.
const (
	PlanStatic  = "STATIC"
	PlanDynamic = "DYNAMIC"
)

// NewWorkflow validates and returns an immutable workflow definition.
//
// Validation enforces the definition invariants once, at construction:
//   - the start node exists
//   - node map keys match node IDs
//   - every transition and break-rule target references an existing node
//   - every referenced agent and rubric exists
//
// Definition errors are rejected here, never inside the interpreter.
func NewWorkflow(id, version, startNode string, nodes map[string]*Node, agents map[string]agent.Config, rubrics map[string]string) (*Workflow, error) {
	wf := &Workflow{
		ID:        id,
		Version:   version,
		StartNode: startNode,
		Nodes:     nodes,
		Agents:    agents,
		Rubrics:   rubrics,
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

// Validate checks the workflow's internal consistency. It is called by
// NewWorkflow and again at the repository boundary before a definition is
// accepted for storage.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return &DefinitionError{Workflow: w.ID, Message: "workflow ID cannot be empty"}
	}
	if len(w.Nodes) == 0 {
		return &DefinitionError{Workflow: w.ID, Message: "workflow has no nodes"}
	}
	if w.StartNode == "" {
		return &DefinitionError{Workflow: w.ID, Message: "start node not set"}
	}
	if _, ok := w.Nodes[w.StartNode]; !ok {
		return &DefinitionError{Workflow: w.ID, Message: "start node does not exist: " + w.StartNode}
	}
	for id, node := range w.Nodes {
		if node == nil {
			return &DefinitionError{Workflow: w.ID, Message: "nil node: " + id}
		}
		if node.ID != id {
			return &DefinitionError{Workflow: w.ID, Message: fmt.Sprintf("node key %q does not match node ID %q", id, node.ID)}
		}
		if err := w.validateNode(node); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workflow) validateNode(node *Node) error {
	for _, rule := range node.Transitions {
		for _, target := range rule.targets() {
			if err := w.checkTarget(node.ID, target); err != nil {
				return err
			}
		}
	}
	for _, br := range node.BreakRules {
		if err := w.checkTarget(node.ID, br.NextNode); err != nil {
			return err
		}
	}
	switch node.Kind {
	case NodeStandard:
		if node.AgentID != "" {
			if _, ok := w.Agents[node.AgentID]; !ok {
				return &DefinitionError{Workflow: w.ID, Node: node.ID, Message: "unknown agent: " + node.AgentID}
			}
		}
		if node.RubricID != "" {
			if _, ok := w.Rubrics[node.RubricID]; !ok {
				return &DefinitionError{Workflow: w.ID, Node: node.ID, Message: "unknown rubric: " + node.RubricID}
			}
		}
		if node.Planning != nil {
			for _, step := range node.Planning.Steps {
				if step.AgentID == "" {
					continue
				}
				if _, ok := w.Agents[step.AgentID]; !ok {
					return &DefinitionError{Workflow: w.ID, Node: node.ID, Message: "unknown plan step agent: " + step.AgentID}
				}
			}
		}
	case NodeParallel:
		if len(node.Branches) == 0 {
			return &DefinitionError{Workflow: w.ID, Node: node.ID, Message: "parallel node has no branches"}
		}
		for _, b := range node.Branches {
			if _, ok := w.Agents[b.AgentID]; !ok {
				return &DefinitionError{Workflow: w.ID, Node: node.ID, Message: "unknown branch agent: " + b.AgentID}
			}
			if b.RubricID != "" {
				if _, ok := w.Rubrics[b.RubricID]; !ok {
					return &DefinitionError{Workflow: w.ID, Node: node.ID, Message: "unknown branch rubric: " + b.RubricID}
				}
			}
		}
	case NodeLoop:
		for _, body := range node.Body {
			if _, ok := w.Nodes[body]; !ok {
				return &DefinitionError{Workflow: w.ID, Node: node.ID, Message: "loop body node does not exist: " + body}
			}
		}
	case NodeSubWorkflow:
		if node.WorkflowRef == "" {
			return &DefinitionError{Workflow: w.ID, Node: node.ID, Message: "subworkflow node has no workflow reference"}
		}
	case NodeFork, NodeJoin, NodeAction, NodeGeneric, NodeEnd:
		// Fork targets may reference sub-workflows that only exist in the
		// repository at runtime, so they are not resolvable here.
	default:
		return &DefinitionError{Workflow: w.ID, Node: node.ID, Message: "unknown node kind: " + string(node.Kind)}
	}
	return nil
}

// checkTarget verifies a transition target references an existing node.
// The empty target is the Always-rule sentinel and is allowed.
func (w *Workflow) checkTarget(nodeID, target string) error {
	if target == "" {
		return nil
	}
	if _, ok := w.Nodes[target]; !ok {
		return &DefinitionError{
			Workflow: w.ID,
			Node:     nodeID,
			Message:  "transition target does not exist: " + target,
		}
	}
	return nil
}

// Node returns the node with the given ID, or nil when absent.
func (w *Workflow) Node(id string) *Node {
	return w.Nodes[id]
}
