package engine

import "errors"

// ErrNoTransition indicates a node result matched none of its transition
// rules. The execution is persisted with reason "failed" when this surfaces.
var ErrNoTransition = errors.New("no transition rule matched")

// ErrCancelled indicates the execution's cancellation signal fired while
// work was in flight. In-flight branches receive best-effort cancellation;
// the execution terminates as a failure with this cause.
var ErrCancelled = errors.New("cancelled")

// ErrSubWorkflowDepth indicates the sub-workflow recursion bound was hit.
var ErrSubWorkflowDepth = errors.New("sub-workflow depth limit exceeded")

// DefinitionError reports an invalid workflow definition. These are rejected
// at the construction/repository boundary and never occur inside the
// interpreter.
type DefinitionError struct {
	Workflow string
	Node     string
	Message  string
}

func (e *DefinitionError) Error() string {
	msg := "workflow " + e.Workflow
	if e.Node != "" {
		msg += " node " + e.Node
	}
	return msg + ": " + e.Message
}

// ExecutionError reports a failure inside the interpreter with enough
// structure to attribute it to a node.
type ExecutionError struct {
	ExecutionID string
	NodeID      string
	Message     string
	Cause       error
}

func (e *ExecutionError) Error() string {
	msg := "execution " + e.ExecutionID
	if e.NodeID != "" {
		msg += " node " + e.NodeID
	}
	msg += ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}
