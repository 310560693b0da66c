package engine

import (
	"fmt"
	"time"

	"github.com/hensu-project/hensu-sub002/engine/emit"
	"github.com/hensu-project/hensu-sub002/engine/plan"
)

// Option is a functional option for configuring an Executor.
//
// Options are applied by NewExecutor and validated as they are applied:
//
//	exec, err := engine.NewExecutor(agents,
//	    engine.WithSnapshotSink(states),
//	    engine.WithWorkflowLookup(workflows),
//	    engine.WithBranchLimit(8),
//	)
type Option func(*Executor) error

// WithEmitter sets the observability emitter. Default: a NullEmitter.
func WithEmitter(em emit.Emitter) Option {
	return func(e *Executor) error {
		if em == nil {
			return fmt.Errorf("emitter cannot be nil")
		}
		e.emitter = em
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) error {
		e.metrics = m
		return nil
	}
}

// WithSnapshotSink sets the snapshot persistence target. Without a sink the
// executor runs ephemerally; pause/resume across processes needs one.
func WithSnapshotSink(sink SnapshotSink) Option {
	return func(e *Executor) error {
		e.sink = sink
		return nil
	}
}

// WithWorkflowLookup sets the repository used to resolve sub-workflow
// references and fork targets that name other workflows.
func WithWorkflowLookup(lookup WorkflowLookup) Option {
	return func(e *Executor) error {
		e.lookup = lookup
		return nil
	}
}

// WithToolTransport sets the transport used for tool calls issued by action
// nodes and plan steps.
func WithToolTransport(t ToolTransport) Option {
	return func(e *Executor) error {
		e.tools = t
		return nil
	}
}

// WithReviewHandler sets the handler consulted when a node requires human
// review. Without one, review-requiring nodes pause the execution.
func WithReviewHandler(h ReviewHandler) Option {
	return func(e *Executor) error {
		e.review = h
		return nil
	}
}

// WithGenericHandler registers a generic-node handler under an executor type.
func WithGenericHandler(executorType string, h GenericHandler) Option {
	return func(e *Executor) error {
		if executorType == "" || h == nil {
			return fmt.Errorf("generic handler registration requires a type and handler")
		}
		e.generics[executorType] = h
		return nil
	}
}

// WithActionHandlers sets the in-process action handler registry.
func WithActionHandlers(reg *ActionHandlerRegistry) Option {
	return func(e *Executor) error {
		e.actionReg = reg
		return nil
	}
}

// WithBranchLimit caps concurrently executing parallel branches and fork
// targets across the whole engine. Default: 8.
func WithBranchLimit(n int) Option {
	return func(e *Executor) error {
		if n < 1 {
			return fmt.Errorf("branch limit must be at least 1, got %d", n)
		}
		e.branchLimit = int64(n)
		return nil
	}
}

// WithAutoBacktrackCap sets the per-source-node ceiling on rubric-driven
// automatic backtracks. Default: 3.
func WithAutoBacktrackCap(n int) Option {
	return func(e *Executor) error {
		if n < 0 {
			return fmt.Errorf("auto-backtrack cap cannot be negative, got %d", n)
		}
		e.autoBacktrackCap = n
		return nil
	}
}

// WithDefaultNodeTimeout bounds each node dispatch. Zero means no timeout.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(e *Executor) error {
		if d < 0 {
			return fmt.Errorf("node timeout cannot be negative")
		}
		e.nodeTimeout = d
		return nil
	}
}

// WithSubWorkflowDepth bounds sub-workflow recursion. Default: 5.
func WithSubWorkflowDepth(n int) Option {
	return func(e *Executor) error {
		if n < 1 {
			return fmt.Errorf("sub-workflow depth must be at least 1, got %d", n)
		}
		e.maxDepth = n
		return nil
	}
}

// WithMaxSteps bounds the number of forward steps per execution, guarding
// against misconfigured cycles. Default: 1000.
func WithMaxSteps(n int) Option {
	return func(e *Executor) error {
		if n < 1 {
			return fmt.Errorf("max steps must be at least 1, got %d", n)
		}
		e.maxSteps = n
		return nil
	}
}

// WithToolDescriptors advertises available tools to the dynamic planner.
func WithToolDescriptors(tools []plan.ToolDescriptor) Option {
	return func(e *Executor) error {
		e.toolDescs = tools
		return nil
	}
}

// WithPlanObserver registers a plan lifecycle observer. Observers must not
// block.
func WithPlanObserver(o plan.Observer) Option {
	return func(e *Executor) error {
		if o == nil {
			return fmt.Errorf("plan observer cannot be nil")
		}
		e.planObservers = append(e.planObservers, o)
		return nil
	}
}
