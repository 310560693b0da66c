package engine

import (
	"context"
	"sync"
)

// ToolTransport dispatches tool calls to a tenant-owned executor and returns
// the result. The server implementation is the MCP split-pipe hub; tests use
// in-process fakes.
type ToolTransport interface {
	// CallTool sends a tools/call request on the tenant's outbound channel
	// and blocks until the response arrives or the per-tool timeout fires.
	CallTool(ctx context.Context, tenantID, tool string, args map[string]any) (map[string]any, error)
}

// WorkflowLookup resolves workflow definitions for sub-workflow nodes and
// fork targets. The store's WorkflowRepository satisfies it.
type WorkflowLookup interface {
	FindByID(ctx context.Context, tenantID, workflowID string) (*Workflow, error)
}

// SnapshotSink persists execution snapshots at durability boundaries. The
// store's StateRepository satisfies it.
type SnapshotSink interface {
	Save(ctx context.Context, tenantID string, snap Snapshot) error
}

// GenericHandler executes a generic node. The handler receives the node's
// config map and the mutable execution state and returns a NodeResult;
// PENDING pauses the execution.
type GenericHandler interface {
	Execute(ctx context.Context, config map[string]any, state *ExecutionState) (NodeResult, error)
}

// GenericHandlerFunc adapts a function to the GenericHandler interface.
type GenericHandlerFunc func(ctx context.Context, config map[string]any, state *ExecutionState) (NodeResult, error)

// Execute implements GenericHandler.
func (f GenericHandlerFunc) Execute(ctx context.Context, config map[string]any, state *ExecutionState) (NodeResult, error) {
	return f(ctx, config, state)
}

// ActionHandler processes one "send" action in-process.
type ActionHandler interface {
	Handle(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// ActionHandlerFunc adapts a function to the ActionHandler interface.
type ActionHandlerFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Handle implements ActionHandler.
func (f ActionHandlerFunc) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return f(ctx, payload)
}

// ActionHandlerRegistry maps handler IDs to in-process action handlers.
// Registration happens at startup; lookups are concurrent-safe afterwards.
// Send actions whose handler ID is not registered fall through to the tool
// transport.
type ActionHandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

// NewActionHandlerRegistry creates an empty registry.
func NewActionHandlerRegistry() *ActionHandlerRegistry {
	return &ActionHandlerRegistry{handlers: make(map[string]ActionHandler)}
}

// Register binds a handler ID.
func (r *ActionHandlerRegistry) Register(handlerID string, h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerID] = h
}

// Lookup returns the handler for the ID, or nil.
func (r *ActionHandlerRegistry) Lookup(handlerID string) ActionHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[handlerID]
}
