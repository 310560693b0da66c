package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoEndpoint is returned when a tool call targets a tenant with no
// connected outbound channel. The call fails immediately without leaving a
// pending entry.
var ErrNoEndpoint = fmt.Errorf("no MCP endpoint")

// DefaultCallTimeout bounds a tool round trip when the hub is built without
// an explicit timeout.
const DefaultCallTimeout = 30 * time.Second

// pendingCall is one in-flight tool request awaiting its response.
type pendingCall struct {
	tenantID string
	done     chan Response
}

// Hub is the split-pipe transport hub.
//
// One outbound channel exists per connected tenant; a reconnect replaces the
// previous channel. Tool calls write a tools/call frame to the tenant's
// channel, register a pending entry keyed by request ID, and block until
// HandleResponse delivers the reply. Late or unknown responses are dropped;
// notifications (frames without an ID) are ignored by correlation.
//
// Hub implements the engine's ToolTransport interface.
type Hub struct {
	mu      sync.Mutex
	streams map[string]chan []byte
	pending map[string]*pendingCall
	timeout time.Duration
}

// NewHub creates a hub. A zero timeout selects DefaultCallTimeout.
func NewHub(timeout time.Duration) *Hub {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Hub{
		streams: make(map[string]chan []byte),
		pending: make(map[string]*pendingCall),
		timeout: timeout,
	}
}

// Connect establishes the tenant's outbound channel and returns it along
// with a disconnect function. An existing channel for the tenant is closed
// and replaced.
func (h *Hub) Connect(tenantID string) (<-chan []byte, func()) {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	if old, ok := h.streams[tenantID]; ok {
		close(old)
	}
	h.streams[tenantID] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.streams[tenantID] == ch {
			delete(h.streams, tenantID)
			close(ch)
		}
	}
}

// Connected reports whether the tenant has an outbound channel.
func (h *Hub) Connected(tenantID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.streams[tenantID]
	return ok
}

// CallTool sends a tools/call request on the tenant's outbound channel and
// blocks until the response arrives, the per-tool timeout fires, or ctx is
// cancelled. Implements the engine's ToolTransport.
func (h *Hub) CallTool(ctx context.Context, tenantID, tool string, args map[string]any) (map[string]any, error) {
	id := uuid.NewString()
	frame, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  MethodToolsCall,
		Params:  &CallParams{Name: tool, Arguments: args},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tool request: %w", err)
	}

	call := &pendingCall{tenantID: tenantID, done: make(chan Response, 1)}

	h.mu.Lock()
	stream, ok := h.streams[tenantID]
	if !ok {
		h.mu.Unlock()
		return nil, ErrNoEndpoint
	}
	h.pending[id] = call
	h.mu.Unlock()
	defer h.drop(id)

	select {
	case stream <- frame:
	default:
		return nil, fmt.Errorf("outbound channel for tenant %s is full", tenantID)
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case resp := <-call.done:
		if resp.Error != nil {
			return nil, resp.Error
		}
		var result map[string]any
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				return nil, fmt.Errorf("unmarshal tool result: %w", err)
			}
		}
		return result, nil
	case <-timer.C:
		return nil, fmt.Errorf("tool call %s timed out after %s", tool, h.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleResponse processes an inbound frame from a tenant's client. Frames
// without an ID are notifications and are ignored; frames with an unknown ID
// are dropped. The tenant ID must match the pending call's tenant, so one
// tenant cannot complete another's requests.
func (h *Hub) HandleResponse(tenantID string, data []byte) error {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("parse response frame: %w", err)
	}
	if resp.ID == "" {
		return nil
	}

	h.mu.Lock()
	call, ok := h.pending[resp.ID]
	if ok && call.tenantID == tenantID {
		delete(h.pending, resp.ID)
	} else {
		ok = false
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}
	call.done <- resp
	return nil
}

// Notify sends a notification frame (no ID) to the tenant's client, if
// connected. Dropped silently otherwise.
func (h *Hub) Notify(tenantID, method string, params *CallParams) {
	frame, err := json.Marshal(Request{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return
	}
	h.mu.Lock()
	stream, ok := h.streams[tenantID]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case stream <- frame:
	default:
	}
}

// PendingCount returns the number of in-flight tool calls.
func (h *Hub) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func (h *Hub) drop(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, id)
}
