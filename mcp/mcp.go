// Package mcp implements the split-pipe tool transport: server-initiated
// JSON-RPC tool requests streamed to tenant-owned clients over an outbound
// channel, with responses returned on a separate inbound endpoint.
//
// Tools never execute on the engine host. The Hub correlates requests and
// responses by ID through a pending-call table; the calling task blocks until
// the response arrives or the per-tool timeout fires.
package mcp

import "encoding/json"

// JSON-RPC canonical error codes per spec.
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// MethodToolsCall is the JSON-RPC method for tool invocations.
const MethodToolsCall = "tools/call"

// Request is an outbound JSON-RPC frame (server to client). Notifications
// carry no ID.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  *CallParams `json:"params,omitempty"`
}

// CallParams are the parameters of a tools/call request.
type CallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Response is an inbound JSON-RPC frame (client to server). Exactly one of
// Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}
