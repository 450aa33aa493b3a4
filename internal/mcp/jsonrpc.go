package mcp

import (
	"encoding/json"
	"fmt"
)

// rpcVersion is the fixed JSON-RPC version tag MCP mandates on every
// message.
const rpcVersion = "2.0"

// Request is one outbound JSON-RPC call to a tool server. IDs are
// client-assigned and strictly increasing per connection; the stdio
// transport matches responses to callers by this ID, which is also how
// a response to an abandoned (timed-out) call is recognized and
// discarded rather than delivered to the wrong caller.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a request carrying the mandatory version tag.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: rpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is an inbound answer from a tool server. Exactly one of
// Result or Error is set in a well-formed response; Result stays raw so
// each call site can decode into its own shape.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Err returns the protocol-level error carried by the response, or nil.
// Tool-level failures (isError in a tools/call result) are a separate
// concern handled when the result payload is decoded.
func (r *Response) Err() error {
	if r.Error != nil {
		return r.Error
	}
	return nil
}

// RPCError is the error object of a failed response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a fire-and-forget message: no ID, no response. The
// bridge sends exactly one, notifications/initialized, to complete the
// handshake; servers may send their own at any time, which the transport
// skips while waiting for a response.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification carrying the mandatory version
// tag.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: rpcVersion,
		Method:  method,
		Params:  params,
	}
}
