package mcp

import (
	"encoding/json"
	"fmt"
)

const jsonrpcVersion = "2.0"

// frame is one JSON-RPC 2.0 message in either direction. A request
// carries an ID, a notification leaves it nil, and a server reply
// carries the same ID plus exactly one of Result or Error.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ServerError    `json:"error,omitempty"`
}

func requestFrame(id int64, method string, params any) *frame {
	return &frame{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params}
}

func noteFrame(method string, params any) *frame {
	return &frame{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}

// answers reports whether f is the server's reply to request id.
// Notifications and unrelated replies interleaved on the same pipe
// don't match.
func (f *frame) answers(id int64) bool {
	return f.ID != nil && *f.ID == id
}

// ServerError is the JSON-RPC error object an MCP server returns in
// place of a result.
type ServerError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("mcp: server error %d: %s", e.Code, e.Message)
}
