package mcp

import "context"

// Transport moves JSON-RPC frames between the bridge and one MCP
// server. The two implementations mirror how MCP servers are deployed
// next to TARS: a subprocess speaking newline-delimited JSON over
// stdio, or a streamable-HTTP endpoint on the LAN.
type Transport interface {
	// Call sends a request frame and blocks until the matching reply
	// arrives or ctx expires.
	Call(ctx context.Context, req *frame) (*frame, error)

	// Post sends a notification frame; nothing comes back.
	Post(ctx context.Context, n *frame) error

	// Close releases the transport. For stdio this terminates the
	// subprocess.
	Close() error
}
