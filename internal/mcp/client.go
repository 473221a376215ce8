package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hollowoak/tars/internal/buildinfo"
)

// protocolVersion is the MCP revision advertised during the handshake.
const protocolVersion = "2024-11-05"

// clientName identifies TARS to MCP servers in the initialize
// handshake.
const clientName = "tars-mcp-bridge"

// ToolDefinition is one tool as the server describes it in tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is one content item in a tools/call reply.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// Client drives the MCP protocol against one server: initialize,
// tools/list, tools/call. Request ids are minted per client; the
// Transport pairs replies back up.
type Client struct {
	server string
	t      Transport
	logger *slog.Logger
	seq    atomic.Int64

	mu         sync.Mutex
	tools      []ToolDefinition
	serverName string
	serverVer  string
}

// NewClient builds a client for the named server over t.
func NewClient(server string, t Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{server: server, t: t, logger: logger.With("mcp_server", server)}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.server
}

// call runs one request/reply exchange and decodes the result into
// out (skipped when out is nil).
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	reply, err := c.t.Call(ctx, requestFrame(c.seq.Add(1), method, params))
	if err != nil {
		return fmt.Errorf("mcp: %s: %w", method, err)
	}
	if reply.Error != nil {
		return fmt.Errorf("mcp: %s: %w", method, reply.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(reply.Result, out); err != nil {
		return fmt.Errorf("mcp: %s: decode result: %w", method, err)
	}
	return nil
}

// Initialize performs the MCP handshake, identifying this process as
// TARS's bridge, then posts notifications/initialized to complete it.
func (c *Client) Initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: clientName, Version: buildinfo.Version},
	}

	var res initializeResult
	if err := c.call(ctx, "initialize", params, &res); err != nil {
		return err
	}

	c.mu.Lock()
	c.serverName = res.ServerInfo.Name
	c.serverVer = res.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("mcp server initialized",
		"server_name", res.ServerInfo.Name,
		"server_version", res.ServerInfo.Version,
		"protocol_version", res.ProtocolVersion,
	)

	if err := c.t.Post(ctx, noteFrame("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("mcp: initialized notification: %w", err)
	}
	return nil
}

// ListTools returns the server's tool definitions. The first call
// hits the server; the result is cached for the client's lifetime,
// since the bridge republishes the registry on restart anyway.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.Lock()
	cached := c.tools
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var res toolsListResult
	if err := c.call(ctx, "tools/list", nil, &res); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tools = res.Tools
	c.mu.Unlock()

	c.logger.Info("mcp tools discovered", "count", len(res.Tools))
	return res.Tools, nil
}

// CallTool invokes name with args and flattens the reply content into
// one string. A reply flagged isError comes back as a Go error
// carrying that text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	var res callToolResult
	if err := c.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, &res); err != nil {
		return "", fmt.Errorf("tool %s: %w", name, err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		return "", fmt.Errorf("mcp: tool %s failed: %s", name, text)
	}
	return text, nil
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.t.Close()
}

// flattenContent joins text blocks with newlines; non-text blocks
// become inline markers so the LLM at least learns something was
// there.
func flattenContent(blocks []ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
			continue
		}
		parts = append(parts, "["+b.Type+"]")
	}
	return strings.Join(parts, "\n")
}
