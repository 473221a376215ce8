package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/hollowoak/tars/internal/busclient"
	"github.com/hollowoak/tars/internal/contracts"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// boundTool is one MCP tool discovered from a server, namespaced and
// ready to be invoked in response to an llm/tool.call.request.
type boundTool struct {
	client  *Client
	mcpName string
	def     ToolDefinition
}

// Bridge adapts one or more MCP servers onto the bus (cmd/mcp-bridge).
// It discovers each server's tools, publishes the aggregate as the
// retained llm/tools/registry snapshot, and answers
// llm/tool.call.request with llm/tool.call.result, matching call_id.
//
// Tool calls travel over MQTT rather than an in-process dispatcher, so
// the router can observe and correlate the round trip like any other
// turn event.
type Bridge struct {
	bus    *busclient.Client
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]boundTool
}

// NewBridge constructs a Bridge bound to bus. Call AddServer for each
// configured MCP server, then Start to begin answering tool calls.
func NewBridge(bus *busclient.Client, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{bus: bus, logger: logger, tools: make(map[string]boundTool)}
}

// AddServer discovers serverName's tools via client and registers them
// under their namespaced names ("mcp_{server}_{tool}"). include/exclude
// filter which MCP tool names are bridged: if include is non-empty,
// only those names are registered; otherwise every tool not in exclude
// is registered. Returns the number of tools added.
func (b *Bridge) AddServer(ctx context.Context, serverName string, client *Client, include, exclude []string) (int, error) {
	mcpTools, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("mcp bridge: list tools from %s: %w", serverName, err)
	}

	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	count := 0
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, td := range mcpTools {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		name := ToolName(serverName, td.Name)
		b.tools[name] = boundTool{client: client, mcpName: td.Name, def: td}
		count++

		b.logger.Debug("bridged MCP tool",
			"mcp_name", td.Name,
			"tars_name", name,
			"server", serverName,
		)
	}
	return count, nil
}

// PublishRegistry publishes the current bound-tool set as the
// retained llm/tools/registry snapshot. Call once after AddServer and
// again any time the bridged tool set changes. The retained message
// acts as a lightweight replicated state layer, so producers must
// publish whenever the underlying state changes.
func (b *Bridge) PublishRegistry(ctx context.Context) error {
	b.mu.RLock()
	defs := make([]contracts.ToolDefinition, 0, len(b.tools))
	for name, bt := range b.tools {
		schema, err := json.Marshal(bt.def.InputSchema)
		if err != nil {
			b.mu.RUnlock()
			return fmt.Errorf("mcp bridge: marshal schema for %s: %w", name, err)
		}
		defs = append(defs, contracts.ToolDefinition{Name: name, Description: bt.def.Description, Schema: schema})
	}
	b.mu.RUnlock()

	return busclient.PublishEvent(ctx, b.bus, contracts.TopicLLMToolsRegistry, contracts.ToolsRegistry{Tools: defs}, contracts.EncodeOptions{})
}

// Start subscribes to llm/tool.call.request and answers every call
// against the bridged tool set. Blocks until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.bus.Subscribe(ctx, string(contracts.TopicLLMToolCallRequest), b.onToolCallRequest); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (b *Bridge) onToolCallRequest(d contracts.Decoded) {
	req, ok := d.Payload.(*contracts.ToolCallRequest)
	if !ok {
		return
	}

	b.mu.RLock()
	bt, found := b.tools[req.Name]
	b.mu.RUnlock()

	ctx := context.Background()
	if !found {
		b.publishResult(ctx, req.CallID, "", fmt.Errorf("mcp bridge: unknown tool %q", req.Name))
		return
	}

	var args map[string]any
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			b.publishResult(ctx, req.CallID, "", fmt.Errorf("mcp bridge: invalid args for %q: %w", req.Name, err))
			return
		}
	}

	result, err := bt.client.CallTool(ctx, bt.mcpName, args)
	b.publishResult(ctx, req.CallID, result, err)
}

func (b *Bridge) publishResult(ctx context.Context, callID, result string, callErr error) {
	out := contracts.ToolCallResult{CallID: callID}
	if callErr != nil {
		out.Error = callErr.Error()
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			out.Error = fmt.Sprintf("mcp bridge: marshal result: %v", err)
		} else {
			out.Result = raw
		}
	}
	if err := busclient.PublishEvent(ctx, b.bus, contracts.TopicLLMToolCallResult, out, contracts.EncodeOptions{}); err != nil {
		b.logger.Warn("mcp bridge: publish tool.call.result failed", "call_id", callID, "error", err)
	}
}

// ToolName generates a namespaced TARS tool name from an MCP server
// name and tool name. Both components are sanitized to contain only
// lowercase alphanumeric characters and underscores.
func ToolName(serverName, mcpToolName string) string {
	server := sanitize(serverName)
	tool := sanitize(mcpToolName)
	return fmt.Sprintf("mcp_%s_%s", server, tool)
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
