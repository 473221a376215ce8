// Command mcp-bridge adapts one MCP (Model Context Protocol) server
// onto the bus: it discovers the server's tools, publishes them as
// the retained llm/tools/registry snapshot, and answers
// llm/tool.call.request with llm/tool.call.result. The retained
// registry doubles as a lightweight replicated state store: late
// subscribers always observe the latest tool set.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hollowoak/tars/internal/mcp"
	"github.com/hollowoak/tars/internal/platform/config"
	"github.com/hollowoak/tars/internal/platform/svc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mcp-bridge:", err)
		os.Exit(1)
	}
}

func run() error {
	s, err := svc.Bootstrap("mcp-bridge")
	if err != nil {
		return err
	}

	serverName := config.StringEnv("MCP_SERVER_NAME", "")
	if serverName == "" {
		return fmt.Errorf("mcp-bridge: MCP_SERVER_NAME is required")
	}

	transport, err := buildTransport(s.Logger)
	if err != nil {
		return err
	}

	client := mcp.NewClient(serverName, transport, s.Logger)
	if err := client.Initialize(s.Ctx); err != nil {
		return fmt.Errorf("mcp-bridge: initialize %s: %w", serverName, err)
	}

	bridge := mcp.NewBridge(s.Bus, s.Logger)
	include := splitCSV(config.StringEnv("MCP_SERVER_INCLUDE", ""))
	exclude := splitCSV(config.StringEnv("MCP_SERVER_EXCLUDE", ""))

	count, err := bridge.AddServer(s.Ctx, serverName, client, include, exclude)
	if err != nil {
		return fmt.Errorf("mcp-bridge: discover tools: %w", err)
	}
	if err := bridge.PublishRegistry(s.Ctx); err != nil {
		s.Logger.Warn("mcp-bridge: publish initial registry failed", "error", err)
	}

	s.Logger.Info("mcp-bridge ready", "server", serverName, "tools", count)
	return s.Run(bridge)
}

// buildTransport selects stdio or HTTP based on MCP_SERVER_TRANSPORT
// (default "stdio"), matching the two Transport implementations the
// mcp package provides.
func buildTransport(logger *slog.Logger) (mcp.Transport, error) {
	switch strings.ToLower(config.StringEnv("MCP_SERVER_TRANSPORT", "stdio")) {
	case "stdio":
		command := config.StringEnv("MCP_SERVER_COMMAND", "")
		if command == "" {
			return nil, fmt.Errorf("mcp-bridge: MCP_SERVER_COMMAND is required for stdio transport")
		}
		return mcp.NewStdioTransport(mcp.StdioConfig{
			Command: command,
			Args:    splitCSV(config.StringEnv("MCP_SERVER_ARGS", "")),
			Env:     splitCSV(config.StringEnv("MCP_SERVER_ENV", "")),
			Logger:  logger,
		}), nil
	case "http":
		url := config.StringEnv("MCP_SERVER_URL", "")
		if url == "" {
			return nil, fmt.Errorf("mcp-bridge: MCP_SERVER_URL is required for http transport")
		}
		return mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:    url,
			Logger: logger,
		}), nil
	default:
		return nil, fmt.Errorf("mcp-bridge: unknown MCP_SERVER_TRANSPORT %q", config.StringEnv("MCP_SERVER_TRANSPORT", "stdio"))
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
