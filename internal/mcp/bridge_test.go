package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/hollowoak/tars/internal/busclient"
	"github.com/hollowoak/tars/internal/contracts"
	"github.com/hollowoak/tars/internal/obs"
)

// startTestBroker runs an in-process mochi-mqtt broker so the bridge's
// subscribe/publish round trip is exercised against a real broker
// instead of a mocked bus client.
func startTestBroker(t *testing.T) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()

	srv := mqttserver.New(nil)
	if err := srv.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("add allow hook: %v", err)
	}
	tcp := listeners.NewTCP(listeners.Config{ID: "test", Address: addr})
	if err := srv.AddListener(tcp); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	if err := srv.Serve(); err != nil {
		t.Fatalf("serve broker: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	return fmt.Sprintf("mqtt://%s", addr)
}

func testBusConfig(broker, clientID string) busclient.Config {
	return busclient.Config{
		Broker:            broker,
		ClientID:          clientID,
		SourceName:        clientID,
		Keepalive:         10 * time.Second,
		EnableHealth:      false,
		EnableHeartbeat:   false,
		DedupeTTL:         30 * time.Second,
		DedupeMaxEntries:  128,
		ReconnectMinDelay: 100 * time.Millisecond,
		ReconnectMaxDelay: time.Second,
	}
}

func waitConnected(t *testing.T, c *busclient.Client) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == busclient.Connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client never reached Connected, state=%s", c.State())
}

func TestToolName(t *testing.T) {
	tests := []struct {
		server string
		tool   string
		want   string
	}{
		{"home-assistant", "get_entities", "mcp_home_assistant_get_entities"},
		{"github", "create_issue", "mcp_github_create_issue"},
		{"My Server", "Do Thing", "mcp_my_server_do_thing"},
		{"test", "UPPERCASE", "mcp_test_uppercase"},
		{"a--b", "c--d", "mcp_a_b_c_d"},
		{"special!@#", "chars$%^", "mcp_special_chars"},
	}

	for _, tt := range tests {
		t.Run(tt.server+"/"+tt.tool, func(t *testing.T) {
			got := ToolName(tt.server, tt.tool)
			if got != tt.want {
				t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"Hello-World", "hello_world"},
		{"a--b", "a_b"},
		{"_leading_", "leading"},
		{"special!chars", "special_chars"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitize(tt.input)
			if got != tt.want {
				t.Errorf("sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestBridgeAddServer_Filters(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", toolsListResult{
		Tools: []ToolDefinition{
			{Name: "get_entities", Description: "List entities", InputSchema: map[string]any{"type": "object"}},
			{Name: "call_service", Description: "Call service", InputSchema: map[string]any{"type": "object"}},
			{Name: "get_history", Description: "Get history", InputSchema: map[string]any{"type": "object"}},
		},
	})
	client := NewClient("ha", mt, nil)

	bridge := NewBridge(nil, nil)
	count, err := bridge.AddServer(context.Background(), "ha", client,
		[]string{"get_entities", "get_history"}, nil)
	if err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if _, ok := bridge.tools["mcp_ha_get_entities"]; !ok {
		t.Error("expected mcp_ha_get_entities bridged")
	}
	if _, ok := bridge.tools["mcp_ha_call_service"]; ok {
		t.Error("mcp_ha_call_service should have been filtered out")
	}
}

func TestBridgeAddServer_ExcludeFilter(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", toolsListResult{
		Tools: []ToolDefinition{
			{Name: "get_entities", Description: "List entities", InputSchema: map[string]any{"type": "object"}},
			{Name: "call_service", Description: "Call service", InputSchema: map[string]any{"type": "object"}},
		},
	})
	client := NewClient("ha", mt, nil)

	bridge := NewBridge(nil, nil)
	count, err := bridge.AddServer(context.Background(), "ha", client, nil, []string{"call_service"})
	if err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if _, ok := bridge.tools["mcp_ha_call_service"]; ok {
		t.Error("mcp_ha_call_service should have been excluded")
	}
}

// TestBridge_ToolCallRoundTrip exercises the full bus round trip:
// publish llm/tool.call.request, expect the bridge to invoke the MCP
// client and answer with a matching llm/tool.call.result.
func TestBridge_ToolCallRoundTrip(t *testing.T) {
	broker := startTestBroker(t)

	mt := newMockTransport()
	mt.addResponse("tools/list", toolsListResult{
		Tools: []ToolDefinition{
			{Name: "get_state", Description: "Get entity state", InputSchema: map[string]any{"type": "object"}},
		},
	})
	mt.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{{Type: "text", Text: "light.kitchen is off"}},
	})
	client := NewClient("ha", mt, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridgeBus := busclient.New(testBusConfig(broker, "mcp-bridge"), nil, obs.New())
	go bridgeBus.Start(ctx)
	waitConnected(t, bridgeBus)

	bridge := NewBridge(bridgeBus, nil)
	if _, err := bridge.AddServer(ctx, "ha", client, nil, nil); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	go bridge.Start(ctx)
	time.Sleep(50 * time.Millisecond) // let the subscription land

	callerBus := busclient.New(testBusConfig(broker, "caller"), nil, obs.New())
	go callerBus.Start(ctx)
	waitConnected(t, callerBus)

	results := make(chan contracts.Decoded, 1)
	if err := callerBus.Subscribe(ctx, string(contracts.TopicLLMToolCallResult), func(d contracts.Decoded) {
		results <- d
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	args, _ := json.Marshal(map[string]any{"entity_id": "light.kitchen"})
	req := contracts.ToolCallRequest{CallID: "call-1", Name: "mcp_ha_get_state", Args: args}
	if err := busclient.PublishEvent(ctx, callerBus, contracts.TopicLLMToolCallRequest, req, contracts.EncodeOptions{}); err != nil {
		t.Fatalf("publish tool call request: %v", err)
	}

	select {
	case d := <-results:
		result, ok := d.Payload.(*contracts.ToolCallResult)
		if !ok {
			t.Fatalf("unexpected payload type %T", d.Payload)
		}
		if result.CallID != "call-1" {
			t.Errorf("call_id = %q, want call-1", result.CallID)
		}
		var text string
		if err := json.Unmarshal(result.Result, &text); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
		if text != "light.kitchen is off" {
			t.Errorf("result = %q, want %q", text, "light.kitchen is off")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for llm/tool.call.result")
	}
}
