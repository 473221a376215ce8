package contracts

import (
	"encoding/json"
	"fmt"
)

// LLMRequest is published on llm/request. ID pairs the request with
// its eventual llm/response and llm/stream deltas.
// ToolResult carries a prior tool-call outcome back in as a
// continuation of the same request when the router is driving a tool
// round-trip.
type LLMRequest struct {
	ID          string          `json:"id"`
	UttID       string          `json:"utt_id"`
	Text        string          `json:"text"`
	Context     []string        `json:"context,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	ToolResult  *ToolCallResult `json:"tool_result,omitempty"`
}

func (r LLMRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("llm request: id required")
	}
	if r.UttID == "" {
		return fmt.Errorf("llm request: utt_id required")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("llm request: temperature %v out of range [0,2]", *r.Temperature)
	}
	if r.ToolResult != nil {
		if err := r.ToolResult.Validate(); err != nil {
			return fmt.Errorf("llm request: tool_result: %w", err)
		}
	}
	return nil
}

// LLMResponse is the terminal outcome of an llm/request that was
// not cancelled. Error is set when the LLM failed; the router
// publishes a canned TTS error line and returns to Idle in that case
// instead of proceeding to speak Reply.
type LLMResponse struct {
	ID    string `json:"id"`
	UttID string `json:"utt_id"`
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}

func (r LLMResponse) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("llm response: id required")
	}
	if r.UttID == "" {
		return fmt.Errorf("llm response: utt_id required")
	}
	if r.Reply == "" && r.Error == "" {
		return fmt.Errorf("llm response: one of reply or error is required")
	}
	return nil
}

// LLMCancel tells consumers to drop any further llm/stream or
// llm/response for ID.
type LLMCancel struct {
	ID string `json:"id"`
}

func (c LLMCancel) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("llm cancel: id required")
	}
	return nil
}

// LLMStream is one incremental delta of a streaming response. Seq is
// strictly monotonic per ID; consumers reorder by Seq
// and treat a gap as a warning, not a failure.
type LLMStream struct {
	ID    string `json:"id"`
	Seq   int    `json:"seq"`
	Delta string `json:"delta"`
	Done  bool   `json:"done,omitempty"`
}

func (s LLMStream) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("llm stream: id required")
	}
	if s.Seq < 0 {
		return fmt.Errorf("llm stream: seq must be >= 0, got %d", s.Seq)
	}
	return nil
}

// ToolDefinition describes one tool an LLM may call, published as part
// of ToolsRegistry.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ToolsRegistry is the retained snapshot of tools currently available
// to the LLM, published on llm/tools/registry whenever the mcp-bridge's
// tool set changes; the retained copy acts as the state store.
type ToolsRegistry struct {
	Tools []ToolDefinition `json:"tools"`
}

func (r ToolsRegistry) Validate() error {
	seen := make(map[string]bool, len(r.Tools))
	for _, t := range r.Tools {
		if t.Name == "" {
			return fmt.Errorf("tools registry: tool with empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("tools registry: duplicate tool name %q", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// ToolCallRequest is published on llm/tool.call.request when the LLM
// wants to invoke a tool. CallID pairs the request with its
// llm/tool.call.result.
type ToolCallRequest struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
}

func (r ToolCallRequest) Validate() error {
	if r.CallID == "" {
		return fmt.Errorf("tool call request: call_id required")
	}
	if r.Name == "" {
		return fmt.Errorf("tool call request: name required")
	}
	return nil
}

// ToolCallResult is published on llm/tool.call.result once mcp-bridge
// has executed the call.
type ToolCallResult struct {
	CallID string          `json:"call_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (r ToolCallResult) Validate() error {
	if r.CallID == "" {
		return fmt.Errorf("tool call result: call_id required")
	}
	return nil
}
