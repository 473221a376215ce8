package mcp

import (
	"context"
	"errors"
	"testing"
	"time"
)

// cat echoes every request line straight back, so the echoed frame is
// its own reply: same id, Method still set. Good enough to exercise
// framing, id matching, and process lifecycle without a real MCP
// server binary.
func TestStdioCallRoundTripAgainstCat(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "cat"})
	defer tr.Close()

	reply, err := tr.Call(context.Background(), requestFrame(7, "ping", nil))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !reply.answers(7) {
		t.Errorf("reply id = %v, want 7", reply.ID)
	}
	if reply.Method != "ping" {
		t.Errorf("echoed method = %q", reply.Method)
	}
}

func TestStdioRestartsAfterClose(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "cat"})

	if _, err := tr.Call(context.Background(), requestFrame(1, "ping", nil)); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The subprocess is lazily relaunched on the next use.
	reply, err := tr.Call(context.Background(), requestFrame(2, "ping", nil))
	if err != nil {
		t.Fatalf("call after close: %v", err)
	}
	if !reply.answers(2) {
		t.Errorf("reply id = %v, want 2", reply.ID)
	}
	tr.Close()
}

func TestStdioCallContextTimeout(t *testing.T) {
	// sleep accepts the write but never answers; the context deadline
	// must unblock the read and kill the subprocess.
	tr := NewStdioTransport(StdioConfig{Command: "sleep", Args: []string{"30"}})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := tr.Call(ctx, requestFrame(1, "ping", nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}

	tr.mu.Lock()
	gone := tr.proc == nil
	tr.mu.Unlock()
	if !gone {
		t.Error("subprocess not torn down after timeout")
	}
}

func TestStdioPostWritesWithoutReading(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "cat"})
	defer tr.Close()

	if err := tr.Post(context.Background(), noteFrame("notifications/initialized", nil)); err != nil {
		t.Fatalf("post: %v", err)
	}
}

func TestStdioStartFailureSurfaces(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "/nonexistent/mcp-server"})

	if _, err := tr.Call(context.Background(), requestFrame(1, "ping", nil)); err == nil {
		t.Fatal("call against missing binary succeeded")
	}
}
