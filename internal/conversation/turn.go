// Package conversation implements the router's turn state machine:
// one active conversation turn at a time, driven by wake/stt/llm/tts
// events, with correlation, cancellation, and timeout handling.
package conversation

import (
	"sync"
	"time"

	"github.com/hollowoak/tars/internal/contracts"
)

// TurnState is one state of the conversation turn state machine.
type TurnState int

const (
	Idle TurnState = iota
	Armed
	Listening
	LLMPending
	Speaking
)

func (s TurnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Listening:
		return "listening"
	case LLMPending:
		return "llm_pending"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Turn is the mutable state of the single active conversation turn.
// UttID identifies the turn from wake through speaking;
// RequestID identifies the current llm/request, minted when the turn's
// LLM request is issued and reused by tool-call continuations of that
// request.
type Turn struct {
	UttID     string
	RequestID string
	State     TurnState
	StartedAt time.Time

	// PendingToolCallID is set while waiting on an mcp-bridge result
	// for an in-flight llm/tool.call.request.
	PendingToolCallID string

	// PendingText holds the STT final transcript while a memory/query
	// is outstanding, until memory/results arrives and the LLM request
	// can be built.
	PendingText string

	// LastStreamSeq is the highest llm/stream seq observed for the
	// current request, -1 before the first delta. Used to warn on seq
	// gaps.
	LastStreamSeq int
}

// turnTable protects the single active Turn with a mutex — one turn at
// a time is a hard invariant, so a single guarded struct rather
// than a map is the right shape.
type turnTable struct {
	mu   sync.Mutex
	turn Turn
}

func newTurnTable() *turnTable {
	return &turnTable{turn: Turn{State: Idle}}
}

func (t *turnTable) get() Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turn
}

func (t *turnTable) set(fn func(*Turn)) Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.turn)
	return t.turn
}

// MicCommandFor returns the wake/mic command appropriate for entering
// or leaving the Listening state.
func MicCommandFor(listening bool) contracts.MicCommand {
	if listening {
		return contracts.MicEnable
	}
	return contracts.MicDisable
}
