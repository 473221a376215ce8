// Package obs provides an in-process publish/subscribe event bus used
// for operational observability inside a single TARS service — local
// debug UIs, the health aggregator's internal view, test harnesses.
// It is independent of the MQTT fabric: nothing published here crosses
// the bus unless a subscriber explicitly re-publishes it there. The
// bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package obs

import (
	"sync"
	"time"
)

// Source identifies which internal component published an event.
const (
	SourceBusclient    = "busclient"
	SourceRouter       = "router"
	SourceMovement     = "movement"
	SourceServo        = "servo"
	SourceHealth       = "health"
	SourceMCPBridge    = "mcp-bridge"
)

// Kind describes the type of event within a source.
const (
	// KindConnected signals the busclient transitioned to Connected.
	// Data: broker.
	KindConnected = "connected"
	// KindReconnecting signals the busclient entered Reconnecting.
	// Data: reason.
	KindReconnecting = "reconnecting"
	// KindDisconnected signals the busclient entered Disconnected.
	// Carries no data.
	KindDisconnected = "disconnected"
	// KindHeartbeatMissed signals the watchdog observed a missed heartbeat.
	// Data: missed_count.
	KindHeartbeatMissed = "heartbeat_missed"
	// KindMessageDropped signals an inbound message failed validation
	// or was deduplicated. Data: topic, reason.
	KindMessageDropped = "message_dropped"

	// KindTurnStarted signals the router armed a new conversation turn.
	// Data: utt_id.
	KindTurnStarted = "turn_started"
	// KindTurnTransition signals a conversation state transition.
	// Data: utt_id, from, to.
	KindTurnTransition = "turn_transition"
	// KindTurnEnded signals a conversation turn reached Idle.
	// Data: utt_id, reason.
	KindTurnEnded = "turn_ended"

	// KindSequenceStarted signals a movement sequence began executing.
	// Data: name.
	KindSequenceStarted = "sequence_started"
	// KindSequenceDone signals a movement sequence ran all of its steps;
	// an aborted sequence does not publish it. Data: name.
	KindSequenceDone = "sequence_done"
	// KindEmergencyStop signals an emergency stop was triggered.
	// Data: elapsed_ms.
	KindEmergencyStop = "emergency_stop"

	// KindServiceUp signals the health aggregator saw a service report
	// healthy for the first time or after a stale period.
	// Data: service.
	KindServiceUp = "service_up"
	// KindServiceDown signals the health aggregator marked a service
	// stale (no health/keepalive traffic within the staleness window)
	// or the service reported ok=false.
	// Data: service, reason.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
