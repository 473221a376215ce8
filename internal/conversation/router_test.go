package conversation

import (
	"context"
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

func startBroker(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()

	srv := mqttserver.New(nil)
	if err := srv.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("add hook: %v", err)
	}
	if err := srv.AddListener(listeners.NewTCP(listeners.Config{ID: "test", Address: addr})); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	if err := srv.Serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return fmt.Sprintf("mqtt://%s", addr)
}

func newTestClient(t *testing.T, ctx context.Context, broker, id string) *busclient.Client {
	t.Helper()
	c := busclient.New(busclient.Config{
		Broker:            broker,
		ClientID:          id,
		SourceName:        id,
		Keepalive:         10 * time.Second,
		EnableHealth:      false,
		ReconnectMinDelay: 100 * time.Millisecond,
		ReconnectMaxDelay: time.Second,
	}, nil, obs.New())
	go c.Start(ctx)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == busclient.Connected {
			return c
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("client %s never connected", id)
	return nil
}

// TestWakeToSTTFinalIssuesLLMRequest exercises Armed → Listening →
// LLMPending without memory enabled, confirming a no-memory turn
// reaches llm/request with the STT transcript.
func TestWakeToSTTFinalIssuesLLMRequest(t *testing.T) {
	broker := startBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerBus := newTestClient(t, ctx, broker, "router")
	testBus := newTestClient(t, ctx, broker, "test-harness")

	r := NewRouter(RouterConfig{UseMemory: false, LLMTimeout: time.Minute, STTSilence: time.Minute, TTSMaxSpeak: time.Minute}, routerBus, obs.New(), nil)
	go r.Start(ctx)
	time.Sleep(200 * time.Millisecond) // allow subscriptions to land

	llmReqs := make(chan *contracts.LLMRequest, 1)
	if err := testBus.Subscribe(ctx, string(contracts.TopicLLMRequest), func(d contracts.Decoded) {
		llmReqs <- d.Payload.(*contracts.LLMRequest)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := busclient.PublishEvent(ctx, testBus, contracts.TopicWakeEvent, contracts.WakeEvent{Confidence: 0.95}, contracts.EncodeOptions{}); err != nil {
		t.Fatalf("publish wake: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	turn := r.table.get()
	if turn.State != Listening {
		t.Fatalf("state after wake = %v, want Listening", turn.State)
	}

	if err := busclient.PublishEvent(ctx, testBus, contracts.TopicSTTFinal, contracts.STTFinal{UttID: turn.UttID, Text: "what time is it"}, contracts.EncodeOptions{UttID: turn.UttID}); err != nil {
		t.Fatalf("publish stt/final: %v", err)
	}

	select {
	case req := <-llmReqs:
		if req.UttID != turn.UttID {
			t.Errorf("llm request utt_id = %q, want %q", req.UttID, turn.UttID)
		}
		if req.Text != "what time is it" {
			t.Errorf("llm request text = %q", req.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for llm/request")
	}
}

func TestEmptySTTFinalReArms(t *testing.T) {
	broker := startBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerBus := newTestClient(t, ctx, broker, "router2")
	testBus := newTestClient(t, ctx, broker, "test-harness2")

	r := NewRouter(RouterConfig{UseMemory: false, LLMTimeout: time.Minute, STTSilence: time.Minute, TTSMaxSpeak: time.Minute}, routerBus, obs.New(), nil)
	go r.Start(ctx)
	time.Sleep(200 * time.Millisecond)

	if err := busclient.PublishEvent(ctx, testBus, contracts.TopicWakeEvent, contracts.WakeEvent{Confidence: 0.9}, contracts.EncodeOptions{}); err != nil {
		t.Fatalf("publish wake: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	turn := r.table.get()

	if err := busclient.PublishEvent(ctx, testBus, contracts.TopicSTTFinal, contracts.STTFinal{UttID: turn.UttID, Text: ""}, contracts.EncodeOptions{UttID: turn.UttID}); err != nil {
		t.Fatalf("publish stt/final: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if got := r.table.get().State; got != Idle {
		t.Errorf("state after empty stt/final = %v, want Idle", got)
	}
}

// TestHappyTurnEndToEnd walks a full turn: wake → mic enable →
// stt/final → llm/request → llm/response → tts/say → speaking_end →
// Idle with wake/mic enable re-issued.
func TestHappyTurnEndToEnd(t *testing.T) {
	broker := startBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerBus := newTestClient(t, ctx, broker, "router3")
	testBus := newTestClient(t, ctx, broker, "test-harness3")

	r := NewRouter(RouterConfig{LLMTimeout: time.Minute, STTSilence: time.Minute, TTSMaxSpeak: time.Minute}, routerBus, obs.New(), nil)
	go r.Start(ctx)
	time.Sleep(200 * time.Millisecond)

	mics := make(chan *contracts.WakeMic, 4)
	llmReqs := make(chan *contracts.LLMRequest, 1)
	says := make(chan *contracts.TTSSay, 1)
	for topic, handler := range map[contracts.Topic]busclient.Handler{
		contracts.TopicWakeMic:    func(d contracts.Decoded) { mics <- d.Payload.(*contracts.WakeMic) },
		contracts.TopicLLMRequest: func(d contracts.Decoded) { llmReqs <- d.Payload.(*contracts.LLMRequest) },
		contracts.TopicTTSSay:     func(d contracts.Decoded) { says <- d.Payload.(*contracts.TTSSay) },
	} {
		if err := testBus.Subscribe(ctx, string(topic), handler); err != nil {
			t.Fatalf("subscribe %s: %v", topic, err)
		}
	}
	time.Sleep(100 * time.Millisecond)

	if err := busclient.PublishEvent(ctx, testBus, contracts.TopicWakeEvent, contracts.WakeEvent{Confidence: 0.9}, contracts.EncodeOptions{}); err != nil {
		t.Fatalf("publish wake: %v", err)
	}
	mic := waitFor(t, mics, "wake/mic after wake")
	if mic.Command != contracts.MicEnable {
		t.Fatalf("mic command = %q, want enable", mic.Command)
	}
	time.Sleep(100 * time.Millisecond)
	uttID := r.table.get().UttID

	if err := busclient.PublishEvent(ctx, testBus, contracts.TopicSTTFinal, contracts.STTFinal{UttID: uttID, Text: "what time is it"}, contracts.EncodeOptions{UttID: uttID}); err != nil {
		t.Fatalf("publish stt/final: %v", err)
	}
	req := waitFor(t, llmReqs, "llm/request")
	if req.UttID != uttID {
		t.Errorf("llm/request utt_id = %q, want %q", req.UttID, uttID)
	}

	if err := busclient.PublishEvent(ctx, testBus, contracts.TopicLLMResponse, contracts.LLMResponse{ID: req.ID, UttID: uttID, Reply: "it is noon"}, contracts.EncodeOptions{UttID: uttID, RequestID: req.ID}); err != nil {
		t.Fatalf("publish llm/response: %v", err)
	}
	say := waitFor(t, says, "tts/say")
	if say.UttID != uttID || say.Text != "it is noon" {
		t.Errorf("tts/say = %+v, want utt_id %q text %q", say, uttID, "it is noon")
	}

	if err := busclient.PublishEvent(ctx, testBus, contracts.TopicTTSStatus, contracts.TTSStatus{UttID: uttID, Event: contracts.TTSEventSpeakingEnd}, contracts.EncodeOptions{UttID: uttID}); err != nil {
		t.Fatalf("publish tts/status: %v", err)
	}
	reMic := waitFor(t, mics, "wake/mic re-issue after speaking_end")
	if reMic.Command != contracts.MicEnable {
		t.Errorf("re-issued mic command = %q, want enable", reMic.Command)
	}
	time.Sleep(100 * time.Millisecond)
	if got := r.table.get().State; got != Idle {
		t.Errorf("state after speaking_end = %v, want Idle", got)
	}
}

// TestReWakeCancelsPendingRequest checks that a wake/event during
// LLMPending emits llm/cancel for the in-flight request exactly once,
// then tts/control stop, then starts a fresh turn.
func TestReWakeCancelsPendingRequest(t *testing.T) {
	broker := startBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerBus := newTestClient(t, ctx, broker, "router4")
	testBus := newTestClient(t, ctx, broker, "test-harness4")

	r := NewRouter(RouterConfig{LLMTimeout: time.Minute, STTSilence: time.Minute, TTSMaxSpeak: time.Minute}, routerBus, obs.New(), nil)
	go r.Start(ctx)
	time.Sleep(200 * time.Millisecond)

	cancels := make(chan *contracts.LLMCancel, 2)
	controls := make(chan *contracts.TTSControl, 2)
	for topic, handler := range map[contracts.Topic]busclient.Handler{
		contracts.TopicLLMCancel:  func(d contracts.Decoded) { cancels <- d.Payload.(*contracts.LLMCancel) },
		contracts.TopicTTSControl: func(d contracts.Decoded) { controls <- d.Payload.(*contracts.TTSControl) },
	} {
		if err := testBus.Subscribe(ctx, string(topic), handler); err != nil {
			t.Fatalf("subscribe %s: %v", topic, err)
		}
	}
	time.Sleep(100 * time.Millisecond)

	if err := busclient.PublishEvent(ctx, testBus, contracts.TopicWakeEvent, contracts.WakeEvent{Confidence: 0.9}, contracts.EncodeOptions{}); err != nil {
		t.Fatalf("publish wake: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	firstUtt := r.table.get().UttID

	if err := busclient.PublishEvent(ctx, testBus, contracts.TopicSTTFinal, contracts.STTFinal{UttID: firstUtt, Text: "tell me a story"}, contracts.EncodeOptions{UttID: firstUtt}); err != nil {
		t.Fatalf("publish stt/final: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	pending := r.table.get()
	if pending.State != LLMPending {
		t.Fatalf("state = %v, want LLMPending", pending.State)
	}

	if err := busclient.PublishEvent(ctx, testBus, contracts.TopicWakeEvent, contracts.WakeEvent{Confidence: 0.8}, contracts.EncodeOptions{}); err != nil {
		t.Fatalf("publish second wake: %v", err)
	}

	got := waitFor(t, cancels, "llm/cancel")
	if got.ID != pending.RequestID {
		t.Errorf("cancelled id = %q, want %q", got.ID, pending.RequestID)
	}
	ctl := waitFor(t, controls, "tts/control")
	if ctl.Action != contracts.TTSControlStop {
		t.Errorf("tts/control action = %q, want stop", ctl.Action)
	}

	time.Sleep(200 * time.Millisecond)
	fresh := r.table.get()
	if fresh.UttID == firstUtt || fresh.UttID == "" {
		t.Errorf("new turn utt_id = %q, want fresh id distinct from %q", fresh.UttID, firstUtt)
	}

	select {
	case extra := <-cancels:
		t.Errorf("unexpected second llm/cancel for id %q", extra.ID)
	case <-time.After(300 * time.Millisecond):
	}

	// A late delta for the cancelled request is dropped: it must not
	// touch the fresh turn's stream tracking.
	if err := busclient.PublishEvent(ctx, testBus, contracts.TopicLLMStream, contracts.LLMStream{ID: pending.RequestID, Seq: 5, Delta: "stale"}, contracts.EncodeOptions{RequestID: pending.RequestID}); err != nil {
		t.Fatalf("publish stale llm/stream: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	after := r.table.get()
	if after.UttID != fresh.UttID {
		t.Fatalf("turn changed after stale stream: %q -> %q", fresh.UttID, after.UttID)
	}
	if after.LastStreamSeq == 5 {
		t.Error("stale llm/stream for the cancelled request was applied to the new turn")
	}
}

// TestLLMStreamTracksSeqForActiveRequest pins the other half of the
// stream contract: deltas for the in-flight request are accepted and
// the highest seq is tracked.
func TestLLMStreamTracksSeqForActiveRequest(t *testing.T) {
	broker := startBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerBus := newTestClient(t, ctx, broker, "router5")
	testBus := newTestClient(t, ctx, broker, "test-harness5")

	r := NewRouter(RouterConfig{LLMTimeout: time.Minute, STTSilence: time.Minute, TTSMaxSpeak: time.Minute}, routerBus, obs.New(), nil)
	go r.Start(ctx)
	time.Sleep(200 * time.Millisecond)

	if err := busclient.PublishEvent(ctx, testBus, contracts.TopicWakeEvent, contracts.WakeEvent{Confidence: 0.9}, contracts.EncodeOptions{}); err != nil {
		t.Fatalf("publish wake: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	uttID := r.table.get().UttID

	if err := busclient.PublishEvent(ctx, testBus, contracts.TopicSTTFinal, contracts.STTFinal{UttID: uttID, Text: "stream something"}, contracts.EncodeOptions{UttID: uttID}); err != nil {
		t.Fatalf("publish stt/final: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	reqID := r.table.get().RequestID
	if reqID == "" {
		t.Fatal("no request id after stt/final")
	}

	for seq := 0; seq <= 2; seq++ {
		if err := busclient.PublishEvent(ctx, testBus, contracts.TopicLLMStream, contracts.LLMStream{ID: reqID, Seq: seq, Delta: "d"}, contracts.EncodeOptions{RequestID: reqID}); err != nil {
			t.Fatalf("publish llm/stream %d: %v", seq, err)
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for r.table.get().LastStreamSeq != 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := r.table.get().LastStreamSeq; got != 2 {
		t.Errorf("LastStreamSeq = %d, want 2", got)
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}
