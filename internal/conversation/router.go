package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hollowoak/tars/internal/busclient"
	"github.com/hollowoak/tars/internal/contracts"
	"github.com/hollowoak/tars/internal/obs"
)

const cannedErrorReply = "Sorry, I had trouble thinking about that."

// Router drives the conversation turn state machine. One Router
// instance owns the single active Turn for its TARS instance.
type Router struct {
	cfg    RouterConfig
	bus    *busclient.Client
	obsBus *obs.Bus
	logger *slog.Logger

	table *turnTable

	mu           sync.Mutex
	lastActivity time.Time
	shuttingDown bool
}

// NewRouter constructs a Router bound to bus. Call Start to subscribe
// and begin driving the state machine.
func NewRouter(cfg RouterConfig, bus *busclient.Client, obsBus *obs.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:    cfg,
		bus:    bus,
		obsBus: obsBus,
		logger: logger,
		table:  newTurnTable(),
	}
}

// Start subscribes to every topic the router reacts to and launches
// the timeout watchdog. Blocks until ctx is cancelled.
func (r *Router) Start(ctx context.Context) error {
	subs := []struct {
		topic   contracts.Topic
		handler busclient.Handler
	}{
		{contracts.TopicWakeEvent, r.onWakeEvent},
		{contracts.TopicSTTFinal, r.onSTTFinal},
		{contracts.TopicMemoryResults, r.onMemoryResults},
		{contracts.TopicLLMStream, r.onLLMStream},
		{contracts.TopicLLMResponse, r.onLLMResponse},
		{contracts.TopicLLMToolCallRequest, r.onToolCallRequest},
		{contracts.TopicLLMToolCallResult, r.onToolCallResult},
		{contracts.TopicTTSStatus, r.onTTSStatus},
	}
	for _, s := range subs {
		if err := r.bus.Subscribe(ctx, string(s.topic), s.handler); err != nil {
			return err
		}
	}

	go r.watchdog(ctx)

	<-ctx.Done()
	r.mu.Lock()
	r.shuttingDown = true
	r.mu.Unlock()
	return nil
}

func (r *Router) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

func (r *Router) transition(from, to TurnState, uttID string) {
	r.logger.Info("router transition", "from", from, "to", to, "utt_id", uttID)
	if r.obsBus != nil {
		r.obsBus.Publish(obs.Event{
			Timestamp: time.Now(),
			Source:    obs.SourceRouter,
			Kind:      obs.KindTurnTransition,
			Data:      map[string]any{"utt_id": uttID, "from": from.String(), "to": to.String()},
		})
	}
}

// onWakeEvent starts a turn, resetting or cancelling any turn
// already in flight.
func (r *Router) onWakeEvent(d contracts.Decoded) {
	if r.isShuttingDown() {
		return
	}
	we := d.Payload.(*contracts.WakeEvent)

	current := r.table.get()
	ctx := context.Background()

	switch current.State {
	case LLMPending, Speaking:
		r.cancelTurn(ctx, current)
	default:
	}

	uttID := we.UttID
	if uttID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			r.logger.Error("router: generate utt_id failed", "error", err)
			return
		}
		uttID = id.String()
	}

	r.table.set(func(t *Turn) {
		*t = Turn{UttID: uttID, State: Armed, StartedAt: time.Now()}
	})
	r.touch()
	r.transition(current.State, Armed, uttID)

	if r.obsBus != nil {
		r.obsBus.Publish(obs.Event{Timestamp: time.Now(), Source: obs.SourceRouter, Kind: obs.KindTurnStarted, Data: map[string]any{"utt_id": uttID}})
	}

	if err := busclient.PublishEvent(ctx, r.bus, contracts.TopicWakeMic, contracts.WakeMic{Command: contracts.MicEnable}, contracts.EncodeOptions{UttID: uttID}); err != nil {
		r.logger.Warn("router: publish wake/mic enable failed", "error", err)
		return
	}

	r.table.set(func(t *Turn) { t.State = Listening })
	r.transition(Armed, Listening, uttID)
}

// onSTTFinal implements the empty-text re-arm rule and the memory
// pre-step before issuing the LLM request.
func (r *Router) onSTTFinal(d contracts.Decoded) {
	final := d.Payload.(*contracts.STTFinal)
	turn := r.table.get()
	if turn.State != Listening || turn.UttID != final.UttID {
		return
	}
	r.touch()
	ctx := context.Background()

	if final.Text == "" {
		r.reArm(ctx, Listening, turn.UttID, "empty_final")
		return
	}

	if r.cfg.UseMemory {
		if err := busclient.PublishEvent(ctx, r.bus, contracts.TopicMemoryQuery, contracts.MemoryQuery{UttID: turn.UttID, Text: final.Text}, contracts.EncodeOptions{UttID: turn.UttID}); err != nil {
			r.logger.Warn("router: publish memory/query failed", "error", err)
		}
		r.table.set(func(t *Turn) { t.PendingText = final.Text })
		return
	}

	r.issueLLMRequest(ctx, turn.UttID, final.Text, nil)
}

func (r *Router) onMemoryResults(d contracts.Decoded) {
	results := d.Payload.(*contracts.MemoryResults)
	turn := r.table.get()
	if turn.State != Listening || turn.UttID != results.UttID || !r.cfg.UseMemory {
		return
	}
	text := turn.PendingText
	ctx := make([]string, 0, len(results.Items))
	for _, it := range results.Items {
		ctx = append(ctx, it.Text)
	}
	r.issueLLMRequest(context.Background(), turn.UttID, text, ctx)
}

func (r *Router) issueLLMRequest(ctx context.Context, uttID, text string, memCtx []string) {
	id, err := uuid.NewV7()
	if err != nil {
		r.logger.Error("router: generate request_id failed", "error", err)
		return
	}
	reqID := id.String()

	r.table.set(func(t *Turn) {
		t.RequestID = reqID
		t.State = LLMPending
		t.LastStreamSeq = -1
	})
	r.transition(Listening, LLMPending, uttID)

	req := contracts.LLMRequest{ID: reqID, UttID: uttID, Text: text, Context: memCtx}
	if err := busclient.PublishEvent(ctx, r.bus, contracts.TopicLLMRequest, req, contracts.EncodeOptions{UttID: uttID, RequestID: reqID}); err != nil {
		r.logger.Warn("router: publish llm/request failed", "error", err)
	}
}

// onLLMStream tracks streaming deltas for the in-flight request.
// Deltas whose id doesn't match the current request belong to a
// cancelled or superseded turn and are dropped here rather than
// trickling into a turn they no longer describe. A gap in seq is
// worth a warning but not a failure; the terminal llm/response
// carries the full reply regardless.
func (r *Router) onLLMStream(d contracts.Decoded) {
	s := d.Payload.(*contracts.LLMStream)
	turn := r.table.get()
	if turn.State != LLMPending || turn.RequestID != s.ID {
		r.logger.Debug("router: dropping stale llm/stream", "id", s.ID, "seq", s.Seq)
		return
	}
	r.touch()

	prev := -1
	r.table.set(func(t *Turn) {
		prev = t.LastStreamSeq
		if s.Seq > t.LastStreamSeq {
			t.LastStreamSeq = s.Seq
		}
	})
	if prev >= 0 && s.Seq > prev+1 {
		r.logger.Warn("router: llm/stream seq gap", "id", s.ID, "have", prev, "got", s.Seq)
	}
}

// onLLMResponse handles the terminal LLM outcome, success or error. Stale responses (not matching the current
// request_id) are dropped — they belong to an already-cancelled turn.
func (r *Router) onLLMResponse(d contracts.Decoded) {
	resp := d.Payload.(*contracts.LLMResponse)
	turn := r.table.get()
	if turn.State != LLMPending || turn.RequestID != resp.ID {
		return
	}
	r.touch()
	ctx := context.Background()

	if resp.Error != "" {
		r.speak(ctx, turn.UttID, cannedErrorReply)
		r.reArm(ctx, LLMPending, turn.UttID, "llm_error")
		return
	}

	r.table.set(func(t *Turn) { t.State = Speaking })
	r.transition(LLMPending, Speaking, turn.UttID)
	r.speak(ctx, turn.UttID, resp.Reply)
}

func (r *Router) speak(ctx context.Context, uttID, text string) {
	if err := busclient.PublishEvent(ctx, r.bus, contracts.TopicTTSSay, contracts.TTSSay{UttID: uttID, Text: text}, contracts.EncodeOptions{UttID: uttID}); err != nil {
		r.logger.Warn("router: publish tts/say failed", "error", err)
	}
}

// onToolCallRequest tracks the in-flight tool call so the matching
// llm/tool.call.result can be fed back as an llm/request continuation
// with correlation preserved.
func (r *Router) onToolCallRequest(d contracts.Decoded) {
	call := d.Payload.(*contracts.ToolCallRequest)
	turn := r.table.get()
	if turn.State != LLMPending {
		return
	}
	r.table.set(func(t *Turn) { t.PendingToolCallID = call.CallID })
}

func (r *Router) onToolCallResult(d contracts.Decoded) {
	result := d.Payload.(*contracts.ToolCallResult)
	turn := r.table.get()
	if turn.State != LLMPending || turn.PendingToolCallID != result.CallID {
		return
	}
	r.touch()
	r.table.set(func(t *Turn) { t.PendingToolCallID = "" })

	req := contracts.LLMRequest{ID: turn.RequestID, UttID: turn.UttID, ToolResult: result}
	if err := busclient.PublishEvent(context.Background(), r.bus, contracts.TopicLLMRequest, req, contracts.EncodeOptions{UttID: turn.UttID, RequestID: turn.RequestID}); err != nil {
		r.logger.Warn("router: publish llm/request continuation failed", "error", err)
	}
}

// onTTSStatus closes the turn out on speaking_end.
func (r *Router) onTTSStatus(d contracts.Decoded) {
	status := d.Payload.(*contracts.TTSStatus)
	turn := r.table.get()
	if turn.UttID != status.UttID {
		return
	}
	r.touch()
	if status.Event == contracts.TTSEventSpeakingEnd && turn.State == Speaking {
		r.reArm(context.Background(), Speaking, turn.UttID, "speaking_end")
	}
}

// cancelTurn implements the cancellation rule: llm/cancel for the
// current request, then tts/control stop, whenever the router leaves
// LLMPending or Speaking for a non-success reason.
func (r *Router) cancelTurn(ctx context.Context, turn Turn) {
	if turn.RequestID != "" {
		if err := busclient.PublishEvent(ctx, r.bus, contracts.TopicLLMCancel, contracts.LLMCancel{ID: turn.RequestID}, contracts.EncodeOptions{UttID: turn.UttID, RequestID: turn.RequestID}); err != nil {
			r.logger.Warn("router: publish llm/cancel failed", "error", err)
		}
	}
	if err := busclient.PublishEvent(ctx, r.bus, contracts.TopicTTSControl, contracts.TTSControl{Action: contracts.TTSControlStop}, contracts.EncodeOptions{UttID: turn.UttID}); err != nil {
		r.logger.Warn("router: publish tts/control stop failed", "error", err)
	}
}

// reArm closes the turn and re-issues wake/mic enable so the next
// utterance can start a fresh turn.
func (r *Router) reArm(ctx context.Context, from TurnState, uttID, reason string) {
	if err := busclient.PublishEvent(ctx, r.bus, contracts.TopicWakeMic, contracts.WakeMic{Command: contracts.MicEnable}, contracts.EncodeOptions{UttID: uttID}); err != nil {
		r.logger.Warn("router: publish wake/mic enable failed", "error", err)
	}
	r.endTurn(from, uttID, reason)
}

func (r *Router) endTurn(from TurnState, uttID, reason string) {
	r.table.set(func(t *Turn) { *t = Turn{State: Idle} })
	r.transition(from, Idle, uttID)
	if r.obsBus != nil {
		r.obsBus.Publish(obs.Event{Timestamp: time.Now(), Source: obs.SourceRouter, Kind: obs.KindTurnEnded, Data: map[string]any{"utt_id": uttID, "reason": reason}})
	}
}

func (r *Router) isShuttingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shuttingDown
}

// watchdog enforces the per-state timeouts: Listening to Idle on
// silence, LLMPending→Idle on a hard LLM timeout, Speaking→Idle on a
// max-speech bound if speaking_end never arrives.
func (r *Router) watchdog(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkTimeout()
		}
	}
}

func (r *Router) checkTimeout() {
	turn := r.table.get()
	r.mu.Lock()
	elapsed := time.Since(r.lastActivity)
	r.mu.Unlock()

	var limit time.Duration
	switch turn.State {
	case Listening:
		limit = r.cfg.STTSilence
	case LLMPending:
		limit = r.cfg.LLMTimeout
	case Speaking:
		limit = r.cfg.TTSMaxSpeak
	default:
		return
	}
	if limit <= 0 || elapsed < limit {
		return
	}

	ctx := context.Background()
	if turn.State == LLMPending || turn.State == Speaking {
		r.cancelTurn(ctx, turn)
	}
	if turn.State == Listening {
		if err := busclient.PublishEvent(ctx, r.bus, contracts.TopicWakeMic, contracts.WakeMic{Command: contracts.MicDisable}, contracts.EncodeOptions{UttID: turn.UttID}); err != nil {
			r.logger.Warn("router: publish wake/mic disable failed", "error", err)
		}
	}
	r.endTurn(turn.State, turn.UttID, "timeout")
}
