package contracts

import (
	"encoding/json"
	"fmt"
)

// Decoded is the result of validating an inbound envelope: the
// envelope itself plus the strictly-decoded, range-checked payload.
type Decoded struct {
	Envelope Envelope
	Payload  Validator
}

// payloadFactories returns a fresh zero-value payload for a topic, so
// Validate can decode into the right concrete type without a giant
// switch living outside this package.
var payloadFactories = map[Topic]func() Validator{
	TopicWakeEvent:          func() Validator { return &WakeEvent{} },
	TopicWakeMic:            func() Validator { return &WakeMic{} },
	TopicSTTPartial:         func() Validator { return &STTPartial{} },
	TopicSTTFinal:           func() Validator { return &STTFinal{} },
	TopicSTTAudioFFT:        func() Validator { return &AudioFFT{} },
	TopicLLMRequest:         func() Validator { return &LLMRequest{} },
	TopicLLMResponse:        func() Validator { return &LLMResponse{} },
	TopicLLMCancel:          func() Validator { return &LLMCancel{} },
	TopicLLMStream:          func() Validator { return &LLMStream{} },
	TopicLLMToolsRegistry:   func() Validator { return &ToolsRegistry{} },
	TopicLLMToolCallRequest: func() Validator { return &ToolCallRequest{} },
	TopicLLMToolCallResult:  func() Validator { return &ToolCallResult{} },
	TopicTTSSay:             func() Validator { return &TTSSay{} },
	TopicTTSStatus:          func() Validator { return &TTSStatus{} },
	TopicTTSControl:         func() Validator { return &TTSControl{} },
	TopicMemoryQuery:        func() Validator { return &MemoryQuery{} },
	TopicMemoryResults:      func() Validator { return &MemoryResults{} },
	TopicCharacterCurrent:   func() Validator { return &CharacterCurrent{} },
	TopicCharacterGet:       func() Validator { return &CharacterGet{} },
	TopicCharacterResult:    func() Validator { return &CharacterResult{} },
	TopicMovementCommand:    func() Validator { return &MovementDirective{} },
	TopicMovementFrame:      func() Validator { return &MovementFrame{} },
	TopicMovementState:      func() Validator { return &MovementState{} },
	TopicMovementTest:       func() Validator { return &MovementTest{} },
	TopicMovementStop:       func() Validator { return &MovementStop{} },
	TopicMovementStatus:     func() Validator { return &MovementStatus{} },
	TopicCameraCapture:      func() Validator { return &CameraCapture{} },
	TopicCameraImage:        func() Validator { return &CameraImage{} },
	TopicCameraFrame:        func() Validator { return &CameraFrame{} },
}

// payloadFor returns a fresh payload value for topic, including the
// templated system/health and system/keepalive families.
func payloadFor(topic Topic) (Validator, bool) {
	if f, ok := payloadFactories[topic]; ok {
		return f(), true
	}
	s := string(topic)
	if _, ok := ServiceFromHealthTopic(s); ok {
		return &HealthStatus{}, true
	}
	if _, ok := ServiceFromKeepaliveTopic(s); ok {
		return &Keepalive{}, true
	}
	return nil, false
}

// Validate strictly decodes a raw inbound message for topic: the
// envelope (unless topic IsRaw), its "type" field against the topic's
// registered event type, and the typed payload,
// finally calling the payload's Validate for range/enum checks the
// JSON shape alone can't express.
func Validate(topic Topic, raw []byte) (Decoded, error) {
	payload, ok := payloadFor(topic)
	if !ok {
		return Decoded{}, fmt.Errorf("contracts: validate: unknown topic %q", topic)
	}

	if IsRaw(topic) {
		if err := decodeStrict(raw, payload); err != nil {
			return Decoded{}, fmt.Errorf("contracts: validate %s: decode: %w", topic, err)
		}
		if err := payload.Validate(); err != nil {
			return Decoded{}, fmt.Errorf("contracts: validate %s: %w", topic, err)
		}
		return Decoded{Payload: payload}, nil
	}

	var env Envelope
	if err := decodeStrict(raw, &env); err != nil {
		return Decoded{}, fmt.Errorf("contracts: validate %s: decode envelope: %w", topic, err)
	}

	wantType, ok := EventType(topic)
	if !ok {
		return Decoded{}, fmt.Errorf("contracts: validate: no event type registered for %q", topic)
	}
	if env.Type != wantType {
		return Decoded{}, fmt.Errorf("contracts: validate %s: envelope type %q, want %q", topic, env.Type, wantType)
	}

	if err := decodeStrict(env.Data, payload); err != nil {
		return Decoded{}, fmt.Errorf("contracts: validate %s: decode data: %w", topic, err)
	}
	if err := payload.Validate(); err != nil {
		return Decoded{}, fmt.Errorf("contracts: validate %s: %w", topic, err)
	}

	return Decoded{Envelope: env, Payload: payload}, nil
}

// MustMarshalRaw is a test/debug helper that marshals v without going
// through Encode's validation, for constructing deliberately invalid
// fixtures.
func MustMarshalRaw(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
