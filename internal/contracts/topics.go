package contracts

import "strings"

// Topic is one of the closed set of TARS bus topics. The set is
// enumerated below; services match on it exhaustively rather than
// hard-coding topic strings.
type Topic string

// Wake domain.
const (
	TopicWakeEvent Topic = "wake/event"
	TopicWakeMic   Topic = "wake/mic"
)

// STT domain.
const (
	TopicSTTPartial  Topic = "stt/partial"
	TopicSTTFinal    Topic = "stt/final"
	TopicSTTAudioFFT Topic = "stt/audio_fft"
)

// LLM domain.
const (
	TopicLLMRequest         Topic = "llm/request"
	TopicLLMResponse        Topic = "llm/response"
	TopicLLMCancel          Topic = "llm/cancel"
	TopicLLMStream          Topic = "llm/stream"
	TopicLLMToolsRegistry   Topic = "llm/tools/registry"
	TopicLLMToolCallRequest Topic = "llm/tool.call.request"
	TopicLLMToolCallResult  Topic = "llm/tool.call.result"
)

// TTS domain.
const (
	TopicTTSSay     Topic = "tts/say"
	TopicTTSStatus  Topic = "tts/status"
	TopicTTSControl Topic = "tts/control"
)

// Memory / character domain.
const (
	TopicMemoryQuery      Topic = "memory/query"
	TopicMemoryResults    Topic = "memory/results"
	TopicCharacterCurrent Topic = "system/character/current"
	TopicCharacterGet     Topic = "system/character/get"
	TopicCharacterResult  Topic = "system/character/result"
)

// Movement domain.
const (
	TopicMovementCommand Topic = "movement/command"
	TopicMovementFrame   Topic = "movement/frame"
	TopicMovementState   Topic = "movement/state"
	TopicMovementTest    Topic = "movement/test"
	TopicMovementStop    Topic = "movement/stop"
	TopicMovementStatus  Topic = "movement/status"
)

// Camera domain.
const (
	TopicCameraCapture Topic = "camera/capture"
	TopicCameraImage   Topic = "camera/image"
	TopicCameraFrame   Topic = "camera/frame"
)

const (
	healthPrefix    = "system/health/"
	keepalivePrefix = "system/keepalive/"
)

// HealthTopic returns the retained health topic for a service.
func HealthTopic(service string) Topic {
	return Topic(healthPrefix + service)
}

// KeepaliveTopic returns the non-retained heartbeat topic for a service.
func KeepaliveTopic(service string) Topic {
	return Topic(keepalivePrefix + service)
}

// ServiceFromHealthTopic extracts the service name from a
// system/health/<service> topic. ok is false if topic doesn't match
// the health topic shape.
func ServiceFromHealthTopic(topic string) (service string, ok bool) {
	if !strings.HasPrefix(topic, healthPrefix) {
		return "", false
	}
	service = strings.TrimPrefix(topic, healthPrefix)
	return service, service != ""
}

// ServiceFromKeepaliveTopic extracts the service name from a
// system/keepalive/<service> topic.
func ServiceFromKeepaliveTopic(topic string) (service string, ok bool) {
	if !strings.HasPrefix(topic, keepalivePrefix) {
		return "", false
	}
	service = strings.TrimPrefix(topic, keepalivePrefix)
	return service, service != ""
}

// eventTypes maps each closed, non-templated topic to the envelope
// "type" field every message on it must carry.
var eventTypes = map[Topic]string{
	TopicWakeEvent:          "wake.event",
	TopicWakeMic:            "wake.mic",
	TopicSTTPartial:         "stt.partial",
	TopicSTTFinal:           "stt.final",
	TopicSTTAudioFFT:        "stt.audio_fft",
	TopicLLMRequest:         "llm.request",
	TopicLLMResponse:        "llm.response",
	TopicLLMCancel:          "llm.cancel",
	TopicLLMStream:          "llm.stream",
	TopicLLMToolsRegistry:   "llm.tools.registry",
	TopicLLMToolCallRequest: "llm.tool.call.request",
	TopicLLMToolCallResult:  "llm.tool.call.result",
	TopicTTSSay:             "tts.say",
	TopicTTSStatus:          "tts.status",
	TopicTTSControl:         "tts.control",
	TopicMemoryQuery:        "memory.query",
	TopicMemoryResults:      "memory.results",
	TopicCharacterCurrent:   "system.character.current",
	TopicCharacterGet:       "system.character.get",
	TopicCharacterResult:    "system.character.result",
	TopicMovementCommand:    "movement.command",
	TopicMovementFrame:      "movement.frame",
	TopicMovementState:      "movement.state",
	TopicMovementTest:       "movement.test",
	TopicMovementStop:       "movement.stop",
	TopicMovementStatus:     "movement.status",
	TopicCameraCapture:      "camera.capture",
	TopicCameraImage:        "camera.image",
	TopicCameraFrame:        "camera.frame",
}

const (
	healthEventType    = "health.status"
	keepaliveEventType = "system.keepalive"
)

// EventType returns the envelope "type" value expected on topic. For
// system/health/<service> and system/keepalive/<service> it returns
// the shared templated event type regardless of service name.
func EventType(topic Topic) (string, bool) {
	if t, ok := eventTypes[topic]; ok {
		return t, true
	}
	s := string(topic)
	if strings.HasPrefix(s, healthPrefix) {
		return healthEventType, true
	}
	if strings.HasPrefix(s, keepalivePrefix) {
		return keepaliveEventType, true
	}
	return "", false
}

// Policy is the QoS/retain pair a topic's publishes must use.
type Policy struct {
	QoS    byte
	Retain bool
}

var policies = map[Topic]Policy{
	TopicWakeEvent:          {QoS: 1, Retain: false},
	TopicWakeMic:            {QoS: 1, Retain: false},
	TopicSTTPartial:         {QoS: 0, Retain: false},
	TopicSTTFinal:           {QoS: 1, Retain: false},
	TopicSTTAudioFFT:        {QoS: 0, Retain: false},
	TopicLLMRequest:         {QoS: 1, Retain: false},
	TopicLLMResponse:        {QoS: 1, Retain: false},
	TopicLLMCancel:          {QoS: 1, Retain: false},
	TopicLLMStream:          {QoS: 0, Retain: false},
	TopicLLMToolsRegistry:   {QoS: 1, Retain: true},
	TopicLLMToolCallRequest: {QoS: 1, Retain: false},
	TopicLLMToolCallResult:  {QoS: 1, Retain: false},
	TopicTTSSay:             {QoS: 1, Retain: false},
	TopicTTSStatus:          {QoS: 0, Retain: false},
	TopicTTSControl:         {QoS: 1, Retain: false},
	TopicMemoryQuery:        {QoS: 1, Retain: false},
	TopicMemoryResults:      {QoS: 1, Retain: false},
	TopicCharacterCurrent:   {QoS: 1, Retain: true},
	TopicCharacterGet:       {QoS: 1, Retain: false},
	TopicCharacterResult:    {QoS: 1, Retain: false},
	TopicMovementCommand:    {QoS: 1, Retain: false},
	TopicMovementFrame:      {QoS: 1, Retain: false},
	TopicMovementState:      {QoS: 0, Retain: false},
	TopicMovementTest:       {QoS: 1, Retain: false},
	TopicMovementStop:       {QoS: 1, Retain: false},
	TopicMovementStatus:     {QoS: 0, Retain: false},
	TopicCameraCapture:      {QoS: 1, Retain: false},
	TopicCameraImage:        {QoS: 1, Retain: false},
	TopicCameraFrame:        {QoS: 0, Retain: false},
}

// PolicyFor returns the QoS/retain policy for topic. Health topics are
// always QoS 1 retained; keepalive topics are always QoS 0
// non-retained, regardless of which service's name follows the
// prefix.
func PolicyFor(topic Topic) (Policy, bool) {
	if p, ok := policies[topic]; ok {
		return p, true
	}
	s := string(topic)
	if strings.HasPrefix(s, healthPrefix) {
		return Policy{QoS: 1, Retain: true}, true
	}
	if strings.HasPrefix(s, keepalivePrefix) {
		return Policy{QoS: 0, Retain: false}, true
	}
	return Policy{}, false
}

// rawTopics carry bare JSON payloads with no envelope wrapper, the
// one exception granted to the movement firmware boundary: the ESP32
// side never parses full envelopes.
var rawTopics = map[Topic]bool{
	TopicMovementFrame:  true,
	TopicMovementStatus: true,
}

// IsRaw reports whether topic uses the bare-payload firmware wire
// format instead of the standard envelope.
func IsRaw(topic Topic) bool {
	return rawTopics[topic]
}
