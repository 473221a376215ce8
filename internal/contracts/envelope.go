package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire wrapper every non-raw publish carries.
// Unknown top-level fields are rejected by Validate/Decode.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp float64         `json:"timestamp"`
	Source    string          `json:"source"`
	Correlate *string         `json:"correlate,omitempty"`
	RequestID *string         `json:"request_id,omitempty"`
	UttID     *string         `json:"utt_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Validator is implemented by every domain payload type. Validate
// checks range/enum constraints the JSON shape alone can't express
// (e.g. LLM temperature bounds, movement speed bounds).
type Validator interface {
	Validate() error
}

// EncodeOptions carries the envelope fields a caller supplies;
// ID and Timestamp are always generated by Encode.
type EncodeOptions struct {
	Source      string
	CorrelateID string
	RequestID   string
	UttID       string
}

// Encode wraps data in an envelope for topic and marshals it to JSON.
// data must satisfy Validator; Encode calls Validate before wrapping
// so a malformed payload never reaches the wire. The envelope's "type"
// field is taken from the topic's registered event type; callers
// never choose it themselves, so type and topic cannot disagree.
func Encode[T Validator](topic Topic, data T, opts EncodeOptions) ([]byte, error) {
	if err := data.Validate(); err != nil {
		return nil, fmt.Errorf("contracts: encode %s: %w", topic, err)
	}

	eventType, ok := EventType(topic)
	if !ok {
		return nil, fmt.Errorf("contracts: encode: unknown topic %q", topic)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("contracts: encode %s: marshal data: %w", topic, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("contracts: encode %s: generate id: %w", topic, err)
	}

	env := Envelope{
		ID:        id.String(),
		Type:      eventType,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Source:    opts.Source,
		Data:      payload,
	}
	if opts.CorrelateID != "" {
		env.Correlate = &opts.CorrelateID
	}
	if opts.RequestID != "" {
		env.RequestID = &opts.RequestID
	}
	if opts.UttID != "" {
		env.UttID = &opts.UttID
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("contracts: encode %s: marshal envelope: %w", topic, err)
	}
	return out, nil
}

// EncodeRaw marshals data directly with no envelope, for the movement
// firmware wire boundary (IsRaw).
func EncodeRaw[T Validator](data T) ([]byte, error) {
	if err := data.Validate(); err != nil {
		return nil, fmt.Errorf("contracts: encode raw: %w", err)
	}
	return json.Marshal(data)
}

// decodeStrict unmarshals data into v, rejecting unknown JSON fields.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
