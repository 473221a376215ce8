package contracts

import (
	"encoding/json"
	"fmt"
)

// MovementDirective is published on movement/command. Name selects a
// built-in preset (reset_positions, step_forward, step_backward,
// turn_right, turn_left, right_hi, laugh, swing_legs, balance,
// mic_drop, monster, pose, bow) or "custom", in which case Params
// carries an inline sequence under the "sequence" key. Params is
// otherwise preset-specific and opaque to the envelope layer.
type MovementDirective struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (d MovementDirective) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("movement directive: name required")
	}
	return nil
}

// MovementFrame is one PWM setpoint for one channel, published raw
// (no envelope) on movement/frame, the host-to-firmware wire
// format. Channel is 0-8; Pulse is raw PCA9685 units and is checked
// against calibration bounds by the firmware, not here.
type MovementFrame struct {
	Channel    int     `json:"channel"`
	Pulse      int     `json:"pulse"`
	DurationMs int     `json:"duration_ms,omitempty"`
	Ts         float64 `json:"ts,omitempty"`
}

func (f MovementFrame) Validate() error {
	if f.Channel < 0 || f.Channel > 8 {
		return fmt.Errorf("movement frame: channel %d out of range [0,8]", f.Channel)
	}
	if f.Pulse < 0 || f.Pulse > 600 {
		return fmt.Errorf("movement frame: pulse %d out of range [0,600]", f.Pulse)
	}
	if f.DurationMs < 0 {
		return fmt.Errorf("movement frame: duration_ms must be >= 0")
	}
	return nil
}

// MovementStateValue is a closed enum of movement-service lifecycle
// states, published on movement/state.
type MovementStateValue string

const (
	MovementStateIdle        MovementStateValue = "idle"
	MovementStateExecuting   MovementStateValue = "executing"
	MovementStateCoolingDown MovementStateValue = "cooling_down"
)

func (s MovementStateValue) valid() bool {
	switch s {
	case MovementStateIdle, MovementStateExecuting, MovementStateCoolingDown:
		return true
	default:
		return false
	}
}

// MovementState reports a movement-service state transition. Failure
// is set when the transition back to idle was forced by an error path
// (emergency stop, timeout) rather than normal completion.
type MovementState struct {
	State   MovementStateValue `json:"state"`
	Failure string             `json:"failure,omitempty"`
}

func (s MovementState) Validate() error {
	if !s.State.valid() {
		return fmt.Errorf("movement state: invalid state %q", s.State)
	}
	return nil
}

// MovementTest is published on movement/test to manually exercise one
// channel outside of any preset, at the given speed.
type MovementTest struct {
	Channel int     `json:"channel"`
	Pulse   int     `json:"pulse"`
	Speed   float64 `json:"speed,omitempty"`
}

func (t MovementTest) Validate() error {
	if t.Channel < 0 || t.Channel > 8 {
		return fmt.Errorf("movement test: channel %d out of range [0,8]", t.Channel)
	}
	if t.Speed != 0 && (t.Speed < 0.1 || t.Speed > 1.0) {
		return fmt.Errorf("movement test: speed %v out of range [0.1,1.0]", t.Speed)
	}
	return nil
}

// MovementStop is published on movement/stop, the canonical emergency
// trigger. Empty payload; the type exists so the topic
// has a typed, validated contract like every other.
type MovementStop struct{}

func (MovementStop) Validate() error { return nil }

// MovementStatus is the firmware's raw uplink report on
// movement/status: a per-channel or whole-frame acknowledgement,
// or a rejection when a commanded pulse violated calibration.
type MovementStatus struct {
	Channel int    `json:"channel"`
	Pulse   int    `json:"pulse,omitempty"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

func (s MovementStatus) Validate() error {
	if s.Channel < 0 || s.Channel > 8 {
		return fmt.Errorf("movement status: channel %d out of range [0,8]", s.Channel)
	}
	if !s.OK && s.Error == "" {
		return fmt.Errorf("movement status: error required when ok=false")
	}
	return nil
}
