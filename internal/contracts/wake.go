package contracts

import "fmt"

// WakeEvent is published on wake/event when the wake-word detector
// fires. UttID is optional on the wire — the router mints one if the
// publisher didn't, since wake is where a turn's utt_id is born.
type WakeEvent struct {
	Confidence float64 `json:"confidence"`
	UttID      string  `json:"utt_id,omitempty"`
}

func (w WakeEvent) Validate() error {
	if w.Confidence < 0 || w.Confidence > 1 {
		return fmt.Errorf("wake event: confidence %v out of range [0,1]", w.Confidence)
	}
	return nil
}

// MicCommand is a closed enum of microphone arming directives.
type MicCommand string

const (
	MicEnable  MicCommand = "enable"
	MicDisable MicCommand = "disable"
)

func (c MicCommand) valid() bool {
	switch c {
	case MicEnable, MicDisable:
		return true
	default:
		return false
	}
}

// WakeMic is published on wake/mic by the router to arm or disarm the
// microphone around a turn.
type WakeMic struct {
	Command MicCommand `json:"command"`
}

func (m WakeMic) Validate() error {
	if !m.Command.valid() {
		return fmt.Errorf("wake mic: invalid command %q", m.Command)
	}
	return nil
}
