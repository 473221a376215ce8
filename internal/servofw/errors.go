package servofw

import "fmt"

// ErrChannelDisabled is returned when a channel has been disabled
// after exhausting hardware retries and refuses further
// commands until an operator issues /resume.
type ErrChannelDisabled struct {
	Channel int
}

func (e *ErrChannelDisabled) Error() string {
	return fmt.Sprintf("servofw: channel %d is disabled pending resume", e.Channel)
}

// ErrCalibrationViolation is returned when a commanded pulse falls
// outside the channel's calibrated [min,max] bounds.
// No PWM write is attempted when this error is returned.
type ErrCalibrationViolation struct {
	Channel  int
	Pulse    int
	Min, Max int
}

func (e *ErrCalibrationViolation) Error() string {
	return fmt.Sprintf("servofw: channel %d pulse %d outside calibrated range [%d,%d]", e.Channel, e.Pulse, e.Min, e.Max)
}

// ErrInvalidSpeed is returned when a requested interpolation speed is
// outside [0.1, 1.0].
type ErrInvalidSpeed struct {
	Speed float64
}

func (e *ErrInvalidSpeed) Error() string {
	return fmt.Sprintf("servofw: speed %v outside range [0.1,1.0]", e.Speed)
}

// ErrPresetBusy is returned when a preset is requested while another
// is already executing; exactly one sequence is active at a time.
type ErrPresetBusy struct {
	Name string
}

func (e *ErrPresetBusy) Error() string {
	return fmt.Sprintf("servofw: preset %q rejected: another preset is already running", e.Name)
}

// ErrEmergencyStopped is returned by ExecutePreset when an emergency
// stop aborted the sequence mid-flight. The channels are already
// floating by the time the caller sees it.
type ErrEmergencyStopped struct {
	Preset string
}

func (e *ErrEmergencyStopped) Error() string {
	return fmt.Sprintf("servofw: preset %q aborted by emergency stop", e.Preset)
}

// ErrLowHeap is returned when the firmware's free-memory guard trips
// and a movement command is refused rather than risking an
// out-of-memory fault mid-sequence.
type ErrLowHeap struct {
	FreeBytes, ThresholdBytes uint64
}

func (e *ErrLowHeap) Error() string {
	return fmt.Sprintf("servofw: free heap %d bytes below threshold %d, refusing command", e.FreeBytes, e.ThresholdBytes)
}
