// Typed errors for directive resolution and execution, so callers
// can branch on the failure kind rather than match strings.
package movement

import "fmt"

// ErrBusy is returned when a directive arrives while a sequence is
// already executing. The movement service runs exactly one sequence
// at a time; a second start attempt fails fast rather than queuing.
type ErrBusy struct {
	Active string
}

func (e *ErrBusy) Error() string {
	return fmt.Sprintf("movement: busy executing %q, rejecting new directive", e.Active)
}

// ErrUnknownPreset is returned when a directive names a preset that
// is not in the built-in library and is not a custom inline sequence.
type ErrUnknownPreset struct {
	Name string
}

func (e *ErrUnknownPreset) Error() string {
	return fmt.Sprintf("movement: unknown preset %q", e.Name)
}

// ErrInvalidChannel is returned when a directive or test references a
// servo channel outside [0,8].
type ErrInvalidChannel struct {
	Channel int
}

func (e *ErrInvalidChannel) Error() string {
	return fmt.Sprintf("movement: channel %d out of range [0,8]", e.Channel)
}

// ErrCalibrationViolation is returned when a resolved pulse falls
// outside the channel's calibrated [min,max] bounds.
type ErrCalibrationViolation struct {
	Channel int
	Pulse   int
	Min     int
	Max     int
}

func (e *ErrCalibrationViolation) Error() string {
	return fmt.Sprintf("movement: channel %d pulse %d outside calibrated range [%d,%d]", e.Channel, e.Pulse, e.Min, e.Max)
}
