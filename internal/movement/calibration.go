// Package movement implements the host side of the movement
// pipeline: directive expansion into calibrated PWM frames, state
// transitions, and the preset library.
package movement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const channelCount = 9

// ServoCalibration is one channel's raw PCA9685 pulse bounds.
// Values are constrained to <=600 for servo safety, well under the
// PCA9685's 4095 duty-cycle ceiling.
type ServoCalibration struct {
	Label   string `json:"label" yaml:"label"`
	Min     int    `json:"min" yaml:"min"`
	Max     int    `json:"max" yaml:"max"`
	Neutral int    `json:"neutral" yaml:"neutral"`
}

// Validate checks the channel's own internal ordering invariant:
// min <= neutral <= max, and both bounds within the safety ceiling.
func (c ServoCalibration) Validate() error {
	if c.Min < 0 || c.Max > 600 {
		return fmt.Errorf("calibration %q: bounds [%d,%d] outside [0,600]", c.Label, c.Min, c.Max)
	}
	if !(c.Min <= c.Neutral && c.Neutral <= c.Max) {
		return fmt.Errorf("calibration %q: neutral %d not within [min=%d,max=%d]", c.Label, c.Neutral, c.Min, c.Max)
	}
	return nil
}

// InRange reports whether pulse is a legal setpoint for this channel.
func (c ServoCalibration) InRange(pulse int) bool {
	return pulse >= c.Min && pulse <= c.Max
}

// CalibrationSet is the per-channel calibration table for channels
// 0..8. The zero value has no channels configured; load one with
// DefaultCalibration or LoadCalibrationFile.
type CalibrationSet struct {
	Channels [channelCount]ServoCalibration
}

// DefaultCalibration returns a conservative calibration set: neutral
// at the channel midpoint, full safety-ceiling range, generic labels.
// Real deployments override this via an on-disk JSON file
// (MOVEMENT_CALIBRATION_PATH).
func DefaultCalibration() CalibrationSet {
	var set CalibrationSet
	for i := range set.Channels {
		set.Channels[i] = ServoCalibration{
			Label:   fmt.Sprintf("channel_%d", i),
			Min:     150,
			Max:     450,
			Neutral: 300,
		}
	}
	return set
}

// Validate checks every channel's calibration.
func (s CalibrationSet) Validate() error {
	for i, c := range s.Channels {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("channel %d: %w", i, err)
		}
	}
	return nil
}

// For returns the calibration for channel, or an error if out of
// range.
func (s CalibrationSet) For(channel int) (ServoCalibration, error) {
	if channel < 0 || channel >= channelCount {
		return ServoCalibration{}, fmt.Errorf("movement: channel %d out of range [0,%d]", channel, channelCount-1)
	}
	return s.Channels[channel], nil
}

// calibrationFile is the on-disk JSON override shape: a sparse map of
// channel index to calibration, so an operator only needs to list the
// channels they're overriding.
type calibrationFile struct {
	Channels map[string]ServoCalibration `json:"channels" yaml:"channels"`
}

// LoadCalibrationFile reads a JSON or YAML override file and applies it
// on top of DefaultCalibration. An empty path returns the default set
// unchanged. Format is chosen by extension (.yaml/.yml vs everything
// else treated as JSON), since operators tend to hand-edit calibration
// files and YAML's comments are useful for documenting per-servo notes.
func LoadCalibrationFile(path string) (CalibrationSet, error) {
	set := DefaultCalibration()
	if path == "" {
		return set, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return CalibrationSet{}, fmt.Errorf("movement: read calibration file: %w", err)
	}

	var file calibrationFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return CalibrationSet{}, fmt.Errorf("movement: parse calibration file: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&file); err != nil {
			return CalibrationSet{}, fmt.Errorf("movement: parse calibration file: %w", err)
		}
	}

	for key, cal := range file.Channels {
		idx, err := parseChannelKey(key)
		if err != nil {
			return CalibrationSet{}, err
		}
		set.Channels[idx] = cal
	}

	if err := set.Validate(); err != nil {
		return CalibrationSet{}, fmt.Errorf("movement: calibration override invalid: %w", err)
	}
	return set, nil
}

func parseChannelKey(key string) (int, error) {
	var idx int
	if _, err := fmt.Sscanf(key, "%d", &idx); err != nil {
		return 0, fmt.Errorf("movement: calibration file: invalid channel key %q", key)
	}
	if idx < 0 || idx >= channelCount {
		return 0, fmt.Errorf("movement: calibration file: channel %d out of range [0,%d]", idx, channelCount-1)
	}
	return idx, nil
}
