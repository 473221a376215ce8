package servofw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hollowoak/tars/internal/movement"
)

// failingWriter NACKs every write, standing in for a dead I2C bus.
type failingWriter struct{ attempts int }

func (w *failingWriter) SetPulse(channel, pulse int) error {
	w.attempts++
	return fmt.Errorf("i2c nack on channel %d", channel)
}

func TestMoveServoSmoothReachesTarget(t *testing.T) {
	writer := NewSimulatedWriter()
	ctrl := NewController(movement.DefaultCalibration(), writer, nil)

	if err := ctrl.MoveServoSmooth(context.Background(), 0, 310, 1.0); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := writer.Pulse(0); got != 310 {
		t.Errorf("channel 0 pulse = %d, want 310", got)
	}
	if got := ctrl.Pulse(0); got != 310 {
		t.Errorf("controller position = %d, want 310", got)
	}
}

func TestMoveRejectsCalibrationViolation(t *testing.T) {
	cal := movement.DefaultCalibration()
	cal.Channels[5].Max = 280
	cal.Channels[5].Neutral = 250
	writer := NewSimulatedWriter()
	ctrl := NewController(cal, writer, nil)

	err := ctrl.MoveServoSmooth(context.Background(), 5, 380, 1.0)
	var violation *ErrCalibrationViolation
	if !errors.As(err, &violation) {
		t.Fatalf("err = %v, want ErrCalibrationViolation", err)
	}
	if violation.Channel != 5 || violation.Pulse != 380 {
		t.Errorf("violation = %+v, want channel 5 pulse 380", violation)
	}
	if got := writer.Pulse(5); got != 0 {
		t.Errorf("pulse written despite violation: %d", got)
	}
}

func TestMoveRejectsBadChannelAndSpeed(t *testing.T) {
	ctrl := NewController(movement.DefaultCalibration(), NewSimulatedWriter(), nil)

	if err := ctrl.MoveServoSmooth(context.Background(), 9, 300, 1.0); err == nil {
		t.Error("channel 9 accepted, want rejection")
	}
	if err := ctrl.MoveServoSmooth(context.Background(), -1, 300, 1.0); err == nil {
		t.Error("channel -1 accepted, want rejection")
	}

	var badSpeed *ErrInvalidSpeed
	if err := ctrl.MoveServoSmooth(context.Background(), 0, 300, 0.05); !errors.As(err, &badSpeed) {
		t.Errorf("speed 0.05: err = %v, want ErrInvalidSpeed", err)
	}
	if err := ctrl.MoveServoSmooth(context.Background(), 0, 300, 1.5); !errors.As(err, &badSpeed) {
		t.Errorf("speed 1.5: err = %v, want ErrInvalidSpeed", err)
	}
}

func TestMoveMultipleReachesAllTargets(t *testing.T) {
	writer := NewSimulatedWriter()
	ctrl := NewController(movement.DefaultCalibration(), writer, nil)

	targets := map[int]int{0: 320, 1: 280, 2: 350}
	if err := ctrl.MoveMultiple(context.Background(), targets, 1.0); err != nil {
		t.Fatalf("move multiple: %v", err)
	}
	for ch, want := range targets {
		if got := writer.Pulse(ch); got != want {
			t.Errorf("channel %d pulse = %d, want %d", ch, got, want)
		}
	}
}

func TestExecutePresetFloatsChannelsOnCompletion(t *testing.T) {
	writer := NewSimulatedWriter()
	ctrl := NewController(movement.DefaultCalibration(), writer, nil)

	seq := movement.Sequence{
		Name: "nod",
		Steps: []movement.Step{
			{Targets: map[int]float64{0: 0.6, 1: 0.4}, Speed: 1.0},
			{Targets: map[int]float64{0: 0.5}, Speed: 1.0},
		},
	}
	if err := ctrl.ExecutePreset(context.Background(), seq); err != nil {
		t.Fatalf("execute preset: %v", err)
	}
	for ch := 0; ch < 9; ch++ {
		if got := writer.Pulse(ch); got != 0 {
			t.Errorf("channel %d holding pulse %d after preset, want 0 (floating)", ch, got)
		}
	}
	if ctrl.PresetBusy() {
		t.Error("preset still reported busy after completion")
	}
}

func TestSecondPresetFailsFast(t *testing.T) {
	ctrl := NewController(movement.DefaultCalibration(), NewSimulatedWriter(), nil)

	slow := movement.Sequence{
		Name:  "slow",
		Steps: []movement.Step{{Targets: map[int]float64{0: 1.0}, Speed: 0.1}},
	}
	firstDone := make(chan error, 1)
	go func() { firstDone <- ctrl.ExecutePreset(context.Background(), slow) }()

	deadline := time.Now().Add(time.Second)
	for !ctrl.PresetBusy() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !ctrl.PresetBusy() {
		t.Fatal("first preset never started")
	}

	err := ctrl.ExecutePreset(context.Background(), movement.Sequence{
		Name:  "second",
		Steps: []movement.Step{{Targets: map[int]float64{1: 0.5}, Speed: 1.0}},
	})
	var busy *ErrPresetBusy
	if !errors.As(err, &busy) {
		t.Fatalf("second preset err = %v, want ErrPresetBusy", err)
	}

	if err := <-firstDone; err != nil {
		t.Fatalf("first preset: %v", err)
	}
}

func TestEmergencyStopFloatsAllChannelsWithinDeadline(t *testing.T) {
	writer := NewSimulatedWriter()
	ctrl := NewController(movement.DefaultCalibration(), writer, nil)

	moveDone := make(chan error, 1)
	go func() {
		moveDone <- ctrl.MoveServoSmooth(context.Background(), 0, 450, 0.1)
	}()

	deadline := time.Now().Add(time.Second)
	for ctrl.inFlight.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)

	elapsed := ctrl.EmergencyStopAll(context.Background())
	if elapsed > emergencyStopDeadline {
		t.Errorf("emergency stop took %v, deadline %v", elapsed, emergencyStopDeadline)
	}
	if err := <-moveDone; err != nil {
		t.Fatalf("aborted move returned error: %v", err)
	}
	for ch := 0; ch < 9; ch++ {
		if got := writer.Pulse(ch); got != 0 {
			t.Errorf("channel %d pulse = %d after emergency stop, want 0", ch, got)
		}
	}

	// The robot must accept new commands once the flag is cleared.
	if err := ctrl.MoveServoSmooth(context.Background(), 0, 200, 1.0); err != nil {
		t.Fatalf("move after emergency stop: %v", err)
	}
	if got := writer.Pulse(0); got != 200 {
		t.Errorf("post-stop pulse = %d, want 200", got)
	}
}

func TestEmergencyStopAbortsPreset(t *testing.T) {
	writer := NewSimulatedWriter()
	ctrl := NewController(movement.DefaultCalibration(), writer, nil)

	seq := movement.Sequence{
		Name: "march",
		Steps: []movement.Step{
			{Targets: map[int]float64{0: 1.0, 1: 0.0}, Speed: 0.1},
			{Targets: map[int]float64{0: 0.0, 1: 1.0}, Speed: 0.1},
		},
	}
	presetDone := make(chan error, 1)
	go func() { presetDone <- ctrl.ExecutePreset(context.Background(), seq) }()

	deadline := time.Now().Add(time.Second)
	for ctrl.inFlight.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ctrl.EmergencyStopAll(context.Background())

	select {
	case err := <-presetDone:
		var stopped *ErrEmergencyStopped
		if !errors.As(err, &stopped) {
			t.Fatalf("aborted preset err = %v, want ErrEmergencyStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("preset did not abort after emergency stop")
	}
	if ctrl.PresetBusy() {
		t.Error("preset still busy after emergency stop")
	}
	for ch := 0; ch < 9; ch++ {
		if got := writer.Pulse(ch); got != 0 {
			t.Errorf("channel %d pulse = %d, want 0", ch, got)
		}
	}
}

func TestDefaultSpeed(t *testing.T) {
	ctrl := NewController(movement.DefaultCalibration(), NewSimulatedWriter(), nil)

	if got := ctrl.DefaultSpeed(); got != initialDefaultSpeed {
		t.Errorf("initial default speed = %v, want %v", got, initialDefaultSpeed)
	}
	if err := ctrl.SetDefaultSpeed(0.3); err != nil {
		t.Fatalf("set default speed: %v", err)
	}
	if got := ctrl.DefaultSpeed(); got != 0.3 {
		t.Errorf("default speed = %v, want 0.3", got)
	}

	var bad *ErrInvalidSpeed
	if err := ctrl.SetDefaultSpeed(0.05); !errors.As(err, &bad) {
		t.Errorf("speed 0.05: err = %v, want ErrInvalidSpeed", err)
	}
	if err := ctrl.SetDefaultSpeed(1.2); !errors.As(err, &bad) {
		t.Errorf("speed 1.2: err = %v, want ErrInvalidSpeed", err)
	}
	if got := ctrl.DefaultSpeed(); got != 0.3 {
		t.Errorf("default speed after rejected sets = %v, want 0.3 unchanged", got)
	}
}

// recordingWriter keeps every pulse ever written, per channel.
type recordingWriter struct {
	mu     sync.Mutex
	writes map[int][]int
}

func (w *recordingWriter) SetPulse(channel, pulse int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writes == nil {
		w.writes = make(map[int][]int)
	}
	w.writes[channel] = append(w.writes[channel], pulse)
	return nil
}

func TestMoveFromFloatingNeverWritesBelowCalibratedMin(t *testing.T) {
	cal := movement.DefaultCalibration()
	writer := &recordingWriter{}
	ctrl := NewController(cal, writer, nil)

	seq := movement.Sequence{
		Name:  "nudge",
		Steps: []movement.Step{{Targets: map[int]float64{2: 0.5}, Speed: 1.0}},
	}
	if err := ctrl.ExecutePreset(context.Background(), seq); err != nil {
		t.Fatalf("execute preset: %v", err)
	}

	// Channel 2 is now floating at 0; the next move must re-enter the
	// calibrated band directly rather than sweeping up through it.
	if err := ctrl.MoveServoSmooth(context.Background(), 2, 200, 1.0); err != nil {
		t.Fatalf("move from floating: %v", err)
	}

	bounds := cal.Channels[2]
	for _, p := range writer.writes[2] {
		if p != 0 && (p < bounds.Min || p > bounds.Max) {
			t.Fatalf("pulse %d written outside calibrated range [%d,%d]", p, bounds.Min, bounds.Max)
		}
	}
}

func TestHardwareFaultDisablesChannelUntilResume(t *testing.T) {
	writer := &failingWriter{}
	ctrl := NewController(movement.DefaultCalibration(), writer, nil)

	err := ctrl.MoveServoSmooth(context.Background(), 3, 310, 1.0)
	if err == nil {
		t.Fatal("move succeeded against a failing writer")
	}
	if writer.attempts != hardwareRetries {
		t.Errorf("writer attempts = %d, want %d retries", writer.attempts, hardwareRetries)
	}

	var disabled *ErrChannelDisabled
	if err := ctrl.MoveServoSmooth(context.Background(), 3, 310, 1.0); !errors.As(err, &disabled) {
		t.Fatalf("second move err = %v, want ErrChannelDisabled", err)
	}

	ctrl.Resume()
	err = ctrl.MoveServoSmooth(context.Background(), 3, 310, 1.0)
	if errors.As(err, &disabled) {
		t.Error("channel still disabled after Resume")
	}
}
