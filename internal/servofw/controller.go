// Package servofw is the ESP32 firmware side of the movement
// pipeline. It owns the per-channel single-owner task model, the
// smooth interpolation move, the preset executor, and the
// emergency-stop fast path that floats every channel within 100ms
// regardless of what else is running.
//
// The firmware's control logic runs as an ordinary Go process rather
// than on MicroPython/ESP32 hardware: PWMWriter
// abstracts the PCA9685 I2C boundary so the same Controller logic
// backs both a production I2C-attached binary and the SimulatedWriter
// used by cmd/servo-firmware and the test suite.
package servofw

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hollowoak/tars/internal/movement"
)

const channelCount = 9

// stepDelayBase is the per-PWM-unit sleep ceiling for the smooth
// interpolation: each 1-unit step sleeps stepDelayBase*(1-speed), so
// full speed moves with no delay and the slowest speed sleeps 18ms
// per unit.
const stepDelayBase = 20 * time.Millisecond

// emergencyStopDeadline bounds EmergencyStopAll end-to-end.
const emergencyStopDeadline = 100 * time.Millisecond

// initialDefaultSpeed is the fallback interpolation speed before an
// operator tunes it via the speed control.
const initialDefaultSpeed = 0.8

// Controller is the firmware-side servo controller. Zero value
// is not usable; construct with NewController.
type Controller struct {
	cal    movement.CalibrationSet
	writer PWMWriter
	logger *slog.Logger
	heap   *heapGuard

	actors    [channelCount]*channelActor
	emergency atomic.Bool
	inFlight  atomic.Int64

	// defaultSpeedBits holds math.Float64bits of the speed applied to
	// commands that don't carry their own.
	defaultSpeedBits atomic.Uint64

	presetMu      sync.Mutex
	presetRunning bool
	presetStopped bool
	presetCancel  context.CancelFunc
}

// NewController constructs a Controller. writer is typically an
// I2C-backed PWMWriter in production or a SimulatedWriter in this
// module's binaries and tests.
func NewController(cal movement.CalibrationSet, writer PWMWriter, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{cal: cal, writer: writer, logger: logger, heap: newHeapGuard(0)}
	c.defaultSpeedBits.Store(math.Float64bits(initialDefaultSpeed))
	for i := range c.actors {
		c.actors[i] = newChannelActor(i, cal.Channels[i].Neutral)
	}
	return c
}

// DefaultSpeed returns the interpolation speed applied to commands
// that arrive without one (bare movement/frame setpoints, HTTP moves
// with no speed field).
func (c *Controller) DefaultSpeed() float64 {
	return math.Float64frombits(c.defaultSpeedBits.Load())
}

// SetDefaultSpeed changes the fallback interpolation speed. The same
// [0.1,1.0] bounds as per-command speeds apply.
func (c *Controller) SetDefaultSpeed(speed float64) error {
	if speed < 0.1 || speed > 1.0 {
		return &ErrInvalidSpeed{Speed: speed}
	}
	c.defaultSpeedBits.Store(math.Float64bits(speed))
	return nil
}

// Pulse returns the last pulse the controller wrote (or believes it
// wrote) to channel, for status surfaces.
func (c *Controller) Pulse(channel int) int {
	if channel < 0 || channel >= channelCount {
		return 0
	}
	return c.actors[channel].pulse()
}

// validateTarget enforces channel range, calibration bounds, and
// speed range before any PWM write is attempted.
func (c *Controller) validateTarget(channel, pulse int, speed float64) error {
	if channel < 0 || channel >= channelCount {
		return &ErrCalibrationViolation{Channel: channel, Pulse: pulse}
	}
	if c.actors[channel].disabled.Load() {
		return &ErrChannelDisabled{Channel: channel}
	}
	cal, err := c.cal.For(channel)
	if err != nil {
		return err
	}
	if !cal.InRange(pulse) {
		return &ErrCalibrationViolation{Channel: channel, Pulse: pulse, Min: cal.Min, Max: cal.Max}
	}
	if speed < 0.1 || speed > 1.0 {
		return &ErrInvalidSpeed{Speed: speed}
	}
	return nil
}

// MoveServoSmooth linearly interpolates channel from its current pulse
// to target in 1-unit PWM increments, sleeping stepDelayBase*(1-speed)
// between steps and re-checking the emergency-stop flag on each
// step. The move is serialized against any other command on the same
// channel by channelActor.
func (c *Controller) MoveServoSmooth(ctx context.Context, channel, target int, speed float64) error {
	if err := c.validateTarget(channel, target, speed); err != nil {
		return err
	}
	if err := c.heap.check(); err != nil {
		return err
	}

	actor := c.actors[channel]
	cal, err := c.cal.For(channel)
	if err != nil {
		return err
	}
	delay := time.Duration(float64(stepDelayBase) * (1 - speed))

	return actor.do(ctx, func() error {
		c.inFlight.Add(1)
		defer c.inFlight.Add(-1)

		if c.emergency.Load() {
			return nil
		}
		pulse := actor.pulse()
		if pulse < cal.Min || pulse > cal.Max {
			// Floating (pulse 0) or otherwise out of band: snap to the
			// nearest calibrated bound so interpolation never writes a
			// pulse outside [min,max].
			if pulse < cal.Min {
				pulse = cal.Min
			} else {
				pulse = cal.Max
			}
			if err := withHardwareRetry("set_pulse", func() error {
				return c.writer.SetPulse(channel, pulse)
			}); err != nil {
				actor.disabled.Store(true)
				return err
			}
			actor.setPulse(pulse)
		}
		step := 1
		if pulse > target {
			step = -1
		}
		for pulse != target {
			if c.emergency.Load() {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			pulse += step
			if err := withHardwareRetry("set_pulse", func() error {
				return c.writer.SetPulse(channel, pulse)
			}); err != nil {
				c.actors[channel].disabled.Store(true)
				return err
			}
			actor.setPulse(pulse)
			if delay > 0 {
				time.Sleep(delay)
			}
		}
		return nil
	})
}

// MoveMultiple launches one MoveServoSmooth per target and joins them,
// so travel times differ naturally by each channel's distance.
func (c *Controller) MoveMultiple(ctx context.Context, targets map[int]int, speed float64) error {
	g, gctx := errgroup.WithContext(ctx)
	for channel, pulse := range targets {
		channel, pulse := channel, pulse
		g.Go(func() error {
			return c.MoveServoSmooth(gctx, channel, pulse, speed)
		})
	}
	return g.Wait()
}

// ExecutePreset runs seq's steps sequentially, awaiting MoveMultiple on
// each step's calibrated targets and sleeping DelayAfterS afterward.
// On completion every channel is floated to PWM 0 to avoid holding
// torque. Only one preset runs at a time; a second attempt
// fails fast with ErrPresetBusy.
func (c *Controller) ExecutePreset(ctx context.Context, seq movement.Sequence) error {
	c.presetMu.Lock()
	if c.presetRunning {
		c.presetMu.Unlock()
		return &ErrPresetBusy{Name: seq.Name}
	}
	pctx, cancel := context.WithCancel(ctx)
	c.presetRunning = true
	c.presetStopped = false
	c.presetCancel = cancel
	c.presetMu.Unlock()

	defer func() {
		cancel()
		c.presetMu.Lock()
		c.presetRunning = false
		c.presetCancel = nil
		c.presetMu.Unlock()
		c.heap.collect()
	}()

	// wasStopped stays true once EmergencyStopAll has cancelled this
	// preset, even after the emergency flag itself is cleared.
	wasStopped := func() bool {
		c.presetMu.Lock()
		defer c.presetMu.Unlock()
		return c.presetStopped
	}

	for i, step := range seq.Steps {
		if c.emergency.Load() || wasStopped() {
			return &ErrEmergencyStopped{Preset: seq.Name}
		}
		raw := make(map[int]int, len(step.Targets))
		for ch, pct := range step.Targets {
			cal, err := c.cal.For(ch)
			if err != nil {
				return err
			}
			raw[ch] = movement.ResolvePulse(cal, pct)
		}
		if err := c.MoveMultiple(pctx, raw, step.Speed); err != nil {
			if wasStopped() {
				return &ErrEmergencyStopped{Preset: seq.Name}
			}
			return err
		}
		if step.DelayAfterS > 0 {
			select {
			case <-pctx.Done():
				if wasStopped() {
					return &ErrEmergencyStopped{Preset: seq.Name}
				}
				return pctx.Err()
			case <-time.After(time.Duration(step.DelayAfterS * float64(time.Second))):
			}
		}
		c.logger.Debug("preset step complete", "preset", seq.Name, "step", i)
	}

	for ch := range c.actors {
		_ = withHardwareRetry("float", func() error { return c.writer.SetPulse(ch, 0) })
		c.actors[ch].setPulse(0)
	}
	return nil
}

// PresetBusy reports whether a preset is currently executing.
func (c *Controller) PresetBusy() bool {
	c.presetMu.Lock()
	defer c.presetMu.Unlock()
	return c.presetRunning
}

// EmergencyStopAll sets the emergency flag, waits for every in-flight
// MoveServoSmooth step to observe it and abort, floats every channel
// to PWM 0 directly (bypassing the per-channel queue, which may be
// backed up), and only then clears the flag. The whole sequence is
// bounded by emergencyStopDeadline; floating a channel
// before its mover has stopped would let the next interpolation step
// overwrite the 0.
func (c *Controller) EmergencyStopAll(ctx context.Context) time.Duration {
	start := time.Now()
	deadline := start.Add(emergencyStopDeadline)
	c.emergency.Store(true)
	defer c.emergency.Store(false)

	c.presetMu.Lock()
	if c.presetCancel != nil {
		c.presetStopped = true
		c.presetCancel()
	}
	c.presetMu.Unlock()

	for c.inFlight.Load() != 0 && ctx.Err() == nil {
		if time.Now().After(deadline) {
			c.logger.Error("emergency stop: in-flight moves did not cancel within deadline",
				"deadline_ms", emergencyStopDeadline.Milliseconds())
			break
		}
		time.Sleep(time.Millisecond)
	}

	var wg sync.WaitGroup
	for ch := range c.actors {
		wg.Add(1)
		go func(channel int) {
			defer wg.Done()
			_ = c.writer.SetPulse(channel, 0)
			c.actors[channel].setPulse(0)
		}(ch)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		c.logger.Error("emergency stop exceeded deadline", "deadline_ms", emergencyStopDeadline.Milliseconds())
	case <-ctx.Done():
	}

	return time.Since(start)
}

// Resume clears every channel's disabled flag, allowing commands to
// flow again after an operator has addressed the underlying hardware
// fault (POST /resume).
func (c *Controller) Resume() {
	for i := range c.actors {
		c.actors[i].disabled.Store(false)
	}
}
