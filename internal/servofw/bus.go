package servofw

import (
	"context"
	"log/slog"
	"time"

	"github.com/hollowoak/tars/internal/busclient"
	"github.com/hollowoak/tars/internal/contracts"
	"github.com/hollowoak/tars/internal/obs"
)

// Runner wires a Controller onto the bus: it consumes movement/frame
// (the host-to-firmware wire format) and movement/stop, and
// reports movement/status. This is the bus-facing half of the
// firmware; Server (http.go) is the local-UI half. Both drive the same
// Controller.
type Runner struct {
	ctrl   *Controller
	bus    *busclient.Client
	obsBus *obs.Bus
	logger *slog.Logger
}

// NewRunner constructs a Runner bound to ctrl and bus.
func NewRunner(ctrl *Controller, bus *busclient.Client, obsBus *obs.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{ctrl: ctrl, bus: bus, obsBus: obsBus, logger: logger}
}

// Start subscribes to movement/frame and movement/stop. Blocks until
// ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.bus.Subscribe(ctx, string(contracts.TopicMovementFrame), r.onFrame); err != nil {
		return err
	}
	if err := r.bus.Subscribe(ctx, string(contracts.TopicMovementStop), r.onStop); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// onFrame drives a single channel to the commanded pulse and reports
// the outcome on movement/status. Calibration bounds are checked in
// validateTarget before any PWM write; a rejected frame is logged
// with the channel and violating value and never reaches the servo.
func (r *Runner) onFrame(d contracts.Decoded) {
	frame, ok := d.Payload.(*contracts.MovementFrame)
	if !ok {
		return
	}

	// The wire frame only carries a target pulse; the host side
	// already paced the sequence, so the firmware moves at its
	// tunable default speed rather than re-deriving one from
	// duration_ms.
	ctx := context.Background()
	if err := r.ctrl.MoveServoSmooth(ctx, frame.Channel, frame.Pulse, r.ctrl.DefaultSpeed()); err != nil {
		r.logger.Error("servofw: frame rejected", "channel", frame.Channel, "pulse", frame.Pulse, "error", err)
		r.publishStatus(ctx, frame.Channel, frame.Pulse, false, err.Error())
		return
	}
	r.publishStatus(ctx, frame.Channel, frame.Pulse, true, "")
}

// onStop implements the firmware side of the emergency-stop
// guarantee: from movement/stop receipt to all channels floating is
// bounded by EmergencyStopAll's 100ms deadline.
func (r *Runner) onStop(contracts.Decoded) {
	elapsed := r.ctrl.EmergencyStopAll(context.Background())
	r.logger.Warn("servofw: emergency stop", "elapsed_ms", elapsed.Milliseconds())
	if r.obsBus != nil {
		r.obsBus.Publish(obs.Event{
			Timestamp: time.Now(),
			Source:    obs.SourceServo,
			Kind:      obs.KindEmergencyStop,
			Data:      map[string]any{"elapsed_ms": elapsed.Milliseconds()},
		})
	}
}

func (r *Runner) publishStatus(ctx context.Context, channel, pulse int, ok bool, errMsg string) {
	status := contracts.MovementStatus{Channel: channel, Pulse: pulse, OK: ok, Error: errMsg}
	if err := busclient.PublishRaw(ctx, r.bus, contracts.TopicMovementStatus, status); err != nil {
		r.logger.Warn("servofw: publish movement/status failed", "error", err)
	}
}
