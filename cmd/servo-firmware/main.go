// Command servo-firmware runs the bus-facing half of the movement
// pipeline's firmware side: it consumes movement/frame and
// movement/stop, drives the per-channel servo controller, and exposes
// the local-UI HTTP surface on the same Controller instance.
//
// In production this logic runs on an ESP32 under MicroPython's
// asyncio; here it runs as an ordinary Go process with a simulated
// PWM writer, preserving the firmware's single-threaded cooperative
// model and per-channel locking without requiring real I2C
// hardware to exercise the contract.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hollowoak/tars/internal/movement"
	"github.com/hollowoak/tars/internal/platform/config"
	"github.com/hollowoak/tars/internal/platform/svc"
	"github.com/hollowoak/tars/internal/servofw"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "servo-firmware:", err)
		os.Exit(1)
	}
}

func run() error {
	s, err := svc.Bootstrap("servo-firmware")
	if err != nil {
		return err
	}

	calPath := config.StringEnv("MOVEMENT_CALIBRATION_PATH", "")
	cal, err := movement.LoadCalibrationFile(calPath)
	if err != nil {
		s.Logger.Error("failed to load calibration", "path", calPath, "error", err)
		return err
	}

	ctrl := servofw.NewController(cal, servofw.NewSimulatedWriter(), s.Logger)
	runner := servofw.NewRunner(ctrl, s.Bus, s.ObsBus, s.Logger)

	addr := config.StringEnv("SERVOFW_HTTP_ADDR", ":80")
	httpServer := servofw.NewServer(ctrl, addr, s.Logger)

	s.Logger.Info("servo-firmware ready", "http_addr", addr)
	return s.Run(runner, httpRunnable{httpServer})
}

// httpRunnable adapts servofw.Server's blocking ListenAndServe/Shutdown
// pair to the svc.Runnable interface every other component satisfies
// natively.
type httpRunnable struct {
	srv *servofw.Server
}

func (h httpRunnable) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), svc.ShutdownBound)
		defer cancel()
		return h.srv.Shutdown(shutdownCtx)
	}
}
