// Command movement-service runs the host side of the movement
// pipeline: it subscribes to movement/command and movement/test,
// expands directives into calibrated PWM frame streams, and reports
// state transitions and health.
package main

import (
	"fmt"
	"os"

	"github.com/hollowoak/tars/internal/movement"
	"github.com/hollowoak/tars/internal/platform/config"
	"github.com/hollowoak/tars/internal/platform/svc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "movement-service:", err)
		os.Exit(1)
	}
}

func run() error {
	s, err := svc.Bootstrap("movement-service")
	if err != nil {
		return err
	}

	calPath := config.StringEnv("MOVEMENT_CALIBRATION_PATH", "")
	cal, err := movement.LoadCalibrationFile(calPath)
	if err != nil {
		s.Logger.Error("failed to load calibration", "path", calPath, "error", err)
		return err
	}
	s.Logger.Info("calibration loaded", "path", calPath, "override", calPath != "")

	service := movement.NewService(cal, s.Bus, s.ObsBus, s.Logger)
	s.Logger.Info("movement-service ready")

	return s.Run(service)
}
