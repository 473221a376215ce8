package servofw

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hollowoak/tars/internal/buildinfo"
	"github.com/hollowoak/tars/internal/movement"
)

// errorResponse is the firmware HTTP error shape.
type errorResponse struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	Error           string `json:"error"`
	ServerTimestamp int64  `json:"server_timestamp"`
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Success:         false,
		Message:         message,
		Error:           errString(err),
		ServerTimestamp: time.Now().Unix(),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// controlRequest is the POST /control body shape.
type controlRequest struct {
	Type    string         `json:"type"`
	Channel int            `json:"channel,omitempty"`
	Pulse   int            `json:"pulse,omitempty"`
	Targets map[string]int `json:"targets,omitempty"`
	Preset  string         `json:"preset,omitempty"`
	Speed   float64        `json:"speed"`
}

// Server is the firmware's local-UI HTTP surface: a minimal
// embedded HTTP API built directly on net/http's ServeMux rather than
// a framework, matching the source's deliberate avoidance of
// frameworks on the embedded side.
type Server struct {
	ctrl   *Controller
	logger *slog.Logger
	srv    *http.Server
}

// NewServer builds the firmware HTTP surface for ctrl, listening on
// addr (default ":80").
func NewServer(ctrl *Controller, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":80"
	}
	s := &Server{ctrl: ctrl, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /control", s.handleControl)
	mux.HandleFunc("POST /emergency", s.handleEmergency)
	mux.HandleFunc("POST /resume", s.handleResume)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until the listener is closed via Shutdown.
func (s *Server) Start() error {
	s.logger.Info("servofw http surface listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP surface.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><h1>TARS servo controller</h1><p>%s</p></body></html>", buildinfo.String())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	positions := make(map[string]int, channelCount)
	for ch := 0; ch < channelCount; ch++ {
		positions[fmt.Sprintf("%d", ch)] = s.ctrl.Pulse(ch)
	}
	writeJSON(w, map[string]any{
		"uptime_s":      buildinfo.Uptime().Seconds(),
		"preset_busy":   s.ctrl.PresetBusy(),
		"servo_pulses":  positions,
		"build_version": buildinfo.Version,
	})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	// Moves without an explicit speed use the controller's tunable
	// default, which the "speed" control type adjusts.
	speed := req.Speed
	if speed == 0 {
		speed = s.ctrl.DefaultSpeed()
	}

	ctx := r.Context()
	switch req.Type {
	case "single":
		if err := s.ctrl.MoveServoSmooth(ctx, req.Channel, req.Pulse, speed); err != nil {
			s.controlError(w, err)
			return
		}
	case "multiple":
		targets := make(map[int]int, len(req.Targets))
		for k, v := range req.Targets {
			var ch int
			if _, err := fmt.Sscanf(k, "%d", &ch); err != nil {
				writeError(w, http.StatusBadRequest, "invalid channel key", err)
				return
			}
			targets[ch] = v
		}
		if err := s.ctrl.MoveMultiple(ctx, targets, speed); err != nil {
			s.controlError(w, err)
			return
		}
	case "preset":
		seq, ok := movement.LookupPreset(req.Preset)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown preset", fmt.Errorf("preset %q not found", req.Preset))
			return
		}
		if err := s.ctrl.ExecutePreset(ctx, seq); err != nil {
			s.controlError(w, err)
			return
		}
	case "speed":
		if err := s.ctrl.SetDefaultSpeed(req.Speed); err != nil {
			s.controlError(w, err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown control type", fmt.Errorf("type %q", req.Type))
		return
	}
	writeJSON(w, map[string]any{"success": true, "speed": s.ctrl.DefaultSpeed()})
}

func (s *Server) controlError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *ErrPresetBusy:
		writeError(w, http.StatusConflict, "preset already running", err)
	case *ErrCalibrationViolation, *ErrInvalidSpeed:
		writeError(w, http.StatusBadRequest, "invalid command", err)
	case *ErrChannelDisabled, *ErrLowHeap:
		writeError(w, http.StatusServiceUnavailable, "channel unavailable", err)
	case *ErrEmergencyStopped:
		writeError(w, http.StatusServiceUnavailable, "aborted by emergency stop", err)
	default:
		writeError(w, http.StatusInternalServerError, "command failed", err)
	}
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	elapsed := s.ctrl.EmergencyStopAll(r.Context())
	writeJSON(w, map[string]any{"success": true, "elapsed_ms": elapsed.Milliseconds()})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Resume()
	writeJSON(w, map[string]any{"success": true})
}
