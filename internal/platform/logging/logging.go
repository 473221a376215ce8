// Package logging sets up the structured slog logger shared by every
// TARS service, with a sub-Debug trace level for wire-level forensics
// (raw MQTT payloads, envelope decode failures).
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace is a custom log level below Debug for wire-level forensics.
const LevelTrace = slog.Level(-8)

// ParseLevel converts a string to a slog.Level.
// Supported values: trace, debug, info, warn, error (case-insensitive).
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// replaceLevelNames customizes the level name for Trace in log output.
func replaceLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// New builds the service logger: text handler, level parsed from
// levelStr, service name attached to every record so a multi-service
// log aggregator can filter by it.
func New(w io.Writer, levelStr, service string) (*slog.Logger, error) {
	level, err := ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelNames,
	})
	return slog.New(h).With("service", service), nil
}

// WithCorrelation returns a logger with the turn-correlation fields
// TARS threads through every log line touching a conversation turn
// (utt_id, request_id) attached. Empty values are omitted.
func WithCorrelation(l *slog.Logger, uttID, requestID string) *slog.Logger {
	if uttID != "" {
		l = l.With("utt_id", uttID)
	}
	if requestID != "" {
		l = l.With("request_id", requestID)
	}
	return l
}
