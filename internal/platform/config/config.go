// Package config loads TARS service configuration strictly from
// environment variables. Unlike the YAML-file configuration a
// desktop agent might use, every TARS service is a small, disposable
// process launched by the same supervisor, so env vars are the only
// surface: no file search path, no flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Shared holds the core variables every service reads at startup.
// A service embeds Shared in its own
// config struct alongside its service-specific fields.
type Shared struct {
	MQTTURL           string
	ClientID          string
	SourceName        string
	Keepalive         time.Duration
	EnableHealth      bool
	EnableHeartbeat   bool
	HeartbeatInterval time.Duration
	DedupeTTL         time.Duration
	DedupeMaxEntries  int
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	LogLevel          string
}

// LoadShared reads Shared from the environment. MQTT_URL and
// MQTT_CLIENT_ID are required; everything else has a default.
func LoadShared() (Shared, error) {
	s := Shared{
		MQTTURL:    os.Getenv("MQTT_URL"),
		ClientID:   os.Getenv("MQTT_CLIENT_ID"),
		SourceName: os.Getenv("MQTT_SOURCE_NAME"),
		LogLevel:   os.Getenv("LOG_LEVEL"),
	}
	if s.MQTTURL == "" {
		return Shared{}, fmt.Errorf("config: MQTT_URL is required")
	}
	if s.ClientID == "" {
		return Shared{}, fmt.Errorf("config: MQTT_CLIENT_ID is required")
	}
	if s.SourceName == "" {
		s.SourceName = s.ClientID
	}

	var err error
	if s.Keepalive, err = durationEnv("MQTT_KEEPALIVE", 30*time.Second); err != nil {
		return Shared{}, err
	}
	if s.EnableHealth, err = boolEnv("MQTT_ENABLE_HEALTH", true); err != nil {
		return Shared{}, err
	}
	if s.EnableHeartbeat, err = boolEnv("MQTT_ENABLE_HEARTBEAT", true); err != nil {
		return Shared{}, err
	}
	if s.HeartbeatInterval, err = durationEnv("MQTT_HEARTBEAT_INTERVAL", 5*time.Second); err != nil {
		return Shared{}, err
	}
	if s.DedupeTTL, err = durationEnv("MQTT_DEDUPE_TTL", 30*time.Second); err != nil {
		return Shared{}, err
	}
	if s.DedupeMaxEntries, err = intEnv("MQTT_DEDUPE_MAX_ENTRIES", 4096); err != nil {
		return Shared{}, err
	}
	if s.ReconnectMinDelay, err = durationEnv("MQTT_RECONNECT_MIN_DELAY", 2*time.Second); err != nil {
		return Shared{}, err
	}
	if s.ReconnectMaxDelay, err = durationEnv("MQTT_RECONNECT_MAX_DELAY", 60*time.Second); err != nil {
		return Shared{}, err
	}

	if err := s.Validate(); err != nil {
		return Shared{}, err
	}
	return s, nil
}

// Validate checks internal consistency after defaults are applied.
func (s Shared) Validate() error {
	if s.ReconnectMinDelay <= 0 {
		return fmt.Errorf("config: MQTT_RECONNECT_MIN_DELAY must be positive")
	}
	if s.ReconnectMaxDelay < s.ReconnectMinDelay {
		return fmt.Errorf("config: MQTT_RECONNECT_MAX_DELAY must be >= MQTT_RECONNECT_MIN_DELAY")
	}
	if s.DedupeMaxEntries < 0 {
		return fmt.Errorf("config: MQTT_DEDUPE_MAX_ENTRIES must be >= 0")
	}
	return nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	// Accept bare seconds ("5") as well as Go duration strings ("5s").
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: invalid duration %q: %w", key, v, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("config: %s: invalid boolean %q", key, v)
	}
}

// StringEnv returns the value of key, or def if unset. Used by
// service-specific config loaders for their own variables (movement,
// router).
func StringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// DurationEnv exposes durationEnv to service-specific loaders.
func DurationEnv(key string, def time.Duration) (time.Duration, error) {
	return durationEnv(key, def)
}

// BoolEnv exposes boolEnv to service-specific loaders.
func BoolEnv(key string, def bool) (bool, error) {
	return boolEnv(key, def)
}
