package conversation

import (
	"time"

	"github.com/hollowoak/tars/internal/platform/config"
)

// RouterConfig holds the router-specific environment variables.
type RouterConfig struct {
	LLMTimeout  time.Duration
	STTSilence  time.Duration
	TTSMaxSpeak time.Duration
	UseMemory   bool
}

// LoadRouterConfig reads RouterConfig from the environment, applying
// the same defaults a freshly started router needs to behave
// reasonably without an operator having set every variable.
func LoadRouterConfig() (RouterConfig, error) {
	var cfg RouterConfig
	var err error
	if cfg.LLMTimeout, err = config.DurationEnv("ROUTER_LLM_TIMEOUT_SEC", 15*time.Second); err != nil {
		return RouterConfig{}, err
	}
	if cfg.STTSilence, err = config.DurationEnv("ROUTER_STT_SILENCE_SEC", 8*time.Second); err != nil {
		return RouterConfig{}, err
	}
	if cfg.TTSMaxSpeak, err = config.DurationEnv("ROUTER_TTS_MAX_SEC", 30*time.Second); err != nil {
		return RouterConfig{}, err
	}
	if cfg.UseMemory, err = config.BoolEnv("ROUTER_USE_MEMORY", true); err != nil {
		return RouterConfig{}, err
	}
	return cfg, nil
}
