// Command router runs the TARS conversation router: the single
// stateful coordinator tying wake, STT, LLM, and TTS together,
// propagating utt_id/request_id and supervising cancellation.
package main

import (
	"fmt"
	"os"

	"github.com/hollowoak/tars/internal/conversation"
	"github.com/hollowoak/tars/internal/platform/svc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "router:", err)
		os.Exit(1)
	}
}

func run() error {
	s, err := svc.Bootstrap("router")
	if err != nil {
		return err
	}

	routerCfg, err := conversation.LoadRouterConfig()
	if err != nil {
		s.Logger.Error("failed to load router config", "error", err)
		return err
	}

	router := conversation.NewRouter(routerCfg, s.Bus, s.ObsBus, s.Logger)
	s.Logger.Info("router ready",
		"llm_timeout", routerCfg.LLMTimeout,
		"stt_silence", routerCfg.STTSilence,
		"tts_max_speak", routerCfg.TTSMaxSpeak,
		"use_memory", routerCfg.UseMemory,
	)

	return s.Run(router)
}
