package busclient

import (
	"context"
	"time"

	"github.com/hollowoak/tars/internal/obs"
)

// heartbeatLoop publishes a keepalive at interval and watches for
// consecutive publish failures. autopaho detects most broker-side
// disconnects on its own, but a half-open TCP connection (the broker
// silently stopped ACKing) can go unnoticed; three consecutive
// keepalive failures is treated as proof the link is dead and forces
// a full reconnect rather than waiting for autopaho's own detection.
func (c *Client) heartbeatLoop(ctx context.Context) {
	if !c.cfg.EnableHeartbeat {
		return
	}
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			if err := c.publishKeepalive(ctx, seq); err != nil {
				missed++
				c.logger.Warn("heartbeat publish failed", "missed", missed, "error", err)
				c.publishObs(obs.KindHeartbeatMissed, map[string]any{"missed_count": missed})
				if missed >= 3 {
					c.logger.Error("heartbeat watchdog: forcing reconnect after 3 consecutive misses")
					missed = 0
					c.forceReconnect(ctx, "heartbeat_watchdog")
				}
				continue
			}
			missed = 0
		}
	}
}
