// Package health aggregates the retained system/health/<service> and
// non-retained system/keepalive/<service> topics every TARS service
// publishes into a single fleet-wide view. Unlike a probing watcher
// that dials out to check a dependency, the aggregator is purely
// reactive: it watches bus traffic and declares a service stale when
// that traffic stops arriving.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hollowoak/tars/internal/busclient"
	"github.com/hollowoak/tars/internal/contracts"
	"github.com/hollowoak/tars/internal/obs"
)

// ServiceStatus is one service's last known health, suitable for JSON
// serialization on a status endpoint.
type ServiceStatus struct {
	Service  string    `json:"service"`
	Up       bool      `json:"up"`
	LastSeen time.Time `json:"last_seen"`
	LastErr  string    `json:"last_err,omitempty"`
	Stale    bool      `json:"stale"`
}

type serviceState struct {
	up       bool
	lastSeen time.Time
	lastErr  string
}

// Aggregator tracks the fleet's health by subscribing to every
// service's health and keepalive topics. A service is considered
// stale once StalenessWindow elapses without a health or keepalive
// message. The window is set on its own and is not derived from the
// services' keepalive cadence.
type Aggregator struct {
	bus        *busclient.Client
	obsBus     *obs.Bus
	logger     *slog.Logger
	staleAfter time.Duration
	pollEvery  time.Duration

	mu       sync.Mutex
	services map[string]*serviceState
}

// Config configures an Aggregator.
type Config struct {
	// StalenessWindow is how long a service may go without a health or
	// keepalive message before it is marked down. Defaults to 90s,
	// which at the 5s default keepalive cadence is 18 cadences, not 3.
	StalenessWindow time.Duration

	// PollInterval is how often the background loop checks for
	// newly-stale services. Defaults to 10s.
	PollInterval time.Duration
}

// NewAggregator constructs an Aggregator bound to bus. Call Start to
// begin tracking.
func NewAggregator(bus *busclient.Client, obsBus *obs.Bus, logger *slog.Logger, cfg Config) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 90 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Aggregator{
		bus:        bus,
		obsBus:     obsBus,
		logger:     logger,
		staleAfter: cfg.StalenessWindow,
		pollEvery:  cfg.PollInterval,
		services:   make(map[string]*serviceState),
	}
}

// Start subscribes to the fleet-wide health and keepalive topics and
// runs the staleness sweep until ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context) error {
	if err := a.bus.Subscribe(ctx, "system/health/+", a.onHealth); err != nil {
		return fmt.Errorf("health aggregator: subscribe health: %w", err)
	}
	if err := a.bus.Subscribe(ctx, "system/keepalive/+", a.onKeepalive); err != nil {
		return fmt.Errorf("health aggregator: subscribe keepalive: %w", err)
	}

	ticker := time.NewTicker(a.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.sweepStale()
		}
	}
}

func (a *Aggregator) onHealth(d contracts.Decoded) {
	status, ok := d.Payload.(*contracts.HealthStatus)
	if !ok {
		return
	}
	service := d.Envelope.Source
	if service == "" {
		return
	}

	a.mu.Lock()
	st := a.serviceLocked(service)
	wasUp := st.up
	st.up = status.OK
	st.lastSeen = time.Now()
	st.lastErr = status.Err
	a.mu.Unlock()

	a.logTransition(service, wasUp, status.OK, st.lastErr)
}

func (a *Aggregator) onKeepalive(d contracts.Decoded) {
	service := d.Envelope.Source
	if service == "" {
		return
	}

	a.mu.Lock()
	st := a.serviceLocked(service)
	wasUp := st.up
	st.up = true
	st.lastSeen = time.Now()
	a.mu.Unlock()

	if !wasUp {
		a.logTransition(service, wasUp, true, "")
	}
}

// serviceLocked returns (creating if needed) the state for service.
// Caller must hold a.mu.
func (a *Aggregator) serviceLocked(service string) *serviceState {
	st, ok := a.services[service]
	if !ok {
		st = &serviceState{}
		a.services[service] = st
	}
	return st
}

func (a *Aggregator) sweepStale() {
	now := time.Now()

	a.mu.Lock()
	var becameStale []string
	for service, st := range a.services {
		if st.up && now.Sub(st.lastSeen) > a.staleAfter {
			st.up = false
			st.lastErr = "stale: no health or keepalive traffic"
			becameStale = append(becameStale, service)
		}
	}
	a.mu.Unlock()

	for _, service := range becameStale {
		a.logger.Warn("health aggregator: service went stale", "service", service, "window", a.staleAfter)
		a.obsBus.Publish(obs.Event{
			Timestamp: now,
			Source:    obs.SourceHealth,
			Kind:      obs.KindServiceDown,
			Data:      map[string]any{"service": service, "reason": "stale"},
		})
	}
}

func (a *Aggregator) logTransition(service string, wasUp, nowUp bool, errMsg string) {
	if wasUp == nowUp {
		return
	}

	kind := obs.KindServiceUp
	if !nowUp {
		kind = obs.KindServiceDown
	}
	a.obsBus.Publish(obs.Event{
		Timestamp: time.Now(),
		Source:    obs.SourceHealth,
		Kind:      kind,
		Data:      map[string]any{"service": service, "reason": errMsg},
	})

	if nowUp {
		a.logger.Info("health aggregator: service up", "service", service)
	} else {
		a.logger.Warn("health aggregator: service down", "service", service, "error", errMsg)
	}
}

// Status returns the current health snapshot for every known service.
func (a *Aggregator) Status() map[string]ServiceStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]ServiceStatus, len(a.services))
	for service, st := range a.services {
		out[service] = ServiceStatus{
			Service:  service,
			Up:       st.up,
			LastSeen: st.lastSeen,
			LastErr:  st.lastErr,
			Stale:    !st.up && !st.lastSeen.IsZero() && time.Since(st.lastSeen) > a.staleAfter,
		}
	}
	return out
}
