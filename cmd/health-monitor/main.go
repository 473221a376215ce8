// Command health-monitor runs the aggregated fleet health view: it
// subscribes to every service's system/health/+ and
// system/keepalive/+ topics and exposes the fleet's current status
// over a small HTTP surface. The aggregation contract (retained
// health topics, staleness windows) is what the fleet guarantees;
// this binary is the reference consumer of it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hollowoak/tars/internal/health"
	"github.com/hollowoak/tars/internal/platform/config"
	"github.com/hollowoak/tars/internal/platform/svc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "health-monitor:", err)
		os.Exit(1)
	}
}

func run() error {
	s, err := svc.Bootstrap("health-monitor")
	if err != nil {
		return err
	}

	staleAfter, err := config.DurationEnv("HEALTH_MONITOR_STALE_AFTER", 90*time.Second)
	if err != nil {
		return err
	}
	pollEvery, err := config.DurationEnv("HEALTH_MONITOR_POLL_INTERVAL", 10*time.Second)
	if err != nil {
		return err
	}

	aggregator := health.NewAggregator(s.Bus, s.ObsBus, s.Logger, health.Config{
		StalenessWindow: staleAfter,
		PollInterval:    pollEvery,
	})

	addr := config.StringEnv("HEALTH_MONITOR_HTTP_ADDR", ":8090")
	statusServer := newStatusServer(addr, aggregator)

	s.Logger.Info("health-monitor ready", "http_addr", addr, "stale_after", staleAfter)
	return s.Run(aggregator, statusServer)
}

// statusServer exposes the aggregator's in-memory view as JSON. It
// is read-only: the fleet only guarantees the publication contract,
// and this server never writes to the bus.
type statusServer struct {
	srv *http.Server
}

func newStatusServer(addr string, agg *health.Aggregator) *statusServer {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(agg.Status())
	})
	return &statusServer{srv: &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}}
}

func (s *statusServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), svc.ShutdownBound)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
