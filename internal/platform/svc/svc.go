// Package svc is the common service skeleton every TARS cmd/*
// entrypoint builds on: load shared config, construct the bus client,
// install a signal handler, wait for the first connection, run the
// service's own components, and tear down within a bounded shutdown
// window. Five independent binaries share it rather than each
// inlining its own bootstrap.
package svc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hollowoak/tars/internal/busclient"
	"github.com/hollowoak/tars/internal/obs"
	"github.com/hollowoak/tars/internal/platform/config"
	"github.com/hollowoak/tars/internal/platform/logging"
)

// ShutdownBound is the hard deadline for graceful shutdown.
const ShutdownBound = 5 * time.Second

// connectPollInterval is how often Bootstrap polls busclient.State
// while waiting for the first connection.
const connectPollInterval = 50 * time.Millisecond

// Runnable is any long-lived component whose Start blocks until ctx is
// cancelled. Router, movement.Service, health.Aggregator, mcp.Bridge,
// and servofw.Runner all satisfy this.
type Runnable interface {
	Start(ctx context.Context) error
}

// Service bundles everything Bootstrap assembles: the cancellable
// root context, shared config, the bus client, the in-process
// observability bus, and the service's logger.
type Service struct {
	Ctx    context.Context
	Cancel context.CancelFunc
	Shared config.Shared
	Bus    *busclient.Client
	ObsBus *obs.Bus
	Logger *slog.Logger

	busErrCh chan error
}

// Bootstrap loads shared env config, builds the logger and bus client
// under name, installs a SIGINT/SIGTERM handler that cancels the root
// context, starts the bus, and blocks until the first connection
// succeeds or ctx is cancelled first.
func Bootstrap(name string) (*Service, error) {
	shared, err := config.LoadShared()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(os.Stdout, shared.LogLevel, name)
	if err != nil {
		return nil, err
	}

	obsBus := obs.New()
	bus := busclient.New(busclient.ConfigFromShared(shared), logger, obsBus)

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	busErrCh := make(chan error, 1)
	go func() { busErrCh <- bus.Start(ctx) }()

	if err := waitConnected(ctx, bus); err != nil {
		cancel()
		return nil, err
	}

	return &Service{
		Ctx:      ctx,
		Cancel:   cancel,
		Shared:   shared,
		Bus:      bus,
		ObsBus:   obsBus,
		Logger:   logger,
		busErrCh: busErrCh,
	}, nil
}

func waitConnected(ctx context.Context, bus *busclient.Client) error {
	ticker := time.NewTicker(connectPollInterval)
	defer ticker.Stop()
	for {
		if bus.State() == busclient.Connected {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("svc: bus connect cancelled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Run starts every runnable's Start(s.Ctx) concurrently and blocks
// until s.Ctx is cancelled (signal handler) or any runnable returns
// first. Either way it then shuts the bus down within ShutdownBound
// and waits for the bus's own goroutine to exit before returning.
func (s *Service) Run(runnables ...Runnable) error {
	errCh := make(chan error, len(runnables))
	for _, r := range runnables {
		r := r
		go func() { errCh <- r.Start(s.Ctx) }()
	}

	select {
	case err := <-errCh:
		s.Cancel()
		if err != nil {
			s.Logger.Error("service component stopped", "error", err)
		}
	case <-s.Ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownBound)
	defer cancel()
	if err := s.Bus.Shutdown(shutdownCtx); err != nil {
		s.Logger.Warn("bus shutdown error", "error", err)
	}
	<-s.busErrCh
	s.Logger.Info("stopped")
	return nil
}
