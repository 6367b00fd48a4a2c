// Package server provides application lifecycle management: ordered startup,
// signal handling and bounded graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service is a long-running component.
type Service interface {
	// Start runs the service and blocks until it is stopped or fails.
	// Returning http.ErrServerClosed or nil after Stop is a clean exit.
	Start() error
	// Stop shuts the service down, giving up when ctx ends.
	Stop(ctx context.Context) error
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func(ctx context.Context) error
}

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function.
func (f *FuncService) Stop(ctx context.Context) error { return f.StopFn(ctx) }

// Lifecycle starts services in registration order and stops them in reverse.
type Lifecycle struct {
	logger          *zap.Logger
	shutdownTimeout time.Duration

	mu       sync.Mutex
	services []namedService
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a new Lifecycle manager. Each service gets at most
// shutdownTimeout to stop; zero means 15 seconds.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger, shutdownTimeout time.Duration) *Lifecycle {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	return &Lifecycle{
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
	}
}

// Add registers a named service.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts all services and blocks until SIGINT or SIGTERM, ctx
// cancellation, or a service failure, then stops every service in reverse
// order.
//
// Postcondition: All services are stopped when this method returns. The
// error is the first service failure, or nil for a signal or cancellation.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()
	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, len(services))
	for _, ns := range services {
		go func() {
			l.logger.Info("starting service", zap.String("service", ns.name))
			svcStart := time.Now()
			err := ns.service.Start()
			if err == nil || errors.Is(err, http.ErrServerClosed) {
				return
			}
			l.logger.Error("service failed",
				zap.String("service", ns.name),
				zap.Error(err),
				zap.Duration("uptime", time.Since(svcStart)),
			)
			errCh <- fmt.Errorf("service %s: %w", ns.name, err)
		}()
	}

	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	var runErr error
	select {
	case runErr = <-errCh:
		l.logger.Error("service error, shutting down", zap.Error(runErr))
	case <-ctx.Done():
		l.logger.Info("shutdown requested", zap.NamedError("cause", context.Cause(ctx)))
	}

	l.shutdown(services)

	l.logger.Info("shutdown complete",
		zap.Duration("total_uptime", time.Since(start)),
	)
	return runErr
}

func (l *Lifecycle) shutdown(services []namedService) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service", zap.String("service", ns.name))

		ctx, cancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
		err := ns.service.Stop(ctx)
		cancel()

		if err != nil {
			l.logger.Warn("service stop incomplete",
				zap.String("service", ns.name),
				zap.Error(err),
				zap.Duration("elapsed", time.Since(svcStart)),
			)
			continue
		}
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.logger.Info("all services stopped",
		zap.Duration("shutdown_elapsed", time.Since(shutdownStart)),
	)
}
