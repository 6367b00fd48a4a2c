package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service name reported alongside the overall status.
const HealthServiceName = "mudbridge"

// HealthServer exposes the standard grpc.health.v1.Health service.
type HealthServer struct {
	addr   string
	logger *zap.Logger
	grpc   *grpc.Server
	health *health.Server

	mu  sync.Mutex
	lis net.Listener
}

// NewHealthServer creates a health server that will listen on addr.
// Both the overall and the named status start as NOT_SERVING.
//
// Precondition: logger must be non-nil.
func NewHealthServer(addr string, logger *zap.Logger) *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &HealthServer{
		addr:   addr,
		logger: logger,
		grpc:   srv,
		health: hs,
	}
}

// Start listens, marks the gateway SERVING and serves until Stop.
func (h *HealthServer) Start() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}
	h.mu.Lock()
	h.lis = lis
	h.mu.Unlock()

	h.SetServing(true)
	h.logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
	return h.grpc.Serve(lis)
}

// SetServing updates the overall and named status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthServiceName, status)
}

// Addr returns the bound address, or nil before Start has listened.
func (h *HealthServer) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lis == nil {
		return nil
	}
	return h.lis.Addr()
}

// Stop reports NOT_SERVING to watchers and stops the server, forcing it
// closed if ctx ends first.
func (h *HealthServer) Stop(ctx context.Context) error {
	h.health.Shutdown()

	done := make(chan struct{})
	go func() {
		h.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.grpc.Stop()
		return fmt.Errorf("stopping gRPC health server: %w", ctx.Err())
	}
}
