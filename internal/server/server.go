// ============================================================================
// drawerd Health Server - grpc.health.v1
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Expose drawer readiness over the standard gRPC health protocol
//          so supervisors (systemd, k8s, grpc_health_probe) can check it.
//
// Status mapping:
//   SERVING      connection Open, or a spooler fallback is configured
//   NOT_SERVING  otherwise
//
// Both the empty service name and "drawerd" report the same status.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/drawerd/pkg/types"
)

var log = slog.Default()

// ServiceName is the health service name drawerd registers.
const ServiceName = "drawerd"

// StateSource is what the health server watches.
type StateSource interface {
	OnStateChange(fn func(types.ConnState))
	HasFallback() bool
}

// Server serves grpc.health.v1 for the drawer pipeline.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// NewServer creates the server and subscribes it to src.
func NewServer(src StateSource) *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)

	fallback := src.HasFallback()
	src.OnStateChange(func(state types.ConnState) {
		s.setStatus(statusFor(state, fallback))
	})
	return s
}

func statusFor(state types.ConnState, fallback bool) healthpb.HealthCheckResponse_ServingStatus {
	if state == types.StateOpen || fallback {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve serves on lis until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("Health server listening", "addr", lis.Addr().String())
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		log.Info("Health server stopped")
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	}
}

// ListenAndServe listens on port on all interfaces and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return s.Serve(ctx, lis)
}
