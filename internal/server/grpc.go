package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the key pool.
const ServiceName = "keyrouter.KeyPool"

// GRPCServer exposes the standard gRPC health protocol.
type GRPCServer struct {
	port   int
	server *grpc.Server
	health *health.Server
	log    *slog.Logger
}

// NewGRPCServer creates a gRPC server with the health service registered.
// Status starts as NOT_SERVING until the first SetServing call.
func NewGRPCServer(port int) *GRPCServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	g := &GRPCServer{
		port:   port,
		server: srv,
		health: hs,
		log:    slog.Default().With("component", "grpc"),
	}
	g.SetServing(false)
	return g
}

// SetServing updates both the overall and the key pool service status.
func (g *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
}

// Start listens on the configured port and serves until Stop.
func (g *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return g.Serve(lis)
}

// Serve serves on an existing listener.
func (g *GRPCServer) Serve(lis net.Listener) error {
	g.log.Info("gRPC health server listening", "addr", lis.Addr().String())
	return g.server.Serve(lis)
}

// Stop drains in-flight RPCs, falling back to a hard stop when ctx expires.
func (g *GRPCServer) Stop(ctx context.Context) error {
	g.health.Shutdown()

	done := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.server.Stop()
		return ctx.Err()
	}
}
