// Package rpcproto exposes the gateway's readiness over the standard
// grpc.health.v1 protocol.
package rpcproto

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service reported alongside the overall ("") status.
const ServiceName = "overlaygate.Gateway"

// HealthServer serves grpc.health.v1. It starts NOT_SERVING until the agent
// platform has been reached once.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	lis    net.Listener
}

// NewHealthServer creates a health server; call Serve to start it.
func NewHealthServer() *HealthServer {
	h := &HealthServer{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(h.srv, h.health)
	h.SetServing(false)
	return h
}

// SetServing updates both the overall and the gateway service status.
func (h *HealthServer) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Listen binds addr. Use Addr to learn the port when addr ends in ":0".
func (h *HealthServer) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc health listen %s: %w", addr, err)
	}
	h.lis = lis
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (h *HealthServer) Addr() string {
	if h.lis == nil {
		return ""
	}
	return h.lis.Addr().String()
}

// Serve blocks serving on the listener bound by Listen.
func (h *HealthServer) Serve() error {
	if h.lis == nil {
		return fmt.Errorf("grpc health: Listen not called")
	}
	log.Printf("[OK] gRPC health on %s", h.lis.Addr())
	return h.srv.Serve(h.lis)
}

// Stop marks every service NOT_SERVING and drains the server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.srv.GracefulStop()
}

// Dial connects to a gRPC endpoint and waits until it is ready.
func Dial(addr string, timeout time.Duration) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial failed: %w", err)
	}

	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return conn, nil
		case connectivity.Shutdown:
			conn.Close()
			return nil, fmt.Errorf("grpc connection failed: %s", state)
		case connectivity.Idle:
			conn.Connect()
		}
		if !conn.WaitForStateChange(ctx, state) {
			conn.Close()
			return nil, fmt.Errorf("grpc connection timeout: still in %s state", conn.GetState())
		}
	}
}

// Check asks a health endpoint for the status of service.
func Check(ctx context.Context, conn *grpc.ClientConn, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
