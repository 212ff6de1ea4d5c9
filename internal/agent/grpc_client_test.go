package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/myopenclawagent/internal/domain"
)

func startHealthServer(t *testing.T) (string, *health.Server) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String(), hs
}

func TestGrpcInitializerServing(t *testing.T) {
	addr, hs := startHealthServer(t)
	hs.SetServingStatus(string(domain.AgentTypeChat), healthpb.HealthCheckResponse_SERVING)

	gi := NewGrpcInitializer(DefaultGrpcInitializerConfig(addr), nil)
	rt, err := gi.Initialize(context.Background(), &domain.Agent{ID: "a1", Type: domain.AgentTypeChat})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestGrpcInitializerNotServing(t *testing.T) {
	addr, hs := startHealthServer(t)
	hs.SetServingStatus(string(domain.AgentTypeCoding), healthpb.HealthCheckResponse_NOT_SERVING)

	gi := NewGrpcInitializer(DefaultGrpcInitializerConfig(addr), nil)
	if _, err := gi.Initialize(context.Background(), &domain.Agent{Type: domain.AgentTypeCoding}); err == nil {
		t.Fatal("expected NOT_SERVING runtime to fail initialization")
	}
}

func TestGrpcInitializerUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	_ = lis.Close()

	cfg := DefaultGrpcInitializerConfig(addr)
	cfg.ConnectTimeout = 300 * time.Millisecond
	r := NewRegistry(NewGrpcInitializer(cfg, nil))

	a := r.Spawn(context.Background(), SpawnRequest{Type: domain.AgentTypeChat})
	if a.Status != domain.AgentError || a.Error == "" {
		t.Fatalf("expected error agent for unreachable runtime, got %+v", a)
	}
}
