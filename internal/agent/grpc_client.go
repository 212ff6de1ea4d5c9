package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/ashureev/myopenclawagent/internal/domain"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("agent runtime not serving")
)

// GrpcInitializerConfig holds connection settings for the agent runtime.
type GrpcInitializerConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcInitializerConfig returns default settings for addr.
func DefaultGrpcInitializerConfig(addr string) GrpcInitializerConfig {
	return GrpcInitializerConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcInitializer brings an agent up by opening a gRPC connection to the agent
// runtime and requiring its health service to report SERVING for the agent
// type. The connection is the agent's runtime handle.
type GrpcInitializer struct {
	cfg    GrpcInitializerConfig
	logger *slog.Logger
}

// NewGrpcInitializer creates an initializer for the runtime at cfg.Address.
func NewGrpcInitializer(cfg GrpcInitializerConfig, logger *slog.Logger) *GrpcInitializer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &GrpcInitializer{cfg: cfg, logger: logger}
}

type grpcRuntime struct {
	conn *grpc.ClientConn
}

func (r *grpcRuntime) Close() error {
	return r.conn.Close()
}

// Initialize implements Initializer.
func (g *GrpcInitializer) Initialize(ctx context.Context, a *domain.Agent) (Runtime, error) {
	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if g.cfg.KeepaliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    g.cfg.KeepaliveTime,
			Timeout: g.cfg.KeepaliveTimeout,
		}))
	}

	// No network I/O yet.
	conn, err := grpc.NewClient(g.cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("create client for agent runtime at %s: %w", g.cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, g.cfg.ConnectTimeout)
	defer cancel()

	if err := g.check(connectCtx, conn, a); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			g.logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, err
	}

	g.logger.Info("Agent runtime ready", "agent_id", a.ID, "type", a.Type, "address", g.cfg.Address)
	return &grpcRuntime{conn: conn}, nil
}

func (g *GrpcInitializer) check(ctx context.Context, conn *grpc.ClientConn, a *domain.Agent) error {
	if err := waitForReady(ctx, conn); err != nil {
		return fmt.Errorf("agent runtime at %s not ready: %w", g.cfg.Address, err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: string(a.Type),
	})
	if err != nil {
		return fmt.Errorf("agent runtime health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}
