package grpcserver

import (
	"context"
	"errors"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// ServiceName is the health service name reported alongside the overall "" status.
	ServiceName = "creditmarket.v1.Marketplace"

	defaultCheckInterval = 10 * time.Second
	defaultPingTimeout   = 2 * time.Second
)

// Pinger reports whether the backing database is reachable. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithCheckInterval sets how often the database is pinged.
func WithCheckInterval(interval time.Duration) Option {
	return func(server *Server) {
		if interval > 0 {
			server.interval = interval
		}
	}
}

// WithLogger attaches a zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(server *Server) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// Server exposes grpc.health.v1.Health, SERVING while the database answers pings.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	pinger     Pinger
	interval   time.Duration
	logger     *zap.Logger
}

// New builds the gRPC server and registers the health service.
func New(pinger Pinger, options ...Option) *Server {
	server := &Server{
		grpcServer: grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler())),
		health:     health.NewServer(),
		pinger:     pinger,
		interval:   defaultCheckInterval,
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	grpc_health_v1.RegisterHealthServer(server.grpcServer, server.health)
	server.setStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return server
}

// GRPCServer returns the underlying server for additional registrations.
func (server *Server) GRPCServer() *grpc.Server {
	return server.grpcServer
}

// Check pings the database once and publishes the result.
func (server *Server) Check(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if server.pinger == nil {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
		err := server.pinger.PingContext(pingCtx)
		cancel()
		if err != nil {
			server.logger.Warn("database ping failed", zap.Error(err))
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
	}
	server.setStatus(status)
	return status
}

// Serve runs the health loop and serves listener until ctx is done.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	server.Check(ctx)
	go server.watch(ctx)

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gRPC server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- server.grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		server.health.Shutdown()
		server.grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func (server *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(server.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.Check(ctx)
		}
	}
}

func (server *Server) setStatus(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	server.health.SetServingStatus("", status)
	server.health.SetServingStatus(ServiceName, status)
}
