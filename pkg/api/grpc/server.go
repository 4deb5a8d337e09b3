package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported next to the empty
// server-wide name
const ServiceName = "dagrun.Engine"

const defaultProbeInterval = 5 * time.Second

// HealthChecker reports whether the engine can accept work
type HealthChecker interface {
	Healthy() bool
}

// Server represents the gRPC API server
type Server struct {
	server   *grpc.Server
	listener net.Listener
	health   *health.Server
	checker  HealthChecker
	interval time.Duration
	logger   *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// Config holds gRPC server configuration
type Config struct {
	Port    int
	Checker HealthChecker
	// ProbeInterval is how often Checker is sampled
	ProbeInterval time.Duration
	Logger        *zap.Logger
}

// NewServer creates a new gRPC server exposing grpc.health.v1
func NewServer(cfg *Config) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = defaultProbeInterval
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	s := &Server{
		server:   grpcServer,
		listener: listener,
		health:   healthServer,
		checker:  cfg.Checker,
		interval: interval,
		logger:   cfg.Logger,
		stop:     make(chan struct{}),
	}
	s.probe()

	s.wg.Add(1)
	go s.watch()

	return s, nil
}

// Addr returns the listening address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start starts the gRPC server
func (s *Server) Start() error {
	s.logger.Info("starting gRPC server", zap.String("addr", s.listener.Addr().String()))

	if err := s.server.Serve(s.listener); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}

	return nil
}

// Shutdown reports NOT_SERVING and gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gRPC server")

	close(s.stop)
	s.wg.Wait()
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
		return fmt.Errorf("gRPC graceful stop: %w", ctx.Err())
	}

	s.logger.Info("gRPC server shut down complete")
	return nil
}

func (s *Server) watch() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.probe()
		}
	}
}

func (s *Server) probe() {
	status := healthpb.HealthCheckResponse_SERVING
	if s.checker == nil || !s.checker.Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
