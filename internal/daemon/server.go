package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/offgridchat/syncd/internal/config"
	"github.com/offgridchat/syncd/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server exposes the daemon's process surface: a gRPC health endpoint on a
// unix socket plus an optional Prometheus metrics listener.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	metricsSrv *http.Server
	logger     *zap.Logger
}

// NewServer creates the daemon server bound to the profile's unix socket.
func NewServer(p Params, cfg *config.Config, registry *prometheus.Registry, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.Profile)
	}

	// Remove stale socket from a previous run. The profile lock guarantees
	// no live daemon owns it.
	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = lis.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	grpcServer := grpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, h)
	h.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	s := &Server{
		grpcServer: grpcServer,
		health:     h,
		listener:   lis,
		socketPath: socketPath,
		logger:     logger,
	}

	if cfg.Daemon.MetricsAddr != "" {
		s.metricsSrv = &http.Server{
			Addr:              cfg.Daemon.MetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return s, nil
}

// Start serves gRPC on the unix socket, blocking until Stop is called.
func (s *Server) Start() error {
	if s.metricsSrv != nil {
		go func() {
			s.logger.Info("metrics listener started", zap.String("addr", s.metricsSrv.Addr))
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics listener error", zap.Error(err))
			}
		}()
	}
	s.logger.Info("daemon listening", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop gracefully shuts down the server and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics listener shutdown", zap.Error(err))
		}
	}
	_ = os.Remove(s.socketPath)
}
