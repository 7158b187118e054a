// Package frontend serves the caregiver-facing HTTP alert API. It reads
// alerts from the backend's gRPC AlertService.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"procodus.dev/carewatch/pkg/alertpb"
	"procodus.dev/carewatch/pkg/metrics"
)

// Server serves the alert listing REST API.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	grpcClient alertpb.AlertServiceClient
	grpcConn   *grpc.ClientConn
	config     *ServerConfig
	metrics    *metrics.FrontendMetrics
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	HTTPPort int

	// BackendGRPCAddr is the carewatch serve gRPC endpoint.
	BackendGRPCAddr string

	// Client replaces the connection to BackendGRPCAddr when set.
	Client alertpb.AlertServiceClient

	// Metrics is optional.
	Metrics *metrics.FrontendMetrics
}

// NewServer creates a new frontend Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.BackendGRPCAddr == "" && cfg.Client == nil {
		return nil, errors.New("backend gRPC address cannot be empty")
	}

	return &Server{
		logger:     cfg.Logger,
		config:     cfg,
		grpcClient: cfg.Client,
		metrics:    cfg.Metrics,
	}, nil
}

// Run dials the backend unless a client was injected, serves the REST
// API and blocks until a signal, ctx cancellation or a listener error.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting frontend server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	if s.grpcClient == nil {
		if err := s.dialBackend(); err != nil {
			return err
		}
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      backendTimeout + 5*time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()

	s.logger.Info("alert API listening", "address", s.httpServer.Addr, "backend", s.config.BackendGRPCAddr)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("HTTP server error", "error", err)
			return errors.Join(err, s.Shutdown())
		}
	}

	return s.Shutdown()
}

func (s *Server) dialBackend() error {
	conn, err := grpc.NewClient(
		s.config.BackendGRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("failed to create backend client for %s: %w", s.config.BackendGRPCAddr, err)
	}
	s.grpcConn = conn
	s.grpcClient = alertpb.NewAlertServiceClient(conn)
	return nil
}

// Shutdown drains in-flight requests and closes the backend connection.
// It is safe to call more than once.
func (s *Server) Shutdown() error {
	var errs []error

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}
		s.httpServer = nil
	}

	if s.grpcConn != nil {
		if err := s.grpcConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend connection close: %w", err))
		}
		s.grpcConn = nil
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("frontend shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("frontend stopped")
	return nil
}

// Handler returns the HTTP routes. The gRPC client must be set, either via
// ServerConfig.Client or by Run.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.instrument("/health", s.handleHealth))

	mux.HandleFunc("GET /api/alerts", s.instrument("/api/alerts", s.handleAlerts))
	mux.HandleFunc("GET /api/devices/{id}/alerts", s.instrument("/api/devices/{id}/alerts", s.handleDeviceAlerts))

	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}
