// Package backend composes the carewatch service: ingest sources, the
// alerting pipeline, storage backends, the notification dispatcher and the
// gRPC alert listing.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"gorm.io/gorm"

	"procodus.dev/carewatch/internal/alerting"
	"procodus.dev/carewatch/internal/alertlog"
	"procodus.dev/carewatch/internal/devicestate"
	"procodus.dev/carewatch/internal/geofence"
	"procodus.dev/carewatch/internal/ingest"
	"procodus.dev/carewatch/internal/notify"
	"procodus.dev/carewatch/pkg/alertpb"
	"procodus.dev/carewatch/pkg/logger"
	"procodus.dev/carewatch/pkg/metrics"
	"procodus.dev/carewatch/pkg/mq"
)

// Defaults applied by NewServer.
const (
	DefaultFallThresholdG  = 2.5
	DefaultFallDebounce    = 30 * time.Second
	DefaultPrefetch        = 64
	DefaultShutdownTimeout = 15 * time.Second
	defaultJanitorInterval = time.Minute
)

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration. Nil keeps alerts and notification jobs in memory.
	DB *DBConfig

	// Redis configuration. An empty address keeps device state in memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// StateTTL forgets devices that have not reported for this long. Zero keeps them.
	StateTTL time.Duration
	// JanitorInterval is how often the in-memory store is swept for idle devices.
	JanitorInterval time.Duration

	// RabbitMQ configuration. An empty URL disables the AMQP source.
	RabbitMQURL string
	QueueName   string
	Exchange    string
	Prefetch    int

	// MQTT configuration. Nil disables the MQTT source.
	MQTT *ingest.MQTTConfig

	// Sources are started alongside the AMQP and MQTT sources.
	Sources []ingest.Source

	// Gateway sharding.
	Shards     int
	ShardQueue int

	// Geofence areas and device assignments.
	Geofence geofence.ResolverConfig

	// Alerting rules.
	FallThresholdG float64
	FallDebounce   time.Duration
	AlertOnReturn  bool
	AlertBucket    time.Duration

	// AlertLog replaces the configured alert log backend when set.
	AlertLog alertlog.Log

	// Telegram configuration. Nil logs notifications instead of sending them.
	Telegram *notify.TelegramConfig
	// Sender replaces the configured notification sender when set.
	Sender notify.Sender
	// Dispatch tunes the notification dispatcher. Logger, Sender, Jobs and
	// Metrics are filled in by the server.
	Dispatch notify.DispatcherConfig

	// gRPC configuration. Port 0 picks a free port.
	GRPCPort int

	// MetricsPort serves /metrics and /health. Zero disables the endpoint.
	MetricsPort int

	// ShutdownTimeout bounds the wait for in-flight notifications.
	ShutdownTimeout time.Duration

	// Optional metrics collectors.
	Metrics    *metrics.PipelineMetrics
	APIMetrics *metrics.APIMetrics
	MQMetrics  *metrics.MQMetrics
}

// Server represents the carewatch service.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	db         *gorm.DB
	redis      *redis.Client
	dispatcher *notify.Dispatcher
	gateway    *ingest.Gateway
	sources    []ingest.Source
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   net.Addr
	ready      chan struct{}
	background sync.WaitGroup
}

// NewServer validates cfg and creates a Server. Nothing connects until Run.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.RabbitMQURL == "" && cfg.MQTT == nil && len(cfg.Sources) == 0 {
		return nil, errors.New("at least one ingest source must be configured")
	}

	if cfg.RabbitMQURL != "" && cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if cfg.DB != nil {
		if cfg.DB.Host == "" {
			return nil, errors.New("database host cannot be empty")
		}
		if cfg.DB.Port <= 0 {
			return nil, errors.New("database port must be positive")
		}
		if cfg.DB.User == "" {
			return nil, errors.New("database user cannot be empty")
		}
		if cfg.DB.DBName == "" {
			return nil, errors.New("database name cannot be empty")
		}
	}

	if cfg.GRPCPort < 0 {
		return nil, errors.New("gRPC port cannot be negative")
	}

	if cfg.FallThresholdG < 0 || cfg.FallDebounce < 0 || cfg.StateTTL < 0 {
		return nil, errors.New("alerting thresholds cannot be negative")
	}

	if cfg.Telegram == nil && cfg.Sender == nil && cfg.Dispatch.Recipient == "" {
		cfg.Logger.Warn("no notification recipient configured, alerts will only be logged")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
		ready:  make(chan struct{}),
	}, nil
}

// Ready is closed once the server accepts messages and gRPC calls.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// GRPCAddr returns the gRPC listen address. Valid after Ready.
func (s *Server) GRPCAddr() net.Addr {
	return s.grpcAddr
}

// Run starts the server and blocks until a shutdown signal, ctx
// cancellation, or a fatal pipeline error. A fatal error is returned after
// the server shut down.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting carewatch server")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	errCh, err := s.start(ctx)
	if err != nil {
		cancel()
		if shutdownErr := s.Shutdown(); shutdownErr != nil {
			err = errors.Join(err, shutdownErr)
		}
		return err
	}
	close(s.ready)

	s.logger.Info("carewatch server started successfully")

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-s.gateway.Fatal():
		runErr = fmt.Errorf("alert processing halted: %w", err)
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		runErr = err
	}
	cancel()

	if err := s.Shutdown(); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// start brings up every component in dependency order. The returned
// channel reports listener failures.
func (s *Server) start(ctx context.Context) (<-chan error, error) {
	cfg := s.config
	errCh := make(chan error, 2)

	store, err := s.setupStateStore(ctx)
	if err != nil {
		return nil, err
	}

	alertLog, jobs, err := s.setupPersistence()
	if err != nil {
		return nil, err
	}

	resolver, err := geofence.NewResolver(cfg.Geofence)
	if err != nil {
		return nil, fmt.Errorf("invalid geofence configuration: %w", err)
	}

	sender, err := s.setupSender()
	if err != nil {
		return nil, err
	}

	dispatchCfg := cfg.Dispatch
	dispatchCfg.Logger = logger.Component(s.logger, "notify")
	dispatchCfg.Sender = sender
	dispatchCfg.Jobs = jobs
	dispatchCfg.Metrics = cfg.Metrics
	s.dispatcher, err = notify.NewDispatcher(&dispatchCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize dispatcher: %w", err)
	}
	if err := s.dispatcher.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start dispatcher: %w", err)
	}

	threshold := cfg.FallThresholdG
	if threshold == 0 {
		threshold = DefaultFallThresholdG
	}
	machine, err := alerting.NewMachine(&alerting.MachineConfig{
		Logger:         logger.Component(s.logger, "alerting"),
		Store:          store,
		Areas:          resolver,
		FallThresholdG: threshold,
		FallDebounce:   cfg.FallDebounce,
		AlertOnReturn:  cfg.AlertOnReturn,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize alert machine: %w", err)
	}

	pipeline, err := alerting.NewPipeline(&alerting.PipelineConfig{
		Logger:   logger.Component(s.logger, "pipeline"),
		Machine:  machine,
		Log:      alertLog,
		Notifier: s.dispatcher,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	s.gateway, err = ingest.NewGateway(&ingest.GatewayConfig{
		Logger:     logger.Component(s.logger, "ingest"),
		Routes:     ingest.Routes(pipeline),
		Shards:     cfg.Shards,
		ShardQueue: cfg.ShardQueue,
		Metrics:    cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gateway: %w", err)
	}
	// Queued messages finish after Run's context is canceled; Stop drains them.
	s.gateway.Start(context.WithoutCancel(ctx))

	if err := s.startGRPC(alertLog, errCh); err != nil {
		return nil, err
	}

	s.startMetricsHTTP(errCh)

	if err := s.startSources(ctx); err != nil {
		return nil, err
	}

	return errCh, nil
}

func (s *Server) setupStateStore(ctx context.Context) (devicestate.Store, error) {
	cfg := s.config

	if cfg.RedisAddr == "" {
		store := devicestate.NewMemoryStore()
		if cfg.StateTTL > 0 {
			interval := cfg.JanitorInterval
			if interval <= 0 {
				interval = defaultJanitorInterval
			}
			janitor := devicestate.NewJanitor(store, cfg.StateTTL, interval, logger.Component(s.logger, "janitor"))
			s.background.Add(1)
			go func() {
				defer s.background.Done()
				janitor.Run(ctx)
			}()
		}
		s.logger.Info("device state kept in memory", "ttl", cfg.StateTTL)
		return store, nil
	}

	s.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.logger.Info("device state kept in redis", "addr", cfg.RedisAddr, "ttl", cfg.StateTTL)
	return devicestate.NewRedisStore(&devicestate.RedisConfig{
		Client: s.redis,
		TTL:    cfg.StateTTL,
	})
}

func (s *Server) setupPersistence() (alertlog.Log, notify.JobStore, error) {
	cfg := s.config

	if cfg.DB == nil {
		var alertLog alertlog.Log = alertlog.NewMemoryLog(cfg.AlertBucket)
		if cfg.AlertLog != nil {
			alertLog = cfg.AlertLog
		}
		s.logger.Warn("no database configured, alerts are kept in memory only")
		return alertLog, notify.NewMemoryJobStore(), nil
	}

	dbCfg := *cfg.DB
	dbCfg.Logger = s.logger
	db, err := NewDB(&dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	s.logger.Info("database initialized successfully")

	var alertLog alertlog.Log = cfg.AlertLog
	if alertLog == nil {
		alertLog, err = alertlog.NewGormLog(&alertlog.GormConfig{DB: db, Bucket: cfg.AlertBucket})
		if err != nil {
			return nil, nil, err
		}
	}

	jobs, err := notify.NewGormJobStore(db)
	if err != nil {
		return nil, nil, err
	}

	return alertLog, jobs, nil
}

func (s *Server) setupSender() (notify.Sender, error) {
	switch {
	case s.config.Sender != nil:
		return s.config.Sender, nil
	case s.config.Telegram != nil:
		return notify.NewTelegramSender(s.config.Telegram)
	default:
		return notify.LogSender{Logger: logger.Component(s.logger, "notify")}, nil
	}
}

func (s *Server) startGRPC(alertLog alertlog.Log, errCh chan<- error) error {
	service, err := NewAlertService(logger.Component(s.logger, "grpc"), alertLog, s.config.APIMetrics)
	if err != nil {
		return fmt.Errorf("failed to initialize gRPC service: %w", err)
	}

	s.grpcServer = grpc.NewServer()
	alertpb.RegisterAlertServiceServer(s.grpcServer, service)

	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}
	s.grpcAddr = lis.Addr()

	s.logger.Info("starting gRPC server", "address", s.grpcAddr.String())

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	return nil
}

func (s *Server) startMetricsHTTP(errCh chan<- error) {
	if s.config.MetricsPort <= 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if s.gateway != nil && s.gateway.Halted() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"halted"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting metrics server", "address", s.httpServer.Addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()
}

func (s *Server) startSources(ctx context.Context) error {
	cfg := s.config
	sources := append([]ingest.Source(nil), cfg.Sources...)

	if cfg.RabbitMQURL != "" {
		exchange := cfg.Exchange
		if exchange == "" {
			exchange = mq.TopicExchange
		}
		prefetch := cfg.Prefetch
		if prefetch <= 0 {
			prefetch = DefaultPrefetch
		}

		client := mq.New(mq.Options{
			QueueName:   cfg.QueueName,
			Exchange:    exchange,
			BindingKeys: ingest.BindingKeys,
			Prefetch:    prefetch,
			Durable:     true,
		}, cfg.RabbitMQURL, logger.Component(s.logger, "mq-client"))
		if cfg.MQMetrics != nil {
			client.SetMetrics(cfg.MQMetrics)
		}

		source, err := ingest.NewAMQPSource(client, logger.Component(s.logger, "ingest"))
		if err != nil {
			_ = client.Close()
			return err
		}
		sources = append(sources, source)
	}

	if cfg.MQTT != nil {
		source, err := ingest.NewMQTTSource(cfg.MQTT, logger.Component(s.logger, "ingest"))
		if err != nil {
			return err
		}
		sources = append(sources, source)
	}

	for _, source := range sources {
		// Track before starting so Shutdown closes partially started sources.
		s.sources = append(s.sources, source)
		if err := source.Start(ctx, s.gateway.Deliver); err != nil {
			return fmt.Errorf("failed to start ingest source: %w", err)
		}
	}

	s.logger.Info("ingest sources started", "count", len(s.sources))
	return nil
}

// Shutdown stops intake first, drains the gateway, gives in-flight
// notifications until ShutdownTimeout, then releases listeners and storage.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down carewatch server")

	var errs []error

	// Sources stop delivering first but stay connected until the gateway has
	// drained, so the acks of in-flight messages still reach the broker.
	for _, source := range s.sources {
		source.Stop()
	}

	if s.gateway != nil {
		s.logger.Info("stopping ingest gateway")
		s.gateway.Stop()
	}

	for _, source := range s.sources {
		if err := source.Close(); err != nil {
			s.logger.Error("failed to close ingest source", "error", err)
			errs = append(errs, fmt.Errorf("ingest source close error: %w", err))
		}
	}
	s.sources = nil

	if s.dispatcher != nil {
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = DefaultShutdownTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.dispatcher.Shutdown(ctx); err != nil {
			s.logger.Error("notifications abandoned at shutdown", "error", err)
			errs = append(errs, err)
		}
		cancel()
	}

	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
		s.logger.Info("gRPC server stopped")
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown error: %w", err))
		}
		cancel()
	}

	s.background.Wait()

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
		s.redis = nil
	}

	if s.db != nil {
		if err := CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
		s.db = nil
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("server shutdown completed successfully")
	return nil
}
