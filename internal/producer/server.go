package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"procodus.dev/carewatch/pkg/generator"
	"procodus.dev/carewatch/pkg/metrics"
	"procodus.dev/carewatch/pkg/mq"
)

// Transports a simulator can publish over.
const (
	TransportAMQP = "amqp"
	TransportMQTT = "mqtt"
)

// PublisherFactory creates the publisher for one producer.
type PublisherFactory func(id int) (Publisher, error)

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// Transport is TransportAMQP (default) or TransportMQTT
	Transport string
	// RabbitMQURL is the connection string for RabbitMQ
	RabbitMQURL string
	// Exchange receives readings under device.* routing keys
	Exchange string
	// MQTT configures the broker when Transport is TransportMQTT
	MQTT *MQTTPublisherConfig
	// Publishers overrides Transport; used to inject publishers
	Publishers PublisherFactory
	// Generator shapes the walk and impacts of every wearer
	Generator generator.Config
	// Interval is the time between steps
	Interval time.Duration
	// ProducerCount is the number of concurrent producers
	ProducerCount int
	// WearersPerProducer is the number of wearers each producer simulates
	WearersPerProducer int
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.SimulatorMetrics
	// MQMetrics is the optional Prometheus metrics collector for MQ operations
	MQMetrics *metrics.MQMetrics
}

// Server manages multiple producer instances.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	producers  []*Producer
	publishers []Publisher
	wg         sync.WaitGroup
	closeOnce  sync.Once
	metrics    *metrics.SimulatorMetrics
}

var (
	errInvalidProducerCount = errors.New("producer count must be greater than 0")
	errInvalidInterval      = errors.New("interval must be greater than 0")
	errLoggerRequired       = errors.New("logger is required")
)

// NewServer creates a new simulator server with the given configuration.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.ProducerCount <= 0 {
		return nil, errInvalidProducerCount
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	wearers := cfg.WearersPerProducer
	if wearers <= 0 {
		wearers = 1
	}

	factory := cfg.Publishers
	if factory == nil {
		var err error
		if factory, err = transportFactory(cfg); err != nil {
			return nil, err
		}
	}

	s := &Server{
		config:     cfg,
		producers:  make([]*Producer, 0, cfg.ProducerCount),
		publishers: make([]Publisher, 0, cfg.ProducerCount),
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}

	// Each producer gets its own publisher and generator.
	for i := 0; i < cfg.ProducerCount; i++ {
		pub, err := factory(i)
		if err != nil {
			s.closePublishers()
			return nil, fmt.Errorf("producer %d: %w", i, err)
		}
		s.publishers = append(s.publishers, pub)

		genCfg := cfg.Generator
		if genCfg.Seed != 0 {
			genCfg.Seed += uint64(i)
		}
		gen, err := generator.New(genCfg)
		if err != nil {
			s.closePublishers()
			return nil, err
		}

		producer, err := NewProducer(pub, gen, wearers)
		if err != nil {
			s.closePublishers()
			return nil, err
		}

		// Enable producer metrics if configured
		if cfg.Metrics != nil {
			producer.SetMetrics(cfg.Metrics)
		}

		s.producers = append(s.producers, producer)

		s.logger.Info("created producer instance",
			"producer_id", i,
			"transport", cfg.Transport,
			"wearer_count", len(producer.Wearers),
		)
	}

	return s, nil
}

func transportFactory(cfg *ServerConfig) (PublisherFactory, error) {
	switch cfg.Transport {
	case "", TransportAMQP:
		exchange := cfg.Exchange
		if exchange == "" {
			exchange = mq.TopicExchange
		}
		return func(id int) (Publisher, error) {
			client := mq.New(mq.Options{Exchange: exchange}, cfg.RabbitMQURL, cfg.Logger.With(
				slog.String("component", "mq-client"),
				slog.Int("producer_id", id),
			))

			// Enable MQ metrics if configured
			if cfg.MQMetrics != nil {
				client.SetMetrics(cfg.MQMetrics)
			}

			return NewAMQPPublisher(client)
		}, nil

	case TransportMQTT:
		if cfg.MQTT == nil {
			return nil, errors.New("mqtt config is required for the mqtt transport")
		}
		return func(id int) (Publisher, error) {
			mqttCfg := *cfg.MQTT
			mqttCfg.ClientID = fmt.Sprintf("%s-%d", mqttCfg.ClientID, id)
			return NewMQTTPublisher(&mqttCfg, cfg.Logger.With(
				slog.String("component", "mqtt-publisher"),
				slog.Int("producer_id", id),
			))
		}, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// Producers returns the simulated producers.
func (s *Server) Producers() []*Producer {
	return s.producers
}

// Run starts all producers and blocks until shutdown signal is received.
func (s *Server) Run(ctx context.Context) error {
	// Create context that can be canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	// Start all producers
	for i, producer := range s.producers {
		s.wg.Add(1)
		go s.runProducer(ctx, i, producer)
	}

	s.logger.Info("simulator started",
		"producer_count", len(s.producers),
		"interval", s.config.Interval,
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	// Wait for all producers to finish
	s.logger.Info("waiting for producers to shut down...")
	s.wg.Wait()

	s.logger.Info("closing publishers...")
	s.closePublishers()

	s.logger.Info("simulator stopped")
	return nil
}

// runProducer steps a single producer's wearers at the configured interval.
func (s *Server) runProducer(ctx context.Context, id int, producer *Producer) {
	defer s.wg.Done()

	if s.metrics != nil {
		s.metrics.ActiveWearers.Add(float64(len(producer.Wearers)))
		defer s.metrics.ActiveWearers.Sub(float64(len(producer.Wearers)))
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	producerLogger := s.logger.With(slog.Int("producer_id", id))
	producerLogger.Info("producer started")

	for {
		select {
		case <-ctx.Done():
			producerLogger.Info("producer shutting down")
			return

		case now := <-ticker.C:
			if err := producer.Tick(ctx, now); err != nil {
				producerLogger.Error("failed to publish readings", "error", err)
				// Keep walking; the next tick retries with fresh readings.
				continue
			}

			producerLogger.Debug("readings published")
		}
	}
}

// closePublishers closes all publishers once, in parallel.
func (s *Server) closePublishers() {
	s.closeOnce.Do(func() {
		var wg sync.WaitGroup

		for i, pub := range s.publishers {
			wg.Add(1)
			go func(id int, p Publisher) {
				defer wg.Done()

				if err := p.Close(); err != nil {
					s.logger.Error("failed to close publisher",
						"producer_id", id,
						"error", err,
					)
					return
				}

				s.logger.Info("publisher closed", "producer_id", id)
			}(i, pub)
		}

		wg.Wait()
	})
}

// Shutdown closes all publishers without waiting for a signal.
func (s *Server) Shutdown() error {
	s.logger.Info("shutdown requested")
	s.closePublishers()
	return nil
}
