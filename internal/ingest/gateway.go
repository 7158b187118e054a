package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/carewatch/internal/alerting"
	"procodus.dev/carewatch/pkg/metrics"
)

// Inbound topics.
const (
	TopicTelemetry = "device/telemetry"
	TopicFall      = "device/fall-event"
)

const (
	defaultShards     = 16
	defaultShardQueue = 64
)

// Message is one inbound transport message. Ack and Nack may be nil when the
// transport has no acknowledgement.
type Message struct {
	ReceivedAt time.Time
	Ack        func()
	Nack       func(requeue bool)
	Topic      string
	Payload    []byte
}

func (m Message) ack() {
	if m.Ack != nil {
		m.Ack()
	}
}

func (m Message) nack(requeue bool) {
	if m.Nack != nil {
		m.Nack(requeue)
	}
}

// Route decodes a payload into the device it belongs to and the work to run
// for it. Decoding errors must wrap ErrParse.
type Route func(payload []byte) (deviceID string, run func(ctx context.Context) error, err error)

// Processor evaluates decoded device messages.
type Processor interface {
	HandleTelemetry(ctx context.Context, t alerting.Telemetry) (alerting.Outcome, error)
	HandleFall(ctx context.Context, f alerting.FallEvent) (alerting.Outcome, error)
}

// Routes returns the topic table for the alert pipeline.
func Routes(p Processor) map[string]Route {
	return map[string]Route{
		TopicTelemetry: func(payload []byte) (string, func(context.Context) error, error) {
			t, err := ParseTelemetry(payload)
			if err != nil {
				return "", nil, err
			}
			return t.DeviceID, func(ctx context.Context) error {
				_, err := p.HandleTelemetry(ctx, t)
				return err
			}, nil
		},
		TopicFall: func(payload []byte) (string, func(context.Context) error, error) {
			f, err := ParseFall(payload)
			if err != nil {
				return "", nil, err
			}
			return f.DeviceID, func(ctx context.Context) error {
				_, err := p.HandleFall(ctx, f)
				return err
			}, nil
		},
	}
}

// GatewayConfig holds the configuration for Gateway.
type GatewayConfig struct {
	Logger *slog.Logger
	Routes map[string]Route
	// Shards is the number of ordered workers. A device always maps to the same shard.
	Shards int
	// ShardQueue bounds the per-shard backlog; a full shard blocks Deliver.
	ShardQueue int
	// Metrics is optional.
	Metrics *metrics.PipelineMetrics
}

type task struct {
	run      func(ctx context.Context) error
	msg      Message
	deviceID string
}

// Gateway routes messages to per-device ordered shards.
type Gateway struct {
	logger  *slog.Logger
	routes  map[string]Route
	metrics *metrics.PipelineMetrics
	ctx     context.Context
	shards  []chan task
	fatal   chan error
	wg      sync.WaitGroup
	mu      sync.RWMutex
	halted  atomic.Bool
	once    sync.Once
	started bool
	stopped bool
}

// NewGateway creates a new Gateway instance.
func NewGateway(cfg *GatewayConfig) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("gateway config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if len(cfg.Routes) == 0 {
		return nil, errors.New("routes cannot be empty")
	}

	n := cfg.Shards
	if n <= 0 {
		n = defaultShards
	}
	size := cfg.ShardQueue
	if size <= 0 {
		size = defaultShardQueue
	}

	g := &Gateway{
		logger:  cfg.Logger,
		routes:  cfg.Routes,
		metrics: cfg.Metrics,
		ctx:     context.Background(),
		shards:  make([]chan task, n),
		fatal:   make(chan error, 1),
	}
	for i := range g.shards {
		g.shards[i] = make(chan task, size)
	}
	return g, nil
}

// Start launches one worker per shard. Workers run until Stop.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started || g.stopped {
		return
	}
	g.started = true
	g.ctx = ctx

	for i, ch := range g.shards {
		g.wg.Add(1)
		go g.work(i, ch)
	}

	g.logger.Info("ingest gateway started", "shards", len(g.shards))
}

// Fatal delivers the first error that halted processing.
func (g *Gateway) Fatal() <-chan error {
	return g.fatal
}

// Halted reports whether a fatal error stopped processing.
func (g *Gateway) Halted() bool {
	return g.halted.Load()
}

// Shard returns the shard index of a device.
func (g *Gateway) Shard(deviceID string) int {
	return int(xxhash.Sum64String(deviceID) % uint64(len(g.shards)))
}

// Deliver decodes msg and queues it on its device's shard. It blocks while
// that shard is full. Safe for concurrent use by several sources.
func (g *Gateway) Deliver(msg Message) {
	route, ok := g.routes[msg.Topic]
	if !ok {
		g.logger.Warn("message on unknown topic dropped", "topic", msg.Topic)
		g.count(msg.Topic, "unknown_topic")
		msg.ack()
		return
	}

	deviceID, run, err := route(msg.Payload)
	if err != nil {
		g.logger.Warn("malformed payload dropped",
			"topic", msg.Topic,
			"error", err,
			"payload_size", len(msg.Payload),
		)
		if g.metrics != nil {
			g.metrics.ParseErrors.WithLabelValues(msg.Topic).Inc()
		}
		g.count(msg.Topic, "parse_error")
		msg.ack()
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.stopped || g.halted.Load() {
		g.count(msg.Topic, "requeued")
		msg.nack(true)
		return
	}

	shard := g.Shard(deviceID)
	select {
	case g.shards[shard] <- task{msg: msg, deviceID: deviceID, run: run}:
		g.depth(shard)
	case <-g.ctx.Done():
		g.count(msg.Topic, "requeued")
		msg.nack(true)
	}
}

func (g *Gateway) work(shard int, ch <-chan task) {
	defer g.wg.Done()

	for t := range ch {
		g.depth(shard)
		g.process(t)
	}
}

func (g *Gateway) process(t task) {
	if g.halted.Load() {
		g.count(t.msg.Topic, "requeued")
		t.msg.nack(true)
		return
	}

	var timer *prometheus.Timer
	if g.metrics != nil {
		timer = prometheus.NewTimer(g.metrics.ProcessingDuration.WithLabelValues(t.msg.Topic))
	}

	err := t.run(g.ctx)

	if timer != nil {
		timer.ObserveDuration()
	}

	switch {
	case err == nil:
		g.count(t.msg.Topic, "processed")
		t.msg.ack()
	case errors.Is(err, alerting.ErrAlertNotRecorded):
		g.count(t.msg.Topic, "fatal")
		t.msg.nack(true)
		g.halt(fmt.Errorf("device %s: %w", t.deviceID, err))
	default:
		g.logger.Error("message processing failed",
			"topic", t.msg.Topic,
			"device_id", t.deviceID,
			"error", err,
		)
		g.count(t.msg.Topic, "error")
		t.msg.nack(false)
	}
}

func (g *Gateway) halt(err error) {
	g.once.Do(func() {
		g.halted.Store(true)
		g.logger.Error("alert processing halted: alert log unavailable", "error", err)
		g.fatal <- err
	})
}

// Stop closes the shards and waits for queued messages to finish. Sources
// must be stopped first and closed only afterwards, so the drained messages
// can still be acknowledged; later deliveries are nacked.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	for _, ch := range g.shards {
		close(ch)
	}
	started := g.started
	g.mu.Unlock()

	if !started {
		for _, ch := range g.shards {
			for t := range ch {
				t.msg.nack(true)
			}
		}
		return
	}

	g.wg.Wait()
	g.logger.Info("ingest gateway stopped")
}

func (g *Gateway) count(topic, status string) {
	if g.metrics != nil {
		g.metrics.MessagesTotal.WithLabelValues(topic, status).Inc()
	}
}

func (g *Gateway) depth(shard int) {
	if g.metrics != nil {
		g.metrics.ShardQueueDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(len(g.shards[shard])))
	}
}
