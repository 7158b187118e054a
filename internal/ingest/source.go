package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/carewatch/pkg/mq"
)

// Source feeds transport messages to a delivery function.
//
// Stop ends delivery but keeps the transport open, so messages already handed
// out can still be acknowledged while the gateway drains. Close releases the
// transport and implies Stop.
type Source interface {
	Start(ctx context.Context, deliver func(Message)) error
	Stop()
	Close() error
}

// BindingKeys are the AMQP routing keys for the inbound topics on the
// topic exchange.
var BindingKeys = []string{TopicKey(TopicTelemetry), TopicKey(TopicFall)}

// TopicKey converts an MQTT topic to an AMQP routing key.
func TopicKey(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// KeyTopic converts an AMQP routing key to an MQTT topic.
func KeyTopic(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

const defaultConsumeRetry = time.Second

// AMQPSource consumes device messages from a RabbitMQ queue bound to the
// topic exchange.
type AMQPSource struct {
	client mq.ClientInterface
	logger *slog.Logger
	done   chan struct{}
	wg     sync.WaitGroup
	retry  time.Duration
	stop   sync.Once
	once   sync.Once
}

// NewAMQPSource creates an AMQPSource. The source owns client and closes it.
func NewAMQPSource(client mq.ClientInterface, logger *slog.Logger) (*AMQPSource, error) {
	if client == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &AMQPSource{
		client: client,
		logger: logger.With("source", "amqp"),
		done:   make(chan struct{}),
		retry:  defaultConsumeRetry,
	}, nil
}

// SetRetryDelay sets the wait between consume attempts while disconnected.
func (s *AMQPSource) SetRetryDelay(d time.Duration) {
	s.retry = d
}

// Start implements Source. It consumes in the background and re-subscribes
// after reconnects.
func (s *AMQPSource) Start(ctx context.Context, deliver func(Message)) error {
	s.wg.Add(1)
	go s.run(ctx, deliver)
	return nil
}

func (s *AMQPSource) run(ctx context.Context, deliver func(Message)) {
	defer s.wg.Done()

	for {
		deliveries, err := s.client.Consume()
		if err != nil {
			if !errors.Is(err, mq.ErrNotConnected) {
				s.logger.Error("failed to start consuming", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-time.After(s.retry):
			}
			continue
		}

		s.logger.Info("consuming device messages")
		if stop := s.consume(ctx, deliveries, deliver); stop {
			return
		}
		s.logger.Warn("delivery channel closed, re-subscribing")
	}
}

func (s *AMQPSource) consume(ctx context.Context, deliveries <-chan amqp.Delivery, deliver func(Message)) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case <-s.done:
			return true
		case d, ok := <-deliveries:
			if !ok {
				return false
			}
			deliver(Message{
				Topic:      KeyTopic(d.RoutingKey),
				Payload:    d.Body,
				ReceivedAt: time.Now(),
				Ack: func() {
					if err := d.Ack(false); err != nil {
						s.logger.Warn("failed to ack delivery", "delivery_tag", d.DeliveryTag, "error", err)
					}
				},
				Nack: func(requeue bool) {
					if err := d.Nack(false, requeue); err != nil {
						s.logger.Warn("failed to nack delivery", "delivery_tag", d.DeliveryTag, "error", err)
					}
				},
			})
		}
	}
}

// Stop implements Source. Prefetched deliveries that were never handed out
// are requeued by the broker when the channel closes.
func (s *AMQPSource) Stop() {
	s.stop.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

// Close implements Source.
func (s *AMQPSource) Close() error {
	s.Stop()
	var err error
	s.once.Do(func() {
		err = s.client.Close()
	})
	return err
}

// MQTTConfig holds the configuration for MQTTSource.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Topics defaults to the inbound device topics.
	Topics         []string
	ConnectTimeout time.Duration
	QoS            byte
}

// MQTTSource subscribes to the device topics on an MQTT broker.
type MQTTSource struct {
	client  mqtt.Client
	logger  *slog.Logger
	cfg     MQTTConfig
	deliver func(Message)
	stopped bool
	mu      sync.Mutex
}

// NewMQTTSource creates an MQTTSource. It connects on Start.
func NewMQTTSource(cfg *MQTTConfig, logger *slog.Logger) (*MQTTSource, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config cannot be nil")
	}
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker cannot be empty")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}

	c := *cfg
	if len(c.Topics) == 0 {
		c.Topics = []string{TopicTelemetry, TopicFall}
	}
	if c.ClientID == "" {
		c.ClientID = "carewatch-ingest"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}

	s := &MQTTSource{cfg: c, logger: logger.With("source", "mqtt")}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.Broker)
	opts.SetClientID(c.ClientID)
	if c.Username != "" {
		opts.SetUsername(c.Username)
	}
	if c.Password != "" {
		opts.SetPassword(c.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(true)
	opts.SetAutoAckDisabled(true)
	opts.SetOnConnectHandler(s.subscribe)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s, nil
}

// Start implements Source. Subscriptions are renewed on every reconnect.
func (s *MQTTSource) Start(_ context.Context, deliver func(Message)) error {
	s.mu.Lock()
	s.deliver = deliver
	s.mu.Unlock()

	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("failed to connect to MQTT broker %s: timeout", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

func (s *MQTTSource) subscribe(c mqtt.Client) {
	filters := make(map[string]byte, len(s.cfg.Topics))
	for _, t := range s.cfg.Topics {
		filters[t] = s.cfg.QoS
	}

	token := c.SubscribeMultiple(filters, s.handle)
	if token.Wait() && token.Error() != nil {
		s.logger.Error("failed to subscribe", "topics", s.cfg.Topics, "error", token.Error())
		return
	}
	s.logger.Info("subscribed to device topics", "topics", s.cfg.Topics, "qos", s.cfg.QoS)
}

// handle runs on the paho router goroutine; with ordered delivery a slow
// shard applies backpressure to the broker connection.
func (s *MQTTSource) handle(_ mqtt.Client, m mqtt.Message) {
	s.mu.Lock()
	deliver, stopped := s.deliver, s.stopped
	s.mu.Unlock()

	// Left unacked, the message is redelivered on the next session.
	if stopped {
		return
	}
	if deliver == nil {
		m.Ack()
		return
	}

	deliver(Message{
		Topic:      m.Topic(),
		Payload:    m.Payload(),
		ReceivedAt: time.Now(),
		Ack:        m.Ack,
		// MQTT has no negative acknowledgement; an unacked QoS 1 message is
		// redelivered on the next session.
		Nack: func(bool) {},
	})
}

// Stop implements Source. The subscriptions stay in the persistent session so
// messages published while the service is down are not lost.
func (s *MQTTSource) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Close implements Source.
func (s *MQTTSource) Close() error {
	s.Stop()
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}
