package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"procodus.dev/carewatch/internal/ingest"
	"procodus.dev/carewatch/pkg/mq"
)

// Publisher sends a device payload on an MQTT-style topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// AMQPPublisher publishes to RabbitMQ, translating topics into routing keys
// on the topic exchange.
type AMQPPublisher struct {
	client mq.ClientInterface
}

// NewAMQPPublisher wraps an mq client.
func NewAMQPPublisher(client mq.ClientInterface) (*AMQPPublisher, error) {
	if client == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	return &AMQPPublisher{client: client}, nil
}

// Publish pushes payload with the routing key derived from topic.
func (p *AMQPPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.client.Push(ctx, ingest.TopicKey(topic), payload)
}

// Close closes the underlying client.
func (p *AMQPPublisher) Close() error {
	return p.client.Close()
}

// MQTTPublisherConfig holds the broker settings for MQTTPublisher.
type MQTTPublisherConfig struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883.
	Broker   string
	ClientID string
	Username string
	Password string
	// QoS is used for every publish. Defaults to 1.
	QoS byte
}

// MQTTPublisher publishes directly to an MQTT broker, the way the watches do.
type MQTTPublisher struct {
	client mqtt.Client
	logger *slog.Logger
	qos    byte
}

// NewMQTTPublisher creates a publisher and starts connecting in the background.
func NewMQTTPublisher(cfg *MQTTPublisherConfig, logger *slog.Logger) (*MQTTPublisher, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker cannot be empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	qos := cfg.QoS
	if qos == 0 {
		qos = 1
	}

	p := &MQTTPublisher{logger: logger, qos: qos}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			p.logger.Info("connected to mqtt broker", "broker", cfg.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.logger.Warn("mqtt connection lost", "error", err)
		})

	p.client = mqtt.NewClient(opts)
	p.client.Connect()

	return p, nil
}

// Publish sends payload and waits for the broker to accept it.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return mq.ErrNotConnected
	}

	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
