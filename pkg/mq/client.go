// Package mq provides a RabbitMQ client with automatic reconnection and error handling.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/carewatch/pkg/metrics"
)

// TopicExchange is the exchange the RabbitMQ MQTT plugin publishes to.
// MQTT topic separators "/" become "." in routing keys.
const TopicExchange = "amq.topic"

// Options describes the queue a Client declares and how it is bound.
type Options struct {
	// QueueName is declared on every (re)connect.
	QueueName string
	// Exchange is the exchange to publish to and bind the queue on.
	// Empty means the default exchange.
	Exchange string
	// BindingKeys are routing keys bound from Exchange to QueueName.
	BindingKeys []string
	// Prefetch bounds unacknowledged deliveries per consumer. Defaults to 1.
	Prefetch int
	// Durable declares a queue that survives broker restarts.
	Durable bool
}

// Client is a RabbitMQ client that handles connection management,
// automatic reconnection, and provides methods for publishing and consuming messages.
type Client struct {
	m               *sync.Mutex
	infolog         *slog.Logger
	errlog          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan bool
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	opts            Options
	isReady         bool
	metrics         *metrics.MQMetrics // Optional metrics
}

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	// Initial backoff delay for Push retries.
	initialBackoff = 100 * time.Millisecond

	// Maximum backoff delay for Push retries.
	maxBackoff = 10 * time.Second

	// Backoff multiplier for exponential backoff.
	backoffMultiplier = 2

	// Maximum number of retry attempts before giving up.
	maxRetryAttempts = 5
)

var (
	// ErrNotConnected is returned while the client has no usable channel.
	ErrNotConnected       = errors.New("not connected to a server")
	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// New creates a new client instance, and automatically
// attempts to connect to the server.
func New(opts Options, addr string, l *slog.Logger) *Client {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	client := Client{
		m:       &sync.Mutex{},
		infolog: l.With("queue", opts.QueueName),
		errlog:  l.With("queue", opts.QueueName),
		opts:    opts,
		done:    make(chan bool),
	}
	go client.handleReconnect(addr)
	return &client
}

// SetMetrics sets the metrics collector for this client.
// This should be called before the client starts processing messages.
func (client *Client) SetMetrics(m *metrics.MQMetrics) {
	client.metrics = m
}

// Ready reports whether the client currently has an open channel.
func (client *Client) Ready() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (client *Client) handleReconnect(addr string) {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		client.infolog.Info("attempting to connect")

		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.errlog.Error("failed to connect. Retrying...", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			break
		}
	}
}

// connect will create a new AMQP connection.
func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	client.changeConnection(conn)
	client.infolog.Info("connected")

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(1)
	}

	return conn, nil
}

// handleReInit will wait for a channel error
// and then continuously attempt to re-initialize both channels.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		err := client.init(conn)
		if err != nil {
			client.errlog.Error("failed to initialize channel, retrying...", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.infolog.Info("connection closed, reconnecting...")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.infolog.Info("connection closed, reconnecting...")
			return false
		case <-client.notifyChanClose:
			client.infolog.Info("channel closed, re-running init...")
		}
	}
}

// init will initialize the channel, declare the queue and bind it.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	err = ch.Confirm(false)
	if err != nil {
		return err
	}
	// Publish-only clients have no queue of their own.
	if client.opts.QueueName != "" {
		_, err = ch.QueueDeclare(
			client.opts.QueueName,
			client.opts.Durable, // Durable
			false,               // Delete when unused
			false,               // Exclusive
			false,               // No-wait
			nil,                 // Arguments
		)
		if err != nil {
			return err
		}

		for _, key := range client.opts.BindingKeys {
			if err := ch.QueueBind(client.opts.QueueName, key, client.opts.Exchange, false, nil); err != nil {
				return err
			}
		}
	}

	client.changeChannel(ch)
	client.m.Lock()
	client.isReady = true
	client.m.Unlock()
	client.infolog.Info("client init done",
		"exchange", client.opts.Exchange,
		"binding_keys", client.opts.BindingKeys,
	)

	return nil
}

// changeConnection takes a new connection to the queue,
// and updates the close listener to reflect this.
func (client *Client) changeConnection(connection *amqp.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

// changeChannel takes a new channel to the queue,
// and updates the channel listeners to reflect this.
func (client *Client) changeChannel(channel *amqp.Channel) {
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// routingKey falls back to the queue name on the default exchange.
func (client *Client) routingKey(key string) string {
	if key == "" && client.opts.Exchange == "" {
		return client.opts.QueueName
	}
	return key
}

func (client *Client) backoffStep(ctx context.Context, backoff *time.Duration, retryCount *int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-client.done:
		return errShutdown
	case <-time.After(*backoff):
		*backoff *= backoffMultiplier
		if *backoff > maxBackoff {
			*backoff = maxBackoff
		}
		*retryCount++
		return nil
	}
}

// Push publishes data with the given routing key and waits for a
// confirmation. It retries with exponential backoff while the client is
// reconnecting and gives up after maxRetryAttempts.
func (client *Client) Push(ctx context.Context, key string, data []byte) error {
	key = client.routingKey(key)

	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.PushDuration.WithLabelValues(key))
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	retryCount := 0

	for {
		if retryCount >= maxRetryAttempts {
			client.errlog.Error("maximum retry attempts exceeded",
				"retry_count", retryCount,
				"max_attempts", maxRetryAttempts)

			if client.metrics != nil {
				client.metrics.PushFailures.WithLabelValues(key, "max_retries_exceeded").Inc()
			}

			return errMaxRetriesExceeded
		}

		if !client.Ready() {
			client.infolog.Info("not connected, waiting for reconnection",
				"backoff", backoff,
				"retry_count", retryCount)

			if err := client.backoffStep(ctx, &backoff, &retryCount); err != nil {
				return err
			}
			continue
		}

		if err := client.UnsafePush(ctx, key, data); err != nil {
			client.errlog.Error("push failed, retrying with backoff",
				"error", err,
				"backoff", backoff,
				"retry_count", retryCount)

			if err := client.backoffStep(ctx, &backoff, &retryCount); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			if client.metrics != nil {
				client.metrics.PushFailures.WithLabelValues(key, "context_canceled").Inc()
			}
			return ctx.Err()
		case confirm := <-client.notifyConfirm:
			if confirm.Ack {
				if client.metrics != nil {
					client.metrics.MessagesPushed.WithLabelValues(key).Inc()
				}

				client.infolog.Debug("push confirmed",
					"routing_key", key,
					"delivery_tag", confirm.DeliveryTag,
					"retry_count", retryCount)
				return nil
			}

			client.errlog.Warn("push not acknowledged, retrying",
				"delivery_tag", confirm.DeliveryTag,
				"backoff", backoff)

			if err := client.backoffStep(ctx, &backoff, &retryCount); err != nil {
				return err
			}
		}
	}
}

// UnsafePush publishes without waiting for confirmation. It returns an
// error if the client is not connected.
func (client *Client) UnsafePush(ctx context.Context, key string, data []byte) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return ErrNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	return ch.PublishWithContext(
		ctx,
		client.opts.Exchange,   // Exchange
		client.routingKey(key), // Routing key
		false,                  // Mandatory
		false,                  // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         data,
		},
	)
}

// Consume will continuously put queue items on the channel.
// It is required to call delivery.Ack when it has been
// successfully processed, or delivery.Nack when it fails.
// The returned channel is closed when the AMQP channel goes away;
// call Consume again once the client is Ready.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, ErrNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	if err := ch.Qos(
		client.opts.Prefetch, // prefetchCount
		0,                    // prefetchSize
		false,                // global
	); err != nil {
		return nil, err
	}

	deliveries, err := ch.Consume(
		client.opts.QueueName,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
	if err != nil {
		return nil, err
	}

	if client.metrics != nil {
		client.metrics.Subscriptions.Inc()
	}
	return deliveries, nil
}

// Close will cleanly shut down the channel and connection.
func (client *Client) Close() error {
	client.m.Lock()
	// we read and write isReady in two locations, so we grab the lock and hold onto
	// it until we are finished
	defer client.m.Unlock()

	select {
	case <-client.done:
	default:
		close(client.done)
	}

	if !client.isReady {
		return errAlreadyClosed
	}
	err := client.channel.Close()
	if err != nil {
		return err
	}
	err = client.connection.Close()
	if err != nil {
		return err
	}

	client.isReady = false

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}

	return nil
}
