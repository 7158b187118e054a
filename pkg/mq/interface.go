package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface is the broker surface used by the ingest source and
// the simulator publishers. mock.MockClient implements it for tests.
type ClientInterface interface {
	// Push publishes data under key and blocks until the broker confirms
	// it, ctx is done, or the retry budget runs out.
	Push(ctx context.Context, key string, data []byte) error

	// UnsafePush publishes without waiting for a confirmation.
	UnsafePush(ctx context.Context, key string, data []byte) error

	// Consume subscribes to the configured queue with manual acks. The
	// channel closes when the AMQP channel does.
	Consume() (<-chan amqp.Delivery, error)

	Ready() bool

	Close() error
}

var _ ClientInterface = (*Client)(nil)
