// Package testcontainers provides helper functions for managing test containers across e2e tests.
package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RabbitMQConfig holds configuration for RabbitMQ test container.
type RabbitMQConfig struct {
	// User is the RabbitMQ username (default: guest)
	User string
	// Password is the RabbitMQ password (default: guest)
	Password string
	// ContainerName is the name of the container (optional)
	ContainerName string
	// MQTT enables the MQTT plugin, which publishes to amq.topic.
	MQTT bool
}

// RabbitMQ holds the endpoints of a started broker.
type RabbitMQ struct {
	testcontainers.Container
	// URL is the AMQP connection URL.
	URL string
	// MQTTBroker is the MQTT broker URL, empty unless the plugin is enabled.
	MQTTBroker string
}

// StartRabbitMQ starts a RabbitMQ container for testing.
func StartRabbitMQ(ctx context.Context, config *RabbitMQConfig) (*RabbitMQ, error) {
	// Set defaults
	if config == nil {
		config = &RabbitMQConfig{}
	}
	if config.User == "" {
		config.User = "guest"
	}
	if config.Password == "" {
		config.Password = "guest"
	}

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3-management-alpine",
		ExposedPorts: []string{"5672/tcp", "15672/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5672/tcp"),
			wait.ForLog("Server startup complete"),
		),
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": config.User,
			"RABBITMQ_DEFAULT_PASS": config.Password,
		},
		Name: config.ContainerName,
	}
	if config.MQTT {
		req.ExposedPorts = append(req.ExposedPorts, "1883/tcp")
		req.Entrypoint = []string{"sh", "-c",
			"rabbitmq-plugins enable --offline rabbitmq_mqtt && exec docker-entrypoint.sh rabbitmq-server"}
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start RabbitMQ container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5672")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	rmq := &RabbitMQ{
		Container: container,
		URL:       fmt.Sprintf("amqp://%s:%s@%s:%s/", config.User, config.Password, host, port.Port()),
	}

	if config.MQTT {
		mqttPort, err := container.MappedPort(ctx, "1883")
		if err != nil {
			_ = container.Terminate(ctx)
			return nil, fmt.Errorf("failed to get MQTT port: %w", err)
		}
		rmq.MQTTBroker = fmt.Sprintf("tcp://%s:%s", host, mqttPort.Port())
	}

	return rmq, nil
}
