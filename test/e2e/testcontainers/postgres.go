package testcontainers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"procodus.dev/carewatch/internal/backend"
)

// PostgresConfig configures the PostgreSQL container that backs the alert
// log and the notification job table in e2e suites.
type PostgresConfig struct {
	// Logger is copied into the returned DBConfig.
	Logger   *slog.Logger
	User     string // default postgres
	Password string // default postgres
	Database string // default carewatch
	// ContainerName is optional.
	ContainerName string
}

// StartPostgres starts a PostgreSQL container and returns it together
// with connection settings ready for backend.NewDB.
func StartPostgres(ctx context.Context, config *PostgresConfig) (testcontainers.Container, *backend.DBConfig, error) {
	cfg := PostgresConfig{User: "postgres", Password: "postgres", Database: "carewatch"}
	if config != nil {
		cfg.Logger = config.Logger
		cfg.ContainerName = config.ContainerName
		if config.User != "" {
			cfg.User = config.User
		}
		if config.Password != "" {
			cfg.Password = config.Password
		}
		if config.Database != "" {
			cfg.Database = config.Database
		}
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			// The entrypoint restarts the server once after initdb.
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			),
			Env: map[string]string{
				"POSTGRES_USER":     cfg.User,
				"POSTGRES_PASSWORD": cfg.Password,
				"POSTGRES_DB":       cfg.Database,
			},
			Name: cfg.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	abort := func(step string, err error) error {
		return errors.Join(fmt.Errorf("failed to get container %s: %w", step, err), container.Terminate(ctx))
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, nil, abort("host", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, nil, abort("port", err)
	}

	return container, &backend.DBConfig{
		Logger:   cfg.Logger,
		Host:     host,
		Port:     port.Int(),
		User:     cfg.User,
		Password: cfg.Password,
		DBName:   cfg.Database,
		SSLMode:  "disable",
	}, nil
}
