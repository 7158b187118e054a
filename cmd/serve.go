package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/carewatch/internal/backend"
	"procodus.dev/carewatch/internal/ingest"
	"procodus.dev/carewatch/internal/notify"
	"procodus.dev/carewatch/pkg/metrics"
)

const metricsNamespace = "carewatch"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the alerting service",
	Long: `Run the alerting service that:
- Consumes device telemetry and fall events from RabbitMQ and/or MQTT
- Raises safe zone and fall alerts per device
- Records alerts in PostgreSQL (or memory) exactly once
- Notifies the caregiver through Telegram with retries
- Serves the alert history over gRPC`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()

	// Storage
	f.String("db-host", "", "PostgreSQL host (empty keeps alerts in memory)")
	f.Int("db-port", 5432, "PostgreSQL port")
	f.String("db-user", "postgres", "PostgreSQL user")
	f.String("db-password", "", "PostgreSQL password")
	f.String("db-name", "carewatch", "PostgreSQL database name")
	f.String("db-sslmode", "disable", "PostgreSQL SSL mode")
	f.Duration("db-slow-query", 0, "Log SQL statements slower than this (0 disables)")
	f.String("redis-addr", "", "Redis address for device state (empty keeps state in memory)")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database")
	f.Duration("state-ttl", 0, "forget devices idle for this long (0 keeps them)")

	// Ingest
	f.String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL (empty disables the AMQP source)")
	f.String("queue-name", "carewatch-ingest", "RabbitMQ queue bound to the device routing keys")
	f.String("exchange", "amq.topic", "RabbitMQ exchange carrying device messages")
	f.Int("prefetch", backend.DefaultPrefetch, "RabbitMQ prefetch count")
	f.String("mqtt-broker", "", "MQTT broker URL (empty disables the MQTT source)")
	f.String("mqtt-client-id", "carewatch-serve", "MQTT client ID")
	f.String("mqtt-username", "", "MQTT username")
	f.String("mqtt-password", "", "MQTT password")
	f.Int("mqtt-qos", 1, "MQTT subscription QoS")
	f.Int("shards", 0, "number of processing shards (0 uses the default)")
	f.Int("shard-queue", 0, "messages buffered per shard (0 uses the default)")

	// Alerting
	f.Float64("home-latitude", 0, "safe zone center latitude")
	f.Float64("home-longitude", 0, "safe zone center longitude")
	f.Float64("home-radius", 100, "safe zone radius in meters")
	f.Float64("fall-threshold", backend.DefaultFallThresholdG, "acceleration in g above which a fall event alerts")
	f.Duration("fall-debounce", backend.DefaultFallDebounce, "minimum time between fall alerts per device")
	f.Bool("alert-on-return", true, "alert when a device returns to its safe zone")
	f.Duration("alert-bucket", 0, "coarsen alert identity to this time bucket (0 keys on the exact observation time)")

	// Notifications
	f.String("telegram-token", "", "Telegram bot token (empty logs notifications)")
	f.String("telegram-chat-id", "", "Telegram chat receiving alerts")
	f.String("telegram-url", notify.DefaultTelegramURL, "Telegram Bot API base URL")
	f.Int("dispatch-workers", 0, "notification workers (0 uses the default)")
	f.Int("dispatch-queue", 0, "queued notifications (0 uses the default)")
	f.Int("dispatch-attempts", 0, "delivery attempts per notification (0 uses the default)")
	f.String("dispatch-admission", string(notify.AdmitBlock), "policy when the queue is full (block, drop-oldest)")

	// Servers
	f.Int("grpc-port", 9090, "gRPC server port")
	f.Int("metrics-port", 9100, "metrics and health port (0 disables)")
	f.Duration("shutdown-timeout", backend.DefaultShutdownTimeout, "time allowed to flush notifications on shutdown")

	// Bind flags to viper
	for key, flag := range map[string]string{
		"serve.db.host":              "db-host",
		"serve.db.port":              "db-port",
		"serve.db.user":              "db-user",
		"serve.db.password":          "db-password",
		"serve.db.name":              "db-name",
		"serve.db.sslmode":           "db-sslmode",
		"serve.db.slow_query":        "db-slow-query",
		"serve.redis.addr":           "redis-addr",
		"serve.redis.password":       "redis-password",
		"serve.redis.db":             "redis-db",
		"serve.state_ttl":            "state-ttl",
		"serve.rabbitmq.url":         "rabbitmq-url",
		"serve.rabbitmq.queue_name":  "queue-name",
		"serve.rabbitmq.exchange":    "exchange",
		"serve.rabbitmq.prefetch":    "prefetch",
		"serve.mqtt.broker":          "mqtt-broker",
		"serve.mqtt.client_id":       "mqtt-client-id",
		"serve.mqtt.username":        "mqtt-username",
		"serve.mqtt.password":        "mqtt-password",
		"serve.mqtt.qos":             "mqtt-qos",
		"serve.shards":               "shards",
		"serve.shard_queue":          "shard-queue",
		"serve.home.latitude":        "home-latitude",
		"serve.home.longitude":       "home-longitude",
		"serve.home.radius_meters":   "home-radius",
		"serve.alerting.fall_g":      "fall-threshold",
		"serve.alerting.debounce":    "fall-debounce",
		"serve.alerting.on_return":   "alert-on-return",
		"serve.alerting.bucket":      "alert-bucket",
		"serve.telegram.token":       "telegram-token",
		"serve.telegram.chat_id":     "telegram-chat-id",
		"serve.telegram.url":         "telegram-url",
		"serve.dispatch.workers":     "dispatch-workers",
		"serve.dispatch.queue_size":  "dispatch-queue",
		"serve.dispatch.attempts":    "dispatch-attempts",
		"serve.dispatch.admission":   "dispatch-admission",
		"serve.grpc.port":            "grpc-port",
		"serve.metrics.port":         "metrics-port",
		"serve.shutdown_timeout":     "shutdown-timeout",
	} {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

// serveConfig builds the service configuration from viper.
func serveConfig(v *viper.Viper) (*backend.ServerConfig, error) {
	zones, err := geofenceConfig(v, "serve")
	if err != nil {
		return nil, err
	}

	admission, err := notify.ParseAdmission(v.GetString("serve.dispatch.admission"))
	if err != nil {
		return nil, err
	}

	config := &backend.ServerConfig{
		RedisAddr:       v.GetString("serve.redis.addr"),
		RedisPassword:   v.GetString("serve.redis.password"),
		RedisDB:         v.GetInt("serve.redis.db"),
		StateTTL:        v.GetDuration("serve.state_ttl"),
		RabbitMQURL:     v.GetString("serve.rabbitmq.url"),
		QueueName:       v.GetString("serve.rabbitmq.queue_name"),
		Exchange:        v.GetString("serve.rabbitmq.exchange"),
		Prefetch:        v.GetInt("serve.rabbitmq.prefetch"),
		Shards:          v.GetInt("serve.shards"),
		ShardQueue:      v.GetInt("serve.shard_queue"),
		Geofence:        zones,
		FallThresholdG:  v.GetFloat64("serve.alerting.fall_g"),
		FallDebounce:    v.GetDuration("serve.alerting.debounce"),
		AlertOnReturn:   v.GetBool("serve.alerting.on_return"),
		AlertBucket:     v.GetDuration("serve.alerting.bucket"),
		GRPCPort:        v.GetInt("serve.grpc.port"),
		MetricsPort:     v.GetInt("serve.metrics.port"),
		ShutdownTimeout: v.GetDuration("serve.shutdown_timeout"),
		Dispatch: notify.DispatcherConfig{
			Recipient:   v.GetString("serve.telegram.chat_id"),
			Admission:   admission,
			Workers:     v.GetInt("serve.dispatch.workers"),
			QueueSize:   v.GetInt("serve.dispatch.queue_size"),
			MaxAttempts: v.GetInt("serve.dispatch.attempts"),
		},
	}

	if host := v.GetString("serve.db.host"); host != "" {
		config.DB = &backend.DBConfig{
			Host:     host,
			Port:     v.GetInt("serve.db.port"),
			User:     v.GetString("serve.db.user"),
			Password: v.GetString("serve.db.password"),
			DBName:   v.GetString("serve.db.name"),
			SSLMode:  v.GetString("serve.db.sslmode"),

			SlowQuery: v.GetDuration("serve.db.slow_query"),
		}
	}

	if broker := v.GetString("serve.mqtt.broker"); broker != "" {
		config.MQTT = &ingest.MQTTConfig{
			Broker:   broker,
			ClientID: v.GetString("serve.mqtt.client_id"),
			Username: v.GetString("serve.mqtt.username"),
			Password: v.GetString("serve.mqtt.password"),
			QoS:      byte(v.GetInt("serve.mqtt.qos")),
		}
	}

	if token := v.GetString("serve.telegram.token"); token != "" {
		config.Telegram = &notify.TelegramConfig{
			BaseURL: v.GetString("serve.telegram.url"),
			Token:   token,
			Timeout: 15 * time.Second,
		}
	}

	return config, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := GetLogger("carewatch-serve")
	logger.Info("starting alerting service")

	config, err := serveConfig(viper.GetViper())
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return err
	}
	config.Logger = logger
	if config.DB != nil {
		config.DB.Logger = logger
	}
	config.Metrics = metrics.NewPipelineMetrics(metricsNamespace)
	config.APIMetrics = metrics.NewAPIMetrics(metricsNamespace)
	config.MQMetrics = metrics.NewMQMetrics(metricsNamespace)

	server, err := backend.NewServer(config)
	if err != nil {
		logger.Error("failed to create alerting service", "error", err)
		return err
	}

	logger.Info("alerting service configuration",
		"db_host", viper.GetString("serve.db.host"),
		"redis_addr", config.RedisAddr,
		"rabbitmq_url", config.RabbitMQURL,
		"queue_name", config.QueueName,
		"mqtt_enabled", config.MQTT != nil,
		"areas", len(config.Geofence.Areas),
		"telegram_enabled", config.Telegram != nil,
		"grpc_port", config.GRPCPort,
		"metrics_port", config.MetricsPort,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("alerting service error", "error", err)
		return err
	}

	logger.Info("alerting service stopped")
	return nil
}
