package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/carewatch/internal/geofence"
	"procodus.dev/carewatch/internal/producer"
	"procodus.dev/carewatch/pkg/generator"
	"procodus.dev/carewatch/pkg/metrics"
	"procodus.dev/carewatch/pkg/mq"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the wearer simulator",
	Long: `Run the wearer simulator that:
- Walks synthetic wearers around a safe zone, sometimes leaving it
- Publishes telemetry and occasional fall events
- Publishes over RabbitMQ or MQTT
- Supports multiple concurrent producers`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	f := simulateCmd.Flags()
	f.String("transport", producer.TransportAMQP, "transport to publish over (amqp, mqtt)")
	f.String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	f.String("exchange", mq.TopicExchange, "RabbitMQ exchange receiving device messages")
	f.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker URL")
	f.String("mqtt-client-id", "carewatch-simulate", "MQTT client ID prefix")
	f.String("mqtt-username", "", "MQTT username")
	f.String("mqtt-password", "", "MQTT password")
	f.Int("mqtt-qos", 1, "MQTT publish QoS")
	f.Int("producer-count", 2, "Number of concurrent producers")
	f.Int("wearers", 5, "Wearers simulated per producer")
	f.Duration("interval", 5*time.Second, "Interval between steps")
	f.Float64("home-latitude", -23.5505, "safe zone center latitude")
	f.Float64("home-longitude", -46.6333, "safe zone center longitude")
	f.Float64("home-radius", generator.DefaultRadiusMeters, "safe zone radius in meters")
	f.Float64("roam-chance", generator.DefaultRoamChance, "per-step probability of leaving the safe zone")
	f.Float64("fall-chance", generator.DefaultFallChance, "per-step probability of a fall")
	f.Uint64("seed", 0, "random seed (0 picks one)")
	f.Int("metrics-port", 0, "metrics port (0 disables)")

	for key, flag := range map[string]string{
		"simulate.transport":          "transport",
		"simulate.rabbitmq.url":       "rabbitmq-url",
		"simulate.rabbitmq.exchange":  "exchange",
		"simulate.mqtt.broker":        "mqtt-broker",
		"simulate.mqtt.client_id":     "mqtt-client-id",
		"simulate.mqtt.username":      "mqtt-username",
		"simulate.mqtt.password":      "mqtt-password",
		"simulate.mqtt.qos":           "mqtt-qos",
		"simulate.producer_count":     "producer-count",
		"simulate.wearers":            "wearers",
		"simulate.interval":           "interval",
		"simulate.home.latitude":      "home-latitude",
		"simulate.home.longitude":     "home-longitude",
		"simulate.home.radius_meters": "home-radius",
		"simulate.roam_chance":        "roam-chance",
		"simulate.fall_chance":        "fall-chance",
		"simulate.seed":               "seed",
		"simulate.metrics.port":       "metrics-port",
	} {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

// simulateConfig builds the simulator configuration from viper.
func simulateConfig(v *viper.Viper) *producer.ServerConfig {
	return &producer.ServerConfig{
		Transport:   v.GetString("simulate.transport"),
		RabbitMQURL: v.GetString("simulate.rabbitmq.url"),
		Exchange:    v.GetString("simulate.rabbitmq.exchange"),
		MQTT: &producer.MQTTPublisherConfig{
			Broker:   v.GetString("simulate.mqtt.broker"),
			ClientID: v.GetString("simulate.mqtt.client_id"),
			Username: v.GetString("simulate.mqtt.username"),
			Password: v.GetString("simulate.mqtt.password"),
			QoS:      byte(v.GetInt("simulate.mqtt.qos")),
		},
		Generator: generator.Config{
			Home: geofence.Point{
				Latitude:  v.GetFloat64("simulate.home.latitude"),
				Longitude: v.GetFloat64("simulate.home.longitude"),
			},
			RadiusMeters: v.GetFloat64("simulate.home.radius_meters"),
			RoamChance:   v.GetFloat64("simulate.roam_chance"),
			FallChance:   v.GetFloat64("simulate.fall_chance"),
			Seed:         v.GetUint64("simulate.seed"),
		},
		Interval:           v.GetDuration("simulate.interval"),
		ProducerCount:      v.GetInt("simulate.producer_count"),
		WearersPerProducer: v.GetInt("simulate.wearers"),
	}
}

func runSimulate(_ *cobra.Command, _ []string) error {
	logger := GetLogger("carewatch-simulate")
	logger.Info("starting simulator")

	config := simulateConfig(viper.GetViper())
	config.Logger = logger
	config.Metrics = metrics.NewSimulatorMetrics(metricsNamespace)
	config.MQMetrics = metrics.NewMQMetrics(metricsNamespace)

	server, err := producer.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	logger.Info("simulator configuration",
		"transport", config.Transport,
		"producer_count", config.ProducerCount,
		"wearers_per_producer", config.WearersPerProducer,
		"interval", config.Interval,
		"home_latitude", config.Generator.Home.Latitude,
		"home_longitude", config.Generator.Home.Longitude,
	)

	if port := viper.GetInt("simulate.metrics.port"); port > 0 {
		stop := serveMetrics(logger, port)
		defer stop()
	}

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator error", "error", err)
		return err
	}

	logger.Info("simulator stopped")
	return nil
}
