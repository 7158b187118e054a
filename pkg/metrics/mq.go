package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics instruments the RabbitMQ client shared by the ingest source,
// the simulator and the e2e publishers.
type MQMetrics struct {
	MessagesPushed    *prometheus.CounterVec
	PushFailures      *prometheus.CounterVec
	PushDuration      *prometheus.HistogramVec
	ReconnectAttempts prometheus.Counter
	ConnectionStatus  prometheus.Gauge
	Subscriptions     prometheus.Counter
}

// NewMQMetrics creates MQ client metrics on the global registry.
func NewMQMetrics(namespace string) *MQMetrics {
	return NewMQMetricsWith(Registry, namespace)
}

// NewMQMetricsWith creates MQ client metrics and registers them with reg.
func NewMQMetricsWith(reg prometheus.Registerer, namespace string) *MQMetrics {
	m := &MQMetrics{
		MessagesPushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_pushed_total",
				Help:      "Publisher-confirmed messages by routing key",
			},
			[]string{"routing_key"},
		),
		PushFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "push_failures_total",
				Help:      "Pushes abandoned by routing key and reason",
			},
			[]string{"routing_key", "reason"}, // reason: max_retries_exceeded, context_canceled
		),
		PushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "push_duration_seconds",
				Help:      "Time from push to broker confirmation, retries included",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15},
			},
			[]string{"routing_key"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "reconnect_attempts_total",
				Help:      "Dial attempts made after a lost or failed connection",
			},
		),
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "connection_status",
				Help:      "1 while the broker channel is ready, 0 otherwise",
			},
		),
		Subscriptions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "subscriptions_total",
				Help:      "Consumer subscriptions opened on the ingest queue",
			},
		),
	}

	reg.MustRegister(
		m.MessagesPushed,
		m.PushFailures,
		m.PushDuration,
		m.ReconnectAttempts,
		m.ConnectionStatus,
		m.Subscriptions,
	)

	return m
}
