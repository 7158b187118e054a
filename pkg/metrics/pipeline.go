package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains Prometheus metrics for the alert pipeline:
// ingestion, evaluation, the alert log and notification dispatch.
type PipelineMetrics struct {
	MessagesTotal         *prometheus.CounterVec
	ParseErrors           *prometheus.CounterVec
	ProcessingDuration    *prometheus.HistogramVec
	ShardQueueDepth       *prometheus.GaugeVec
	AlertsEmitted         *prometheus.CounterVec
	EvaluationsSuppressed *prometheus.CounterVec
	AppendRetries         prometheus.Counter
	AppendFailures        prometheus.Counter
	DispatchJobs          *prometheus.CounterVec
	DispatchAttempts      *prometheus.CounterVec
	DispatchQueueDepth    prometheus.Gauge
	EnqueueRejected       *prometheus.CounterVec
	DevicesEvicted        prometheus.Counter
}

// NewPipelineMetrics creates and registers pipeline metrics with the global registry.
func NewPipelineMetrics(namespace string) *PipelineMetrics {
	return NewPipelineMetricsWith(Registry, namespace)
}

// NewPipelineMetricsWith creates pipeline metrics and registers them with reg.
func NewPipelineMetricsWith(reg prometheus.Registerer, namespace string) *PipelineMetrics {
	m := &PipelineMetrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "messages_total",
				Help:      "Total number of inbound device messages",
			},
			[]string{"topic", "status"}, // status: processed, parse_error, failed, unrouted
		),
		ParseErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "parse_errors_total",
				Help:      "Total number of dropped malformed payloads",
			},
			[]string{"topic"},
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "processing_duration_seconds",
				Help:      "Duration of per-message evaluation",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		ShardQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "shard_queue_depth",
				Help:      "Number of messages waiting in each device shard",
			},
			[]string{"shard"},
		),
		AlertsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerting",
				Name:      "alerts_emitted_total",
				Help:      "Total number of alerts recorded in the alert log",
			},
			[]string{"kind"},
		),
		EvaluationsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerting",
				Name:      "evaluations_suppressed_total",
				Help:      "Total number of evaluations that produced no alert",
			},
			[]string{"reason"},
		),
		AppendRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alertlog",
				Name:      "append_retries_total",
				Help:      "Total number of retried alert log appends",
			},
		),
		AppendFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alertlog",
				Name:      "append_failures_total",
				Help:      "Total number of alerts that could not be recorded",
			},
		),
		DispatchJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "jobs_total",
				Help:      "Total number of notification jobs by final status",
			},
			[]string{"status"}, // status: sent, failed
		),
		DispatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "attempts_total",
				Help:      "Total number of send attempts",
			},
			[]string{"status"}, // status: success, error
		),
		DispatchQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "queue_depth",
				Help:      "Number of notification jobs waiting for a worker",
			},
		),
		EnqueueRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "enqueue_rejected_total",
				Help:      "Total number of notification jobs rejected or dropped at admission",
			},
			[]string{"reason"}, // reason: timeout, dropped_oldest, closed
		),
		DevicesEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "devicestate",
				Name:      "evicted_total",
				Help:      "Total number of device states evicted for inactivity",
			},
		),
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.ParseErrors,
		m.ProcessingDuration,
		m.ShardQueueDepth,
		m.AlertsEmitted,
		m.EvaluationsSuppressed,
		m.AppendRetries,
		m.AppendFailures,
		m.DispatchJobs,
		m.DispatchAttempts,
		m.DispatchQueueDepth,
		m.EnqueueRejected,
		m.DevicesEvicted,
	)

	return m
}
