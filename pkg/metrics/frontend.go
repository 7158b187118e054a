package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// FrontendMetrics covers the alert listing REST API served by the web
// command and its calls to the backend AlertService.
type FrontendMetrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge
	ResponseSize    *prometheus.HistogramVec
	AlertsServed    prometheus.Counter
	BackendCalls    *prometheus.CounterVec
	BackendDuration prometheus.Histogram
}

// NewFrontendMetrics creates REST API metrics on the global registry.
func NewFrontendMetrics(namespace string) *FrontendMetrics {
	return NewFrontendMetricsWith(Registry, namespace)
}

// NewFrontendMetricsWith creates REST API metrics registered with reg.
func NewFrontendMetricsWith(reg prometheus.Registerer, namespace string) *FrontendMetrics {
	m := &FrontendMetrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "REST requests by route, method and response status",
			},
			[]string{"route", "method", "status_code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "REST request latency by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "REST requests currently being served",
			},
		),
		ResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "response_size_bytes",
				Help:      "REST response body size by route",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
			},
			[]string{"route"},
		),
		AlertsServed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "alerts_served_total",
				Help:      "Alert events returned to REST clients",
			},
		),
		BackendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "list_alerts_total",
				Help:      "ListAlerts calls to the backend by gRPC status code",
			},
			[]string{"code"},
		),
		BackendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "list_alerts_duration_seconds",
				Help:      "ListAlerts round trip latency",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	reg.MustRegister(
		m.Requests,
		m.RequestDuration,
		m.InFlight,
		m.ResponseSize,
		m.AlertsServed,
		m.BackendCalls,
		m.BackendDuration,
	)

	return m
}
