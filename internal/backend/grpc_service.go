package backend

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"procodus.dev/carewatch/internal/alertlog"
	"procodus.dev/carewatch/pkg/alertpb"
	"procodus.dev/carewatch/pkg/metrics"
)

// Page sizes for ListAlerts.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// AlertService implements the gRPC AlertService over the alert log.
type AlertService struct {
	logger  *slog.Logger
	log     alertlog.Log
	metrics *metrics.APIMetrics // Optional metrics
}

// NewAlertService creates a new AlertService instance.
func NewAlertService(logger *slog.Logger, log alertlog.Log, m *metrics.APIMetrics) (*AlertService, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if log == nil {
		return nil, errors.New("alert log cannot be nil")
	}

	return &AlertService{
		logger:  logger,
		log:     log,
		metrics: m,
	}, nil
}

// ListAlerts returns alerts in ascending ID order, optionally filtered by
// device and kind. The page token is the ID of the last alert of the
// previous page.
func (s *AlertService) ListAlerts(ctx context.Context, req *alertpb.ListAlertsRequest) (*alertpb.ListAlertsResponse, error) {
	const method = "ListAlerts"

	// Track in-flight requests
	if s.metrics != nil {
		s.metrics.GRPCRequestsInFlight.WithLabelValues(method).Inc()
		defer s.metrics.GRPCRequestsInFlight.WithLabelValues(method).Dec()
	}

	// Track duration
	var timer *prometheus.Timer
	if s.metrics != nil {
		timer = prometheus.NewTimer(s.metrics.GRPCRequestDuration.WithLabelValues(method))
		defer timer.ObserveDuration()
	}

	resp, err := s.listAlerts(ctx, req)
	if s.metrics != nil {
		result := "success"
		if err != nil {
			result = "error"
		}
		s.metrics.GRPCRequestsTotal.WithLabelValues(method, result).Inc()
	}
	return resp, err
}

func (s *AlertService) listAlerts(ctx context.Context, req *alertpb.ListAlertsRequest) (*alertpb.ListAlertsResponse, error) {
	if req.Kind != "" && !alertlog.Kind(req.Kind).Valid() {
		return nil, status.Errorf(codes.InvalidArgument, "unknown alert kind %q", req.Kind)
	}

	pageSize := req.PageSize
	switch {
	case pageSize == 0:
		pageSize = DefaultPageSize
	case pageSize < 0 || pageSize > MaxPageSize:
		return nil, status.Errorf(codes.InvalidArgument, "page_size must be between 1 and %d", MaxPageSize)
	}

	var after uint64
	if req.PageToken != "" {
		var err error
		after, err = strconv.ParseUint(req.PageToken, 10, 64)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "invalid page_token")
		}
	}

	s.logger.Debug("ListAlerts called",
		"device_id", req.DeviceID,
		"kind", req.Kind,
		"page_token", req.PageToken,
		"page_size", pageSize,
	)

	// One extra row tells whether another page follows.
	events, err := s.log.Page(ctx, alertlog.Query{
		DeviceID: req.DeviceID,
		Kind:     alertlog.Kind(req.Kind),
		AfterID:  after,
		Limit:    pageSize + 1,
	})
	if err != nil {
		s.logger.Error("failed to list alerts", "error", err)
		return nil, status.Errorf(codes.Internal, "failed to list alerts: %v", err)
	}

	resp := &alertpb.ListAlertsResponse{}
	if len(events) > pageSize {
		events = events[:pageSize]
		resp.NextPageToken = strconv.FormatUint(events[pageSize-1].ID, 10)
	}
	resp.Alerts = make([]alertpb.Alert, 0, len(events))
	for _, e := range events {
		resp.Alerts = append(resp.Alerts, toAlert(e))
	}

	s.logger.Debug("listed alerts", "count", len(resp.Alerts))
	return resp, nil
}

func toAlert(e alertlog.Event) alertpb.Alert {
	a := alertpb.Alert{
		ID:         e.ID,
		DeviceID:   e.DeviceID,
		Kind:       string(e.Kind),
		OccurredAt: e.OccurredAt,
	}
	if e.Location != nil {
		lat, lon := e.Location.Latitude, e.Location.Longitude
		a.Latitude, a.Longitude = &lat, &lon
	}
	return a
}
