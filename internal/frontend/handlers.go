package frontend

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"procodus.dev/carewatch/internal/geofence"
	"procodus.dev/carewatch/internal/notify"
	"procodus.dev/carewatch/pkg/alertpb"
)

const backendTimeout = 5 * time.Second

// alertJSON is the API representation of an alert.
type alertJSON struct {
	OccurredAt time.Time       `json:"occurredAt"`
	Location   *geofence.Point `json:"location,omitempty"`
	DeviceID   string          `json:"deviceId"`
	Kind       string          `json:"kind"`
	MapLink    string          `json:"mapLink,omitempty"`
	ID         uint64          `json:"id"`
}

type alertsJSON struct {
	Alerts        []alertJSON `json:"alerts"`
	NextPageToken string      `json:"nextPageToken,omitempty"`
}

// handleAlerts serves GET /api/alerts?device_id=&kind=&page_token=&page_size=.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.listAlerts(w, r, r.URL.Query().Get("device_id"))
}

// handleDeviceAlerts serves GET /api/devices/{id}/alerts.
func (s *Server) handleDeviceAlerts(w http.ResponseWriter, r *http.Request) {
	s.listAlerts(w, r, r.PathValue("id"))
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request, deviceID string) {
	q := r.URL.Query()
	req := &alertpb.ListAlertsRequest{
		DeviceID:  deviceID,
		Kind:      q.Get("kind"),
		PageToken: q.Get("page_token"),
	}

	if size := q.Get("page_size"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "page_size must be a positive integer")
			return
		}
		req.PageSize = n
	}

	s.logger.Debug("handling alerts request", "device_id", deviceID, "kind", req.Kind)

	ctx, cancel := context.WithTimeout(r.Context(), backendTimeout)
	defer cancel()

	resp, err := s.callListAlerts(ctx, req)
	if err != nil {
		s.logger.Error("failed to fetch alerts", "error", err, "device_id", deviceID)
		st, _ := status.FromError(err)
		switch st.Code() {
		case codes.InvalidArgument:
			s.writeError(w, http.StatusBadRequest, st.Message())
		case codes.Unavailable, codes.DeadlineExceeded:
			s.writeError(w, http.StatusServiceUnavailable, "alert service unavailable")
		default:
			s.writeError(w, http.StatusBadGateway, "failed to fetch alerts")
		}
		return
	}

	out := alertsJSON{Alerts: make([]alertJSON, 0, len(resp.Alerts)), NextPageToken: resp.NextPageToken}
	for _, a := range resp.Alerts {
		item := alertJSON{
			ID:         a.ID,
			DeviceID:   a.DeviceID,
			Kind:       a.Kind,
			OccurredAt: a.OccurredAt,
		}
		if a.Latitude != nil && a.Longitude != nil {
			item.Location = &geofence.Point{Latitude: *a.Latitude, Longitude: *a.Longitude}
			item.MapLink = notify.MapLink(*item.Location)
		}
		out.Alerts = append(out.Alerts, item)
	}

	s.writeJSON(w, http.StatusOK, out)
}

// callListAlerts calls the backend and records client metrics.
func (s *Server) callListAlerts(ctx context.Context, req *alertpb.ListAlertsRequest) (*alertpb.ListAlertsResponse, error) {
	if s.metrics == nil {
		return s.grpcClient.ListAlerts(ctx, req)
	}

	timer := prometheus.NewTimer(s.metrics.BackendDuration)
	resp, err := s.grpcClient.ListAlerts(ctx, req)
	timer.ObserveDuration()

	s.metrics.BackendCalls.WithLabelValues(status.Code(err).String()).Inc()
	if err == nil {
		s.metrics.AlertsServed.Add(float64(len(resp.Alerts)))
	}
	return resp, err
}

// handleHealth serves health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
