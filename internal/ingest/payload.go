// Package ingest receives device messages from the transport, decodes them
// and runs them through the alert pipeline in per-device order.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"procodus.dev/carewatch/internal/alerting"
	"procodus.dev/carewatch/internal/geofence"
)

// ErrParse marks a payload that failed structural validation. Such messages
// are dropped and never retried.
var ErrParse = errors.New("malformed payload")

// Epoch numbers above epochMillisThreshold are read as milliseconds, below as
// seconds. maxEpochMillis is 9999-12-31T23:59:59.999Z; anything larger would
// overflow the int64 conversion.
const (
	epochMillisThreshold = 1e11
	maxEpochMillis       = 253402300799999
)

type telemetryPayload struct {
	DeviceID   *string         `json:"deviceId"`
	Latitude   *float64        `json:"latitude"`
	Longitude  *float64        `json:"longitude"`
	ObservedAt json.RawMessage `json:"observedAt"`
}

type fallPayload struct {
	DeviceID      *string         `json:"deviceId"`
	AccelerationG *float64        `json:"accelerationG"`
	Pitch         *float64        `json:"pitch"`
	Roll          *float64        `json:"roll"`
	ObservedAt    json.RawMessage `json:"observedAt"`
}

func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrParse, err)
	}
	return nil
}

func requireDevice(id *string) (string, error) {
	if id == nil || *id == "" {
		return "", fmt.Errorf("%w: missing deviceId", ErrParse)
	}
	return *id, nil
}

// ParseTelemetry decodes a device/telemetry payload.
func ParseTelemetry(data []byte) (alerting.Telemetry, error) {
	var p telemetryPayload
	if err := decode(data, &p); err != nil {
		return alerting.Telemetry{}, err
	}

	deviceID, err := requireDevice(p.DeviceID)
	if err != nil {
		return alerting.Telemetry{}, err
	}

	if p.Latitude == nil || p.Longitude == nil {
		return alerting.Telemetry{}, fmt.Errorf("%w: missing coordinates", ErrParse)
	}

	pos := geofence.Point{Latitude: *p.Latitude, Longitude: *p.Longitude}
	if !pos.Valid() {
		return alerting.Telemetry{}, fmt.Errorf("%w: coordinates out of range (%v, %v)", ErrParse, pos.Latitude, pos.Longitude)
	}

	observedAt, err := parseTimestamp(p.ObservedAt)
	if err != nil {
		return alerting.Telemetry{}, err
	}

	return alerting.Telemetry{DeviceID: deviceID, Position: pos, ObservedAt: observedAt}, nil
}

// ParseFall decodes a device/fall-event payload. Pitch and roll are optional.
func ParseFall(data []byte) (alerting.FallEvent, error) {
	var p fallPayload
	if err := decode(data, &p); err != nil {
		return alerting.FallEvent{}, err
	}

	deviceID, err := requireDevice(p.DeviceID)
	if err != nil {
		return alerting.FallEvent{}, err
	}

	if p.AccelerationG == nil {
		return alerting.FallEvent{}, fmt.Errorf("%w: missing accelerationG", ErrParse)
	}

	observedAt, err := parseTimestamp(p.ObservedAt)
	if err != nil {
		return alerting.FallEvent{}, err
	}

	f := alerting.FallEvent{
		DeviceID:      deviceID,
		AccelerationG: *p.AccelerationG,
		ObservedAt:    observedAt,
	}
	if p.Pitch != nil {
		f.Pitch = *p.Pitch
	}
	if p.Roll != nil {
		f.Roll = *p.Roll
	}
	return f, nil
}

// parseTimestamp accepts an RFC 3339 string or epoch seconds or milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, fmt.Errorf("%w: missing observedAt", ErrParse)
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: observedAt: %w", ErrParse, err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: observedAt: %w", ErrParse, err)
		}
		return t.UTC(), nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("%w: observedAt: %w", ErrParse, err)
	}
	if n <= 0 || n > maxEpochMillis || math.IsInf(n, 0) || math.IsNaN(n) {
		return time.Time{}, fmt.Errorf("%w: observedAt out of range", ErrParse)
	}

	if n >= epochMillisThreshold {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
