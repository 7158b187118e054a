// Package alerting turns device observations into edge-triggered alerts.
//
// Two independent state machines run per device. The geofence machine only
// alerts on Inside/Outside transitions and never on the first classification
// of a device. The fall machine is a stateless threshold trigger debounced by
// the time of the last fall alert.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/carewatch/internal/alertlog"
	"procodus.dev/carewatch/internal/devicestate"
	"procodus.dev/carewatch/internal/geofence"
)

// Telemetry is a position report from a device.
type Telemetry struct {
	ObservedAt time.Time
	DeviceID   string
	Position   geofence.Point
}

// FallEvent is an accelerometer report from a device.
type FallEvent struct {
	ObservedAt    time.Time
	DeviceID      string
	AccelerationG float64
	Pitch         float64
	Roll          float64
}

// Reason explains why an evaluation produced no alert.
type Reason string

// Suppression reasons.
const (
	ReasonNone           Reason = ""
	ReasonFirstContact   Reason = "first_contact"
	ReasonUnchanged      Reason = "unchanged"
	ReasonReturnDisabled Reason = "return_alert_disabled"
	ReasonNoArea         Reason = "no_area"
	ReasonBelowThreshold Reason = "below_threshold"
	ReasonDebounced      Reason = "debounced"
)

// Outcome is the result of one evaluation.
type Outcome struct {
	// Alert is the recorded alert, nil when suppressed.
	Alert *alertlog.Event
	// Reason is set when no alert was produced.
	Reason Reason
	// Containment is the classification of a telemetry point.
	Containment geofence.Containment
}

// Emitter records an alert and returns it as stored. A failed emit leaves the
// device state as it was before the evaluation.
type Emitter func(ctx context.Context, e alertlog.Event) (alertlog.Event, error)

// AreaResolver finds the safe zone of a device.
type AreaResolver interface {
	Resolve(deviceID string) (geofence.Area, error)
}

// MachineConfig holds the configuration for Machine.
type MachineConfig struct {
	Logger *slog.Logger
	Store  devicestate.Store
	Areas  AreaResolver
	// FallThresholdG is the acceleration a fall event must exceed.
	FallThresholdG float64
	// FallDebounce suppresses fall alerts closer than this to the previous one.
	FallDebounce time.Duration
	// AlertOnReturn enables ReturnedToSafeZone alerts.
	AlertOnReturn bool
}

// Machine evaluates observations against the per-device state machines.
type Machine struct {
	logger        *slog.Logger
	store         devicestate.Store
	areas         AreaResolver
	threshold     float64
	debounce      time.Duration
	alertOnReturn bool
}

// NewMachine creates a new Machine instance.
func NewMachine(cfg *MachineConfig) (*Machine, error) {
	if cfg == nil {
		return nil, errors.New("machine config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("device state store cannot be nil")
	}

	if cfg.Areas == nil {
		return nil, errors.New("area resolver cannot be nil")
	}

	if cfg.FallThresholdG <= 0 {
		return nil, errors.New("fall threshold must be positive")
	}

	if cfg.FallDebounce < 0 {
		return nil, errors.New("fall debounce cannot be negative")
	}

	return &Machine{
		logger:        cfg.Logger,
		store:         cfg.Store,
		areas:         cfg.Areas,
		threshold:     cfg.FallThresholdG,
		debounce:      cfg.FallDebounce,
		alertOnReturn: cfg.AlertOnReturn,
	}, nil
}

// EvaluatePosition stores the new position and emits LeftSafeZone or
// ReturnedToSafeZone when the containment changed.
func (m *Machine) EvaluatePosition(ctx context.Context, t Telemetry, emit Emitter) (Outcome, error) {
	log := m.logger.With("device_id", t.DeviceID)

	area, err := m.areas.Resolve(t.DeviceID)
	if err != nil {
		// Keep tracking the position, but never guess a zone.
		if _, swapErr := m.store.UpdateAndSwap(ctx, devicestate.Update{
			DeviceID:   t.DeviceID,
			Latitude:   t.Position.Latitude,
			Longitude:  t.Position.Longitude,
			ObservedAt: t.ObservedAt,
		}); swapErr != nil {
			return Outcome{}, fmt.Errorf("failed to update device state: %w", swapErr)
		}
		log.Warn("geofence evaluation skipped", "reason", ReasonNoArea, "error", err)
		return Outcome{Reason: ReasonNoArea}, nil
	}

	current := geofence.Classify(area, t.Position)

	prev, err := m.store.UpdateAndSwap(ctx, devicestate.Update{
		DeviceID:    t.DeviceID,
		Latitude:    t.Position.Latitude,
		Longitude:   t.Position.Longitude,
		ObservedAt:  t.ObservedAt,
		Containment: current,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to update device state: %w", err)
	}

	outcome := Outcome{Containment: current}

	var kind alertlog.Kind
	switch {
	case prev.Containment == geofence.Unknown:
		outcome.Reason = ReasonFirstContact
	case prev.Containment == current:
		outcome.Reason = ReasonUnchanged
	case current == geofence.Outside:
		kind = alertlog.LeftSafeZone
	case m.alertOnReturn:
		kind = alertlog.ReturnedToSafeZone
	default:
		outcome.Reason = ReasonReturnDisabled
	}

	if kind == "" {
		log.Debug("no geofence alert",
			"reason", outcome.Reason,
			"containment", current.String(),
			"area_id", area.ID,
		)
		return outcome, nil
	}

	location := t.Position
	recorded, err := emit(ctx, alertlog.Event{
		DeviceID:   t.DeviceID,
		Kind:       kind,
		OccurredAt: t.ObservedAt,
		Location:   &location,
	})
	if err != nil {
		m.restore(ctx, prev)
		return Outcome{}, err
	}

	log.Info("geofence transition",
		"kind", kind,
		"from", prev.Containment.String(),
		"to", current.String(),
		"area_id", area.ID,
		"alert_id", recorded.ID,
	)

	outcome.Alert = &recorded
	return outcome, nil
}

// restore writes back the state that preceded a transition whose alert could
// not be recorded, so a redelivered message evaluates the same transition again.
func (m *Machine) restore(ctx context.Context, prev devicestate.State) {
	_, err := m.store.UpdateAndSwap(ctx, devicestate.Update{
		DeviceID:    prev.DeviceID,
		Latitude:    prev.Latitude,
		Longitude:   prev.Longitude,
		ObservedAt:  prev.UpdatedAt,
		Containment: prev.Containment,
	})
	if err != nil {
		m.logger.Error("failed to restore device state",
			"device_id", prev.DeviceID,
			"error", err,
		)
	}
}

// EvaluateFall emits FallDetected when the acceleration exceeds the threshold
// and no fall alert was raised for the device within the debounce window.
func (m *Machine) EvaluateFall(ctx context.Context, f FallEvent, emit Emitter) (Outcome, error) {
	log := m.logger.With("device_id", f.DeviceID)

	if f.AccelerationG <= m.threshold {
		log.Debug("fall event below threshold",
			"acceleration_g", f.AccelerationG,
			"threshold_g", m.threshold,
		)
		return Outcome{Reason: ReasonBelowThreshold}, nil
	}

	st, _, err := m.store.Get(ctx, f.DeviceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to read device state: %w", err)
	}

	if st.LastFallAlertAt != nil && absDuration(f.ObservedAt.Sub(*st.LastFallAlertAt)) < m.debounce {
		log.Info("fall alert suppressed",
			"reason", ReasonDebounced,
			"acceleration_g", f.AccelerationG,
			"last_fall_alert_at", st.LastFallAlertAt,
		)
		return Outcome{Reason: ReasonDebounced}, nil
	}

	event := alertlog.Event{
		DeviceID:   f.DeviceID,
		Kind:       alertlog.FallDetected,
		OccurredAt: f.ObservedAt,
	}
	if st.Known() {
		location := st.Position()
		event.Location = &location
	}

	recorded, err := emit(ctx, event)
	if err != nil {
		return Outcome{}, err
	}

	if err := m.store.RecordFallAlert(ctx, f.DeviceID, f.ObservedAt); err != nil {
		return Outcome{Alert: &recorded}, fmt.Errorf("failed to record fall alert time: %w", err)
	}

	log.Info("fall detected",
		"acceleration_g", f.AccelerationG,
		"pitch", f.Pitch,
		"roll", f.Roll,
		"alert_id", recorded.ID,
	)

	return Outcome{Alert: &recorded}, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
