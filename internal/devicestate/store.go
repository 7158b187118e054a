// Package devicestate keeps the last known position, containment and fall
// alert time of every device.
package devicestate

import (
	"context"
	"errors"
	"time"

	"procodus.dev/carewatch/internal/geofence"
)

// ErrEmptyDeviceID is returned for operations without a device ID.
var ErrEmptyDeviceID = errors.New("device id cannot be empty")

// State is the stored state of a single device.
type State struct {
	UpdatedAt       time.Time
	LastFallAlertAt *time.Time
	DeviceID        string
	Latitude        float64
	Longitude       float64
	Containment     geofence.Containment
}

// Position returns the last known position of the device.
func (s State) Position() geofence.Point {
	return geofence.Point{Latitude: s.Latitude, Longitude: s.Longitude}
}

// Known reports whether the device has reported a position before.
func (s State) Known() bool {
	return !s.UpdatedAt.IsZero()
}

// Update is a position write for one device.
type Update struct {
	ObservedAt time.Time
	DeviceID   string
	Latitude   float64
	Longitude  float64
	// Containment is stored alongside the position. Unknown leaves the stored
	// containment untouched.
	Containment geofence.Containment
}

// Store is the device state repository.
//
// UpdateAndSwap is the only operation that must be atomic: it writes the new
// position and returns the state as it was before the write. Callers serialize
// work per device, so a read followed by RecordFallAlert needs no extra lock.
type Store interface {
	UpdateAndSwap(ctx context.Context, u Update) (State, error)
	Get(ctx context.Context, deviceID string) (State, bool, error)
	RecordFallAlert(ctx context.Context, deviceID string, at time.Time) error
	Evict(ctx context.Context, olderThan time.Time) (int, error)
}
