// Package alertlog is the durable, append-only record of safety alerts.
package alertlog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"procodus.dev/carewatch/internal/geofence"
)

// Kind identifies what an alert is about.
type Kind string

const (
	// FallDetected is raised when a fall event exceeds the acceleration threshold.
	FallDetected Kind = "fall_detected"
	// LeftSafeZone is raised when a device moves from inside to outside its area.
	LeftSafeZone Kind = "left_safe_zone"
	// ReturnedToSafeZone is raised when a device moves from outside back inside.
	ReturnedToSafeZone Kind = "returned_to_safe_zone"
)

// Valid reports whether k is a known alert kind.
func (k Kind) Valid() bool {
	switch k {
	case FallDetected, LeftSafeZone, ReturnedToSafeZone:
		return true
	default:
		return false
	}
}

var (
	// ErrInvalidEvent is returned when an event is missing its device or kind.
	ErrInvalidEvent = errors.New("invalid alert event")
)

// Event is an alert as recorded in the log. Events are immutable once appended.
type Event struct {
	OccurredAt time.Time
	Location   *geofence.Point
	DeviceID   string
	Kind       Kind
	ID         uint64
}

// Validate checks the fields required for the natural key.
func (e Event) Validate() error {
	if e.DeviceID == "" {
		return fmt.Errorf("%w: device id is empty", ErrInvalidEvent)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at is zero", ErrInvalidEvent)
	}
	return nil
}

// NaturalKey identifies an event for idempotent appends.
type NaturalKey struct {
	DeviceID string
	Kind     Kind
	Bucket   int64
}

// KeyOf returns the natural key of e. A positive bucket truncates
// OccurredAt to that granularity; otherwise the exact instant is the key, so
// only a redelivery of the same observation collapses onto a stored event.
func KeyOf(e Event, bucket time.Duration) NaturalKey {
	key := NaturalKey{DeviceID: e.DeviceID, Kind: e.Kind}
	if bucket > 0 {
		key.Bucket = e.OccurredAt.UnixNano() / int64(bucket)
	} else {
		key.Bucket = e.OccurredAt.UnixNano()
	}
	return key
}

// Query selects one page of events: those with an ID greater than AfterID
// that match the optional device and kind filters, in ascending ID order.
type Query struct {
	DeviceID string
	Kind     Kind
	AfterID  uint64
	// Limit caps the page; zero or negative returns no events.
	Limit    int
}

func (q Query) matches(e Event) bool {
	if q.DeviceID != "" && e.DeviceID != q.DeviceID {
		return false
	}
	return q.Kind == "" || e.Kind == q.Kind
}

// Log is the alert repository.
//
// Append assigns the next strictly increasing ID and persists the event before
// returning. Re-appending an event with the same natural key returns the ID of
// the stored copy and stores nothing new.
//
// List yields events in ascending ID order. Each range over the returned
// sequence re-reads the log and stops at the newest event present when that
// range started.
//
// Page answers one listing request without scanning events before
// Query.AfterID.
type Log interface {
	Append(ctx context.Context, e Event) (uint64, error)
	List(ctx context.Context) iter.Seq2[Event, error]
	Page(ctx context.Context, q Query) ([]Event, error)
}

// Collect drains a List sequence into a slice.
func Collect(seq iter.Seq2[Event, error]) ([]Event, error) {
	var events []Event
	for e, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, e)
	}
	return events, nil
}
