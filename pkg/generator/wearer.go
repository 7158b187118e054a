// Package generator simulates wearable devices: a random walk around a home
// safe zone with occasional excursions, falls and harmless jolts.
package generator

import (
	"errors"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"procodus.dev/carewatch/internal/geofence"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultRadiusMeters   = 100.0
	DefaultStepMeters     = 12.0
	DefaultRoamChance     = 0.02
	DefaultFallChance     = 0.005
	DefaultBumpChance     = 0.02
	DefaultFallThresholdG = 2.5
)

// Telemetry is the JSON position report published on device/telemetry.
type Telemetry struct {
	DeviceID   string    `json:"deviceId"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	ObservedAt time.Time `json:"observedAt"`
}

// Fall is the JSON accelerometer report published on device/fall-event.
type Fall struct {
	DeviceID      string  `json:"deviceId"`
	AccelerationG float64 `json:"accelerationG"`
	Pitch         float64 `json:"pitch"`
	Roll          float64 `json:"roll"`
	// ObservedAt is epoch milliseconds, the way the watch firmware reports it.
	ObservedAt int64 `json:"observedAt"`
}

// Wearer is one simulated watch and the person wearing it.
type Wearer struct {
	DeviceID string         `fake:"{uuid}"`
	Name     string         `fake:"{firstname}"`
	Firmware string         `fake:"{appversion}"`
	Home     geofence.Point `fake:"skip"`
	Position geofence.Point `fake:"skip"`

	heading float64
	roaming bool
}

// Roaming reports whether the wearer is currently heading out of the safe zone.
func (w *Wearer) Roaming() bool {
	return w.roaming
}

// Config tunes the walk and event model.
type Config struct {
	// Home is the center of the safe zone every wearer starts in.
	Home geofence.Point
	// RadiusMeters is the safe zone radius the walk is shaped around.
	RadiusMeters float64
	// StepMeters is the mean distance covered per step.
	StepMeters float64
	// RoamChance is the per-step probability of starting an excursion.
	RoamChance float64
	// FallChance is the per-step probability of a fall.
	FallChance float64
	// BumpChance is the per-step probability of a jolt below the fall threshold.
	BumpChance float64
	// FallThresholdG is the acceleration separating falls from bumps.
	FallThresholdG float64
	// Seed makes the simulation reproducible; zero picks a random seed.
	Seed uint64
}

// Generator produces wearers and their readings. It is not safe for
// concurrent use.
type Generator struct {
	cfg   Config
	faker *gofakeit.Faker
}

// New creates a Generator, filling defaults for zero fields.
func New(cfg Config) (*Generator, error) {
	if !cfg.Home.Valid() {
		return nil, errors.New("home position out of range")
	}

	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = DefaultRadiusMeters
	}
	if cfg.StepMeters <= 0 {
		cfg.StepMeters = DefaultStepMeters
	}
	if cfg.RoamChance <= 0 {
		cfg.RoamChance = DefaultRoamChance
	}
	if cfg.FallChance <= 0 {
		cfg.FallChance = DefaultFallChance
	}
	if cfg.BumpChance <= 0 {
		cfg.BumpChance = DefaultBumpChance
	}
	if cfg.FallThresholdG <= 0 {
		cfg.FallThresholdG = DefaultFallThresholdG
	}

	return &Generator{cfg: cfg, faker: gofakeit.New(cfg.Seed)}, nil
}

// NewWearer creates a wearer placed somewhere inside the safe zone.
func (g *Generator) NewWearer() (*Wearer, error) {
	var w Wearer
	if err := g.faker.Struct(&w); err != nil {
		return nil, err
	}

	w.Home = g.cfg.Home
	w.Position = geofence.Offset(g.cfg.Home,
		g.faker.Float64Range(0, 360),
		g.faker.Float64Range(0, g.cfg.RadiusMeters*0.6))
	w.heading = g.faker.Float64Range(0, 360)

	return &w, nil
}

// Step moves the wearer and returns the resulting position report.
//
// Inside the zone the wearer wanders and turns back near the boundary. An
// excursion walks straight out to half a radius beyond the boundary before
// turning home, so every excursion produces a leave and a return.
func (g *Generator) Step(w *Wearer, now time.Time) Telemetry {
	dist := geofence.Distance(w.Home, w.Position)

	switch {
	case w.roaming && dist > g.cfg.RadiusMeters*1.5:
		w.roaming = false
		w.heading = geofence.Bearing(w.Position, w.Home)
	case w.roaming:
		w.heading = geofence.Bearing(w.Home, w.Position) + g.faker.Float64Range(-10, 10)
	case dist > g.cfg.RadiusMeters*0.8:
		w.heading = geofence.Bearing(w.Position, w.Home) + g.faker.Float64Range(-30, 30)
	case g.faker.Float64() < g.cfg.RoamChance:
		w.roaming = true
		w.heading = geofence.Bearing(w.Home, w.Position)
	default:
		w.heading += g.faker.Float64Range(-45, 45)
	}

	w.Position = geofence.Offset(w.Position, w.heading, g.cfg.StepMeters*g.faker.Float64Range(0.5, 1.5))

	return Telemetry{
		DeviceID:   w.DeviceID,
		Latitude:   w.Position.Latitude,
		Longitude:  w.Position.Longitude,
		ObservedAt: now.UTC(),
	}
}

// Impact rolls for a fall or a harmless jolt. The bool result reports
// whether a reading was produced and the reading is a real fall when its
// acceleration is above the configured threshold.
func (g *Generator) Impact(w *Wearer, now time.Time) (Fall, bool) {
	roll := g.faker.Float64()

	var accel float64
	switch {
	case roll < g.cfg.FallChance:
		accel = g.cfg.FallThresholdG + g.faker.Float64Range(0.2, 4)
	case roll < g.cfg.FallChance+g.cfg.BumpChance:
		accel = g.faker.Float64Range(1.1, g.cfg.FallThresholdG)
	default:
		return Fall{}, false
	}

	return Fall{
		DeviceID:      w.DeviceID,
		AccelerationG: accel,
		Pitch:         g.faker.Float64Range(-90, 90),
		Roll:          g.faker.Float64Range(-180, 180),
		ObservedAt:    now.UnixMilli(),
	}, true
}

// IsFall reports whether f is above the fall threshold.
func (g *Generator) IsFall(f Fall) bool {
	return f.AccelerationG > g.cfg.FallThresholdG
}
