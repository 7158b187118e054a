package geofence

import (
	"errors"
	"fmt"
)

// ResolverConfig describes the configured areas and which device uses which.
type ResolverConfig struct {
	// Areas are the available safe zones.
	Areas []Area `mapstructure:"areas"`
	// Assignments maps a device ID to an area ID.
	Assignments map[string]string `mapstructure:"assignments"`
	// DefaultAreaID is used for devices without an assignment. Empty disables the fallback.
	DefaultAreaID string `mapstructure:"default_area"`
}

// Resolver looks up the safe zone for a device. It is immutable after
// construction and safe for concurrent use.
type Resolver struct {
	areas       map[string]Area
	assignments map[string]string
	defaultArea string
}

// NewResolver validates cfg and builds a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	areas := make(map[string]Area, len(cfg.Areas))
	for _, area := range cfg.Areas {
		if err := area.Validate(); err != nil {
			return nil, err
		}
		if _, dup := areas[area.ID]; dup {
			return nil, fmt.Errorf("duplicate area id %q", area.ID)
		}
		areas[area.ID] = area
	}

	if cfg.DefaultAreaID != "" {
		if _, ok := areas[cfg.DefaultAreaID]; !ok {
			return nil, fmt.Errorf("default area %q is not defined", cfg.DefaultAreaID)
		}
	}

	assignments := make(map[string]string, len(cfg.Assignments))
	for deviceID, areaID := range cfg.Assignments {
		if deviceID == "" {
			return nil, errors.New("assignment device id cannot be empty")
		}
		if _, ok := areas[areaID]; !ok {
			return nil, fmt.Errorf("device %q assigned to undefined area %q", deviceID, areaID)
		}
		assignments[deviceID] = areaID
	}

	return &Resolver{
		areas:       areas,
		assignments: assignments,
		defaultArea: cfg.DefaultAreaID,
	}, nil
}

// Resolve returns the area for deviceID, falling back to the default area.
func (r *Resolver) Resolve(deviceID string) (Area, error) {
	if areaID, ok := r.assignments[deviceID]; ok {
		return r.areas[areaID], nil
	}

	if r.defaultArea != "" {
		return r.areas[r.defaultArea], nil
	}

	return Area{}, fmt.Errorf("device %q: %w", deviceID, ErrNoArea)
}

// Classify resolves the device's area and classifies p against it.
func (r *Resolver) Classify(deviceID string, p Point) (Containment, Area, error) {
	area, err := r.Resolve(deviceID)
	if err != nil {
		return Unknown, Area{}, err
	}
	return Classify(area, p), area, nil
}
