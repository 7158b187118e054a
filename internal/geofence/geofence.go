// Package geofence classifies device positions against circular safe zones.
package geofence

import (
	"errors"
	"fmt"
	"math"
)

// earthRadiusMeters is the IUGG mean Earth radius.
const earthRadiusMeters = 6371008.8

// ErrNoArea is returned when no safe zone can be resolved for a device.
var ErrNoArea = errors.New("no geofence area configured")

// Containment is the classification of a point against a geofence.
type Containment int

const (
	// Unknown means the device has not been classified yet.
	Unknown Containment = iota
	// Inside means the device is within the safe zone (boundary inclusive).
	Inside
	// Outside means the device is beyond the safe zone radius.
	Outside
)

// String returns the lowercase name of the containment.
func (c Containment) String() string {
	switch c {
	case Inside:
		return "inside"
	case Outside:
		return "outside"
	default:
		return "unknown"
	}
}

// ParseContainment is the inverse of Containment.String.
// Unrecognized values map to Unknown.
func ParseContainment(s string) Containment {
	switch s {
	case "inside":
		return Inside
	case "outside":
		return Outside
	default:
		return Unknown
	}
}

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the point lies within the WGS84 coordinate range.
func (p Point) Valid() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180 &&
		!math.IsNaN(p.Latitude) && !math.IsNaN(p.Longitude)
}

// Area is a circular safe zone.
type Area struct {
	ID           string  `mapstructure:"id"`
	Center       Point   `mapstructure:"center"`
	RadiusMeters float64 `mapstructure:"radius_meters"`
}

// Validate checks that the area has an ID, a valid center and a positive radius.
func (a Area) Validate() error {
	if a.ID == "" {
		return errors.New("area id cannot be empty")
	}

	if !a.Center.Valid() {
		return fmt.Errorf("area %q: center (%f, %f) out of range", a.ID, a.Center.Latitude, a.Center.Longitude)
	}

	if a.RadiusMeters <= 0 || math.IsNaN(a.RadiusMeters) {
		return fmt.Errorf("area %q: radius must be positive", a.ID)
	}

	return nil
}

// Distance returns the great-circle distance in meters between two points.
func Distance(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Classify returns Inside when p is within area.RadiusMeters of the center.
func Classify(area Area, p Point) Containment {
	if Distance(area.Center, p) <= area.RadiusMeters {
		return Inside
	}
	return Outside
}

// Offset returns the point reached by travelling distanceMeters from origin
// along the given bearing (degrees clockwise from north).
func Offset(origin Point, bearingDegrees, distanceMeters float64) Point {
	delta := distanceMeters / earthRadiusMeters
	theta := bearingDegrees * math.Pi / 180
	lat1 := origin.Latitude * math.Pi / 180
	lon1 := origin.Longitude * math.Pi / 180

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(theta))
	lon2 := lon1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(lat1),
		math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2),
	)

	return Point{
		Latitude:  lat2 * 180 / math.Pi,
		Longitude: math.Mod(lon2*180/math.Pi+540, 360) - 180,
	}
}

// Bearing returns the initial bearing in degrees [0, 360) from one point to another.
func Bearing(from, to Point) float64 {
	lat1 := from.Latitude * math.Pi / 180
	lat2 := to.Latitude * math.Pi / 180
	dLon := (to.Longitude - from.Longitude) * math.Pi / 180

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)

	return math.Mod(math.Atan2(y, x)*180/math.Pi+360, 360)
}
