package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
)

// Route is the normalized answer of a routing provider. RouteData is opaque
// to the core and is stored and echoed back as-is.
type Route struct {
	RouteData  json.RawMessage `json:"route_data"`
	DistanceKm float64         `json:"distance"`
	DurationS  int             `json:"duration"`
	TooClose   bool            `json:"too_close"`
}

// Usable reports whether r describes a real route worth persisting.
func Usable(r *Route) bool { return r != nil && !r.TooClose }

// Provider computes a path between two points.
type Provider interface {
	Route(ctx context.Context, start, end models.LonLat) (*Route, error)
}

var ErrNoRoute = errors.New("routing: no route")

// StraightLine is used when no routing engine is configured. It returns a
// two-point LineString and a duration derived from an average city speed.
type StraightLine struct {
	SpeedMps float64
}

func (s StraightLine) Route(_ context.Context, start, end models.LonLat) (*Route, error) {
	speed := s.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	km := geo.DistanceKm(start.Lat, start.Lon, end.Lat, end.Lon)
	data, err := json.Marshal(map[string]any{
		"type":        "LineString",
		"coordinates": [][2]float64{{start.Lon, start.Lat}, {end.Lon, end.Lat}},
	})
	if err != nil {
		return nil, fmt.Errorf("straight line geometry: %w", err)
	}
	return &Route{RouteData: data, DistanceKm: km, DurationS: int(math.Round(km * 1000 / speed))}, nil
}
