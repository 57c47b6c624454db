// Package reroute decides whether a booking's active route snapshot is stale.
package reroute

import (
	"encoding/json"
	"time"

	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
)

type Config struct {
	// DistanceMeters is how far the driver may stray from the stored path.
	DistanceMeters float64
	// MaxAge is the oldest snapshot still trusted for ETA display.
	MaxAge time.Duration
	// LocationStaleAfter marks a ping too old to evaluate; zero disables the check.
	LocationStaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{DistanceMeters: 50, MaxAge: 5 * time.Minute, LocationStaleAfter: 2 * time.Minute}
}

// Engine has no side effects; it only answers ShouldReroute.
type Engine struct {
	cfg Config
	now func() time.Time
}

func NewEngine(cfg Config, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{cfg: cfg, now: now}
}

// ShouldReroute reports whether the route should be recomputed. A missing or
// stale location cannot be evaluated and never forces a reroute.
func (e *Engine) ShouldReroute(loc *models.DriverLocation, snap *models.RouteSnapshot) bool {
	if loc == nil {
		return false
	}
	now := e.now()
	if e.cfg.LocationStaleAfter > 0 && !loc.Timestamp.IsZero() && now.Sub(loc.Timestamp) > e.cfg.LocationStaleAfter {
		return false
	}
	if snap == nil {
		return true
	}
	if e.cfg.MaxAge > 0 && now.Sub(snap.CreatedAt) > e.cfg.MaxAge {
		return true
	}
	path := ParsePath(snap.RouteData)
	if len(path) == 0 {
		return false
	}
	return geo.DistanceToPathKm(loc.Loc, path)*1000 > e.cfg.DistanceMeters
}

type geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
	Geometry    *geometry       `json:"geometry"`
	Features    []geometry      `json:"features"`
	Routes      []geometry      `json:"routes"`
}

// ParsePath extracts a polyline from route data. It understands GeoJSON
// LineString/MultiLineString, Feature and FeatureCollection wrappers, and an
// OSRM-style {"routes":[{"geometry":...}]} body. Anything else yields nil.
func ParsePath(data json.RawMessage) []models.Coord {
	if len(data) == 0 {
		return nil
	}
	var g geometry
	if err := json.Unmarshal(data, &g); err != nil {
		return nil
	}
	return g.path()
}

func (g *geometry) path() []models.Coord {
	switch {
	case g.Geometry != nil:
		return g.Geometry.path()
	case len(g.Routes) > 0:
		return g.Routes[0].path()
	case len(g.Features) > 0:
		var out []models.Coord
		for i := range g.Features {
			out = append(out, g.Features[i].path()...)
		}
		return out
	}
	switch g.Type {
	case "LineString":
		var pts [][]float64
		if err := json.Unmarshal(g.Coordinates, &pts); err != nil {
			return nil
		}
		return toCoords(pts)
	case "MultiLineString":
		var lines [][][]float64
		if err := json.Unmarshal(g.Coordinates, &lines); err != nil {
			return nil
		}
		var out []models.Coord
		for _, l := range lines {
			out = append(out, toCoords(l)...)
		}
		return out
	}
	return nil
}

func toCoords(pts [][]float64) []models.Coord {
	out := make([]models.Coord, 0, len(pts))
	for _, p := range pts {
		if len(p) < 2 {
			continue
		}
		out = append(out, models.NewCoord(p[1], p[0]))
	}
	return out
}
