package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/ride-tracking/internal/models"
)

const earthRadiusKm = 6371.0

// DistanceKm is the great-circle (haversine) distance between two points.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Between is DistanceKm for two coordinates.
func Between(a, b models.Coord) float64 {
	alat, alon := a.Float()
	blat, blon := b.Float()
	return DistanceKm(alat, alon, blat, blon)
}

// DistanceToPathKm returns the shortest distance from p to the polyline.
// Each segment is projected onto a local equirectangular plane, which is
// accurate to well under a meter for the segment lengths routing engines emit.
// An empty path yields +Inf.
func DistanceToPathKm(p models.Coord, path []models.Coord) float64 {
	switch len(path) {
	case 0:
		return math.Inf(1)
	case 1:
		return Between(p, path[0])
	}
	best := math.Inf(1)
	for i := 0; i < len(path)-1; i++ {
		if d := distanceToSegmentKm(p, path[i], path[i+1]); d < best {
			best = d
		}
	}
	return best
}

func distanceToSegmentKm(p, a, b models.Coord) float64 {
	plat, plon := p.Float()
	alat, alon := a.Float()
	blat, blon := b.Float()
	cosLat := math.Cos(toRad(plat))
	// planar coordinates in km relative to p
	ax, ay := toRad(alon-plon)*cosLat*earthRadiusKm, toRad(alat-plat)*earthRadiusKm
	bx, by := toRad(blon-plon)*cosLat*earthRadiusKm, toRad(blat-plat)*earthRadiusKm
	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	t := 0.0
	if lenSq > 0 {
		t = -(ax*dx + ay*dy) / lenSq
		t = math.Max(0, math.Min(1, t))
	}
	cx, cy := ax+t*dx, ay+t*dy
	return math.Hypot(cx, cy)
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Nearby is a driver position returned by a DriverIndex query.
type Nearby struct {
	DriverID int64
	Loc      models.Coord
	DistKm   float64
}

// DriverIndex keeps the last known position of online drivers for the
// matching service.
type DriverIndex interface {
	Upsert(ctx context.Context, driverID int64, c models.Coord) error
	Remove(ctx context.Context, driverID int64) error
	Nearby(ctx context.Context, c models.Coord, radiusKm float64, limit int) ([]Nearby, error)
}

type Index struct {
	mu      sync.RWMutex
	drivers map[int64]models.Coord
}

func NewIndex() *Index {
	return &Index{drivers: make(map[int64]models.Coord)}
}

func (g *Index) Upsert(_ context.Context, driverID int64, c models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = c
	return nil
}

func (g *Index) Remove(_ context.Context, driverID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// naive scan; the redis index is used when configured
func (g *Index) Nearby(_ context.Context, c models.Coord, radiusKm float64, limit int) ([]Nearby, error) {
	g.mu.RLock()
	out := make([]Nearby, 0, len(g.drivers))
	for id, loc := range g.drivers {
		d := Between(c, loc)
		if d > radiusKm {
			continue
		}
		out = append(out, Nearby{DriverID: id, Loc: loc, DistKm: d})
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistKm == out[j].DistKm {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].DistKm < out[j].DistKm
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
