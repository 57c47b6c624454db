package itinerary

import (
	"fmt"

	"github.com/example/ride-tracking/internal/apperr"
	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
)

// ProximityPolicy decides whether the driver is close enough to a stop to
// complete it. loc is nil when the driver has never reported a position.
type ProximityPolicy interface {
	Allow(loc *models.DriverLocation, stop *models.BookingStop) error
}

type AllowAll struct{}

func (AllowAll) Allow(*models.DriverLocation, *models.BookingStop) error { return nil }

// RadiusPolicy requires the driver within Meters of the stop. With
// AccuracySlack the reported GPS accuracy widens the radius.
type RadiusPolicy struct {
	Meters        float64
	AccuracySlack bool
}

func (p RadiusPolicy) Allow(loc *models.DriverLocation, stop *models.BookingStop) error {
	if loc == nil {
		return apperr.Validation("Current location unknown. Share your location to complete this stop.")
	}
	limit := p.Meters
	if p.AccuracySlack && loc.Accuracy != nil && *loc.Accuracy > 0 {
		limit += *loc.Accuracy
	}
	d := geo.Between(loc.Loc, stop.Loc) * 1000
	if d <= limit {
		return nil
	}
	return apperr.Validation(fmt.Sprintf("You must be within %.0f meters of the %s location. You are currently %.1fm away.",
		p.Meters, lower(stop.Type), d)).
		WithDetail("distance", d).
		WithDetail("required", p.Meters)
}

func lower(t models.StopType) string {
	if t == models.StopPickup {
		return "pickup"
	}
	return "dropoff"
}
