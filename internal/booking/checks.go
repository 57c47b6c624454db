package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-tracking/internal/apperr"
	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/storage"
)

// CapacityChecker decides whether the driver's vehicle can take b on top of
// their active bookings.
type CapacityChecker interface {
	CheckCapacity(ctx context.Context, q storage.Queries, driverID int64, b *models.Booking) error
}

// DetourChecker decides whether b's pickup is an acceptable detour from the
// driver's current plan.
type DetourChecker interface {
	CheckDetour(ctx context.Context, q storage.Queries, driverID int64, b *models.Booking) error
}

// SeatCapacity counts passengers of the driver's active bookings.
type SeatCapacity struct {
	Seats int
}

func (c SeatCapacity) CheckCapacity(ctx context.Context, q storage.Queries, driverID int64, b *models.Booking) error {
	if c.Seats <= 0 {
		return nil
	}
	active, err := q.ListDriverBookings(ctx, driverID, models.DriverActiveStatuses...)
	if err != nil {
		return err
	}
	used := 0
	for _, a := range active {
		used += a.Passengers
	}
	if free := c.Seats - used; b.Passengers > free {
		return apperr.Conflict(fmt.Sprintf("Not enough seats available. %d seat(s) left.", max(free, 0))).
			WithDetail("seats_available", max(free, 0))
	}
	return nil
}

// MaxDetour requires the new pickup within MaxKm of the path the driver is
// already committed to: their position followed by their open stops in
// sequence. A driver with no active booking has no path to leave.
type MaxDetour struct {
	MaxKm float64
}

func (d MaxDetour) CheckDetour(ctx context.Context, q storage.Queries, driverID int64, b *models.Booking) error {
	if d.MaxKm <= 0 {
		return nil
	}
	active, err := q.ListDriverBookings(ctx, driverID, models.DriverActiveStatuses...)
	if err != nil || len(active) == 0 {
		return err
	}
	var path []models.Coord
	if loc, err := q.GetLocation(ctx, driverID); err == nil {
		path = append(path, loc.Loc)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	var open []*models.BookingStop
	for _, a := range active {
		stops, err := q.ListStops(ctx, a.ID)
		if err != nil {
			return err
		}
		for _, s := range stops {
			if s.Status != models.StopCompleted {
				open = append(open, s)
			}
		}
	}
	sortBySequence(open)
	for _, s := range open {
		path = append(path, s.Loc)
	}
	if len(path) == 0 {
		return nil
	}
	if km := geo.DistanceToPathKm(b.Pickup, path); km > d.MaxKm {
		return apperr.Conflict(fmt.Sprintf("Pickup is %.1f km off your current route (limit %.1f km).", km, d.MaxKm)).
			WithDetail("detour_km", km)
	}
	return nil
}
