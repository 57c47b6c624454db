package itinerary

import (
	"context"
	"errors"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/storage"
)

// SyncDriverPresence sets the driver In_trip while any booking occupies them,
// otherwise back to their last explicit toggle (Online when never set).
func SyncDriverPresence(ctx context.Context, q storage.Queries, driverID int64) error {
	active, err := q.ListDriverBookings(ctx, driverID, models.DriverActiveStatuses...)
	if err != nil {
		return err
	}
	p, err := q.GetPresence(ctx, driverID, models.RoleDriver)
	if errors.Is(err, storage.ErrNotFound) {
		p = &models.Presence{UserID: driverID, Role: models.RoleDriver, Preferred: models.PresenceOnline}
	} else if err != nil {
		return err
	}
	if p.Preferred == "" {
		p.Preferred = models.PresenceOnline
	}
	if len(active) > 0 {
		p.Status = models.PresenceInTrip
	} else {
		p.Status = p.Preferred
	}
	return q.SetPresence(ctx, p)
}

func SetRiderPresence(ctx context.Context, q storage.Queries, riderID int64, status models.PresenceStatus) error {
	return q.SetPresence(ctx, &models.Presence{UserID: riderID, Role: models.RoleRider, Status: status})
}
