// Package storage persists bookings, itinerary stops, route snapshots, driver
// locations and presence. Components depend on the repository interfaces only;
// PostgresStore and MemoryStore are the two implementations.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/example/ride-tracking/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateStop is returned when a booking already has a stop of that type.
	ErrDuplicateStop = errors.New("storage: booking already has a stop of this type")
)

type BookingRepository interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	UpdateBooking(ctx context.Context, b *models.Booking) error
	// ListDriverBookings returns the driver's bookings in any of statuses,
	// oldest first (created_at, then id).
	ListDriverBookings(ctx context.Context, driverID int64, statuses ...models.BookingStatus) ([]*models.Booking, error)
	ListRiderBookings(ctx context.Context, riderID int64, statuses ...models.BookingStatus) ([]*models.Booking, error)
	// UnpaidCompletedBookings lists completed bookings of the driver that are
	// not payment verified, most recent end_time first.
	UnpaidCompletedBookings(ctx context.Context, driverID int64) ([]*models.Booking, error)
}

type StopRepository interface {
	CreateStops(ctx context.Context, stops ...*models.BookingStop) error
	// ListStops returns the booking's stops ordered by sequence, then id.
	ListStops(ctx context.Context, bookingID int64) ([]*models.BookingStop, error)
	GetStopByToken(ctx context.Context, token uuid.UUID) (*models.BookingStop, error)
	UpdateStop(ctx context.Context, s *models.BookingStop) error
	DeleteStops(ctx context.Context, bookingID int64) error
}

type SnapshotRepository interface {
	// ActiveSnapshot returns nil, nil when the booking has no active snapshot.
	ActiveSnapshot(ctx context.Context, bookingID int64) (*models.RouteSnapshot, error)
	ListSnapshots(ctx context.Context, bookingID int64) ([]*models.RouteSnapshot, error)
}

type LocationRepository interface {
	UpsertLocation(ctx context.Context, loc *models.DriverLocation) error
	GetLocation(ctx context.Context, driverID int64) (*models.DriverLocation, error)
	DeleteLocation(ctx context.Context, driverID int64) error
}

type PresenceRepository interface {
	GetPresence(ctx context.Context, userID int64, role models.Role) (*models.Presence, error)
	SetPresence(ctx context.Context, p *models.Presence) error
}

// Queries is the read/write surface shared by a Store and a Tx.
type Queries interface {
	BookingRepository
	StopRepository
	SnapshotRepository
	LocationRepository
	PresenceRepository
}

// Tx is a unit of work. Locks taken through it are released on commit or
// rollback.
type Tx interface {
	Queries
	// LockBooking loads the booking and holds its row until the transaction ends.
	LockBooking(ctx context.Context, id int64) (*models.Booking, error)
	// LockDriver serializes itinerary changes of one driver.
	LockDriver(ctx context.Context, driverID int64) error
	// SwapActiveSnapshot deactivates the booking's current snapshot and
	// inserts snap as the active one. Callers hold the booking lock.
	SwapActiveSnapshot(ctx context.Context, snap *models.RouteSnapshot) error
}

type Store interface {
	Queries
	// InTx runs fn in a transaction, committing when it returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// SaveSnapshot is the standalone form of SwapActiveSnapshot: it locks the
// booking and swaps in snap atomically.
func SaveSnapshot(ctx context.Context, s Store, snap *models.RouteSnapshot) error {
	return s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockBooking(ctx, snap.BookingID); err != nil {
			return err
		}
		return tx.SwapActiveSnapshot(ctx, snap)
	})
}

func containsStatus(list []models.BookingStatus, s models.BookingStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
