package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-tracking/internal/models"
)

// runStoreSuite exercises the behaviour both implementations must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("booking round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := newBooking(1)
		require.NoError(t, s.CreateBooking(ctx, b))
		require.NotZero(t, b.ID)

		got, err := s.GetBooking(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, "50.00", *got.FareString())
		assert.Equal(t, "14.599512", got.Pickup.Lat.String())
		assert.Nil(t, got.DriverID)

		_, err = s.GetBooking(ctx, b.ID+1000)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("coordinates keep fifteen fractional digits", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exact := models.Coord{
			Lat: decimal.RequireFromString("14.599512345678901"),
			Lon: decimal.RequireFromString("120.987654321987654"),
		}
		b := newBooking(2)
		b.Pickup = exact
		require.NoError(t, s.CreateBooking(ctx, b))
		got, err := s.GetBooking(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, "120.987654321987654", got.Pickup.Lon.String())
		assert.Equal(t, "14.599512345678901", got.Pickup.Lat.String())

		require.NoError(t, s.UpsertLocation(ctx, &models.DriverLocation{DriverID: 12, Loc: exact, Timestamp: time.Now().UTC()}))
		loc, err := s.GetLocation(ctx, 12)
		require.NoError(t, err)
		assert.Equal(t, "120.987654321987654", loc.Loc.Lon.String())
	})

	t.Run("driver bookings ordered by creation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		driver := int64(77)
		var ids []int64
		for i := 0; i < 3; i++ {
			b := newBooking(int64(10 + i))
			b.CreatedAt = time.Date(2025, 1, 1, 10, 0, i, 0, time.UTC)
			require.NoError(t, s.CreateBooking(ctx, b))
			b.DriverID = &driver
			b.Status = models.StatusAccepted
			require.NoError(t, s.UpdateBooking(ctx, b))
			ids = append(ids, b.ID)
		}
		list, err := s.ListDriverBookings(ctx, driver, models.DriverActiveStatuses...)
		require.NoError(t, err)
		require.Len(t, list, 3)
		for i, b := range list {
			assert.Equal(t, ids[i], b.ID)
		}

		none, err := s.ListDriverBookings(ctx, driver, models.StatusCompleted)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("unpaid completed newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		driver := int64(5)
		base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
		var ids []int64
		for i := 0; i < 3; i++ {
			b := newBooking(int64(20 + i))
			require.NoError(t, s.CreateBooking(ctx, b))
			end := base.Add(time.Duration(i) * time.Minute)
			b.DriverID = &driver
			b.Status = models.StatusCompleted
			b.EndTime = &end
			b.PaymentVerified = i == 1
			require.NoError(t, s.UpdateBooking(ctx, b))
			ids = append(ids, b.ID)
		}
		list, err := s.UnpaidCompletedBookings(ctx, driver)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, ids[2], list[0].ID)
		assert.Equal(t, ids[0], list[1].ID)
	})

	t.Run("stops are unique per type", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := newBooking(1)
		require.NoError(t, s.CreateBooking(ctx, b))

		pickup := &models.BookingStop{BookingID: b.ID, Type: models.StopPickup, Status: models.StopUpcoming, Loc: b.Pickup, PassengerCount: 1}
		dropoff := &models.BookingStop{BookingID: b.ID, Type: models.StopDropoff, Status: models.StopUpcoming, Loc: b.Destination, PassengerCount: 1}
		require.NoError(t, s.CreateStops(ctx, pickup, dropoff))
		assert.NotEqual(t, uuid.Nil, pickup.Token)

		err := s.CreateStops(ctx, &models.BookingStop{BookingID: b.ID, Type: models.StopPickup, Status: models.StopUpcoming, Loc: b.Pickup})
		assert.ErrorIs(t, err, ErrDuplicateStop)

		got, err := s.GetStopByToken(ctx, dropoff.Token)
		require.NoError(t, err)
		assert.Equal(t, models.StopDropoff, got.Type)

		got.Status = models.StopCompleted
		got.Sequence = 2
		now := time.Now().UTC().Truncate(time.Microsecond)
		got.CompletedAt = &now
		require.NoError(t, s.UpdateStop(ctx, got))

		stops, err := s.ListStops(ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, stops, 2)
		assert.Equal(t, models.StopPickup, stops[0].Type)
		assert.Equal(t, models.StopCompleted, stops[1].Status)

		require.NoError(t, s.DeleteStops(ctx, b.ID))
		stops, err = s.ListStops(ctx, b.ID)
		require.NoError(t, err)
		assert.Empty(t, stops)
	})

	t.Run("snapshot swap keeps one active", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := newBooking(1)
		require.NoError(t, s.CreateBooking(ctx, b))

		active, err := s.ActiveSnapshot(ctx, b.ID)
		require.NoError(t, err)
		assert.Nil(t, active)

		for i := 0; i < 3; i++ {
			snap := &models.RouteSnapshot{BookingID: b.ID, RouteData: []byte(`{"type":"LineString","coordinates":[]}`), DistanceKm: float64(i), DurationS: 60 * i}
			require.NoError(t, SaveSnapshot(ctx, s, snap))
		}
		active, err = s.ActiveSnapshot(ctx, b.ID)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, 2.0, active.DistanceKm)

		all, err := s.ListSnapshots(ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, all, 3)
		activeCount := 0
		for _, sn := range all {
			if sn.Active {
				activeCount++
			}
		}
		assert.Equal(t, 1, activeCount)
	})

	t.Run("concurrent swaps keep one active", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := newBooking(1)
		require.NoError(t, s.CreateBooking(ctx, b))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				snap := &models.RouteSnapshot{BookingID: b.ID, RouteData: []byte(`{}`), DurationS: i}
				assert.NoError(t, SaveSnapshot(ctx, s, snap))
			}(i)
		}
		wg.Wait()
		all, err := s.ListSnapshots(ctx, b.ID)
		require.NoError(t, err)
		activeCount := 0
		for _, sn := range all {
			if sn.Active {
				activeCount++
			}
		}
		assert.Len(t, all, 8)
		assert.Equal(t, 1, activeCount)
	})

	t.Run("rollback discards writes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := newBooking(1)
		require.NoError(t, s.CreateBooking(ctx, b))

		boom := errors.New("boom")
		err := s.InTx(ctx, func(tx Tx) error {
			locked, err := tx.LockBooking(ctx, b.ID)
			if err != nil {
				return err
			}
			locked.Status = models.StatusNoDriverFound
			if err := tx.UpdateBooking(ctx, locked); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.GetBooking(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
	})

	t.Run("location upsert overwrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		heading := 90.0
		ts := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, s.UpsertLocation(ctx, &models.DriverLocation{DriverID: 9, Loc: models.NewCoord(1, 2), Timestamp: ts}))
		require.NoError(t, s.UpsertLocation(ctx, &models.DriverLocation{DriverID: 9, Loc: models.NewCoord(3, 4), Heading: &heading, Timestamp: ts.Add(time.Second)}))

		loc, err := s.GetLocation(ctx, 9)
		require.NoError(t, err)
		assert.True(t, loc.Loc.Equal(models.NewCoord(3, 4)), "got %s,%s", loc.Loc.Lat, loc.Loc.Lon)
		require.NotNil(t, loc.Heading)
		assert.Equal(t, 90.0, *loc.Heading)
		assert.Nil(t, loc.Speed)

		require.NoError(t, s.DeleteLocation(ctx, 9))
		_, err = s.GetLocation(ctx, 9)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("presence", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.GetPresence(ctx, 3, models.RoleDriver)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SetPresence(ctx, &models.Presence{UserID: 3, Role: models.RoleDriver, Status: models.PresenceOnline, Preferred: models.PresenceOnline}))
		require.NoError(t, s.SetPresence(ctx, &models.Presence{UserID: 3, Role: models.RoleDriver, Status: models.PresenceInTrip, Preferred: models.PresenceOnline}))
		require.NoError(t, s.SetPresence(ctx, &models.Presence{UserID: 3, Role: models.RoleRider, Status: models.PresenceAvailable}))

		p, err := s.GetPresence(ctx, 3, models.RoleDriver)
		require.NoError(t, err)
		assert.Equal(t, models.PresenceInTrip, p.Status)
		assert.Equal(t, models.PresenceOnline, p.Preferred)
	})
}

func newBooking(riderID int64) *models.Booking {
	return &models.Booking{
		RiderID:            riderID,
		PickupAddress:      "Quiapo Church",
		Pickup:             models.NewCoord(14.599512, 120.983802),
		DestinationAddress: "Rizal Park",
		Destination:        models.NewCoord(14.582919, 120.979683),
		Passengers:         1,
		Status:             models.StatusPending,
		Fare:               decimal.NewNullDecimal(decimal.RequireFromString("50.00")),
		PinMaxAttempts:     3,
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}
