package itinerary

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-tracking/internal/apperr"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/storage"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newPlanner() (*Planner, *storage.MemoryStore) {
	s := storage.NewMemoryStore()
	return &Planner{Store: s, Now: func() time.Time { return t0 }}, s
}

func assign(t *testing.T, p *Planner, driverID, riderID int64, pickup, dest models.Coord, created time.Time) *models.Booking {
	t.Helper()
	ctx := context.Background()
	b := &models.Booking{
		RiderID:     riderID,
		Pickup:      pickup,
		Destination: dest,
		Passengers:  1,
		Status:      models.StatusPending,
		Fare:        decimal.NewNullDecimal(decimal.RequireFromString("50.00")),
		CreatedAt:   created,
	}
	require.NoError(t, p.Store.CreateBooking(ctx, b))
	b.DriverID = &driverID
	b.Status = models.StatusAccepted
	require.NoError(t, p.Store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		if err := p.EnsureStops(ctx, tx, b); err != nil {
			return err
		}
		return p.PlanDriverStops(ctx, tx, driverID)
	}))
	return b
}

func stopOf(t *testing.T, s storage.Store, bookingID int64, typ models.StopType) *models.BookingStop {
	t.Helper()
	stops, err := s.ListStops(context.Background(), bookingID)
	require.NoError(t, err)
	for _, st := range stops {
		if st.Type == typ {
			return st
		}
	}
	t.Fatalf("booking %d has no %s stop", bookingID, typ)
	return nil
}

func TestEnsureStopsIdempotent(t *testing.T) {
	p, s := newPlanner()
	ctx := context.Background()
	b := &models.Booking{RiderID: 1, Passengers: 2, Status: models.StatusPending, PickupAddress: "A", DestinationAddress: "B"}
	require.NoError(t, s.CreateBooking(ctx, b))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.InTx(ctx, func(tx storage.Tx) error { return p.EnsureStops(ctx, tx, b) }))
	}
	stops, err := s.ListStops(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, stops, 2)
	types := map[models.StopType]int{}
	for _, st := range stops {
		types[st.Type]++
		assert.Equal(t, models.StopUpcoming, st.Status)
		assert.Equal(t, 0, st.Sequence)
		assert.Equal(t, 2, st.PassengerCount)
	}
	assert.Equal(t, 1, types[models.StopPickup])
	assert.Equal(t, 1, types[models.StopDropoff])
}

func TestPlanNeverDropsBeforePickup(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	coord := func() models.Coord {
		return models.NewCoord(14.5 + rng.Float64()*0.1, 120.9 + rng.Float64()*0.1)
	}
	for round := 0; round < 25; round++ {
		p, s := newPlanner()
		ctx := context.Background()
		driver := int64(100 + round)
		if round%3 != 0 {
			require.NoError(t, s.UpsertLocation(ctx, &models.DriverLocation{DriverID: driver, Loc: coord(), Timestamp: t0}))
		}
		var ids []int64
		for i := 0; i < 1+rng.Intn(4); i++ {
			b := assign(t, p, driver, int64(i+1), coord(), coord(), t0.Add(time.Duration(i)*time.Second))
			ids = append(ids, b.ID)
		}
		for _, id := range ids {
			pick := stopOf(t, s, id, models.StopPickup)
			drop := stopOf(t, s, id, models.StopDropoff)
			assert.Less(t, pick.Sequence, drop.Sequence, "round %d booking %d", round, id)
		}

		it, err := p.BuildDriverItinerary(ctx, driver)
		require.NoError(t, err)
		current := 0
		for _, st := range it.Stops {
			if st.Status == models.StopCurrent {
				current++
				assert.True(t, st.CanComplete)
			} else {
				assert.False(t, st.CanComplete)
			}
		}
		assert.Equal(t, 1, current)
	}
}

func TestPlanGreedyFromDriverPosition(t *testing.T) {
	p, s := newPlanner()
	ctx := context.Background()
	driver := int64(7)
	near := models.NewCoord(14.6000, 121.0000)
	far := models.NewCoord(14.7000, 121.1000)
	require.NoError(t, s.UpsertLocation(ctx, &models.DriverLocation{DriverID: driver, Loc: models.NewCoord(14.6001, 121.0001), Timestamp: t0}))

	older := assign(t, p, driver, 1, far, models.NewCoord(14.71, 121.11), t0)
	newer := assign(t, p, driver, 2, near, models.NewCoord(14.61, 121.01), t0.Add(time.Minute))

	it, err := p.BuildDriverItinerary(ctx, driver)
	require.NoError(t, err)
	require.Len(t, it.Stops, 4)
	cur := it.Current()
	require.NotNil(t, cur)
	assert.Equal(t, newer.ID, cur.BookingID)
	assert.Equal(t, models.StopPickup, cur.Type)
	_ = older
}

func TestPlanTieBreaksByCreation(t *testing.T) {
	p, _ := newPlanner()
	ctx := context.Background()
	driver := int64(8)
	same := models.NewCoord(14.6, 121)
	first := assign(t, p, driver, 1, same, same, t0)
	assign(t, p, driver, 2, same, same, t0.Add(time.Second))

	it, err := p.BuildDriverItinerary(ctx, driver)
	require.NoError(t, err)
	require.NotEmpty(t, it.Stops)
	assert.Equal(t, first.ID, it.Stops[0].BookingID)
	assert.Equal(t, models.StopPickup, it.Stops[0].Type)
}

func TestTwoBookingScenario(t *testing.T) {
	p, s := newPlanner()
	ctx := context.Background()
	driver := int64(11)
	require.NoError(t, s.UpsertLocation(ctx, &models.DriverLocation{DriverID: driver, Loc: models.NewCoord(14.60, 121.00), Timestamp: t0}))

	a := assign(t, p, driver, 1, models.NewCoord(14.601, 121.001), models.NewCoord(14.610, 121.010), t0)
	b := assign(t, p, driver, 2, models.NewCoord(14.650, 121.050), models.NewCoord(14.660, 121.060), t0.Add(time.Second))

	res, err := p.CompleteStop(ctx, stopOf(t, s, a.ID, models.StopPickup).Token, driver)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, res.Booking.Status)
	assert.Empty(t, res.CompletedBookings)

	res, err = p.CompleteStop(ctx, stopOf(t, s, a.ID, models.StopDropoff).Token, driver)
	require.NoError(t, err)

	gotA, err := s.GetBooking(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, gotA.Status)
	assert.NotNil(t, gotA.EndTime)
	assert.NotNil(t, gotA.StartTime)

	pres, err := s.GetPresence(ctx, driver, models.RoleDriver)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceInTrip, pres.Status)
	rider, err := s.GetPresence(ctx, a.RiderID, models.RoleRider)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceAvailable, rider.Status)

	cur := res.Itinerary.Current()
	require.NotNil(t, cur)
	assert.Equal(t, b.ID, cur.BookingID)
	assert.Equal(t, models.StopPickup, cur.Type)

	require.Len(t, res.CompletedBookings, 1)
	assert.Equal(t, a.ID, res.CompletedBookings[0].ID)
	assert.Equal(t, "50.00", *res.CompletedBookings[0].Fare)
	require.NotNil(t, res.PaymentModalBookingID)
	assert.Equal(t, a.ID, *res.PaymentModalBookingID)

	// Finishing B releases the driver back to Online.
	_, err = p.CompleteStop(ctx, stopOf(t, s, b.ID, models.StopPickup).Token, driver)
	require.NoError(t, err)
	res, err = p.CompleteStop(ctx, stopOf(t, s, b.ID, models.StopDropoff).Token, driver)
	require.NoError(t, err)
	assert.Empty(t, res.Itinerary.Stops)
	assert.Len(t, res.CompletedBookings, 2)
	pres, err = s.GetPresence(ctx, driver, models.RoleDriver)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOnline, pres.Status)
}

func TestCompleteStopIdempotent(t *testing.T) {
	p, s := newPlanner()
	ctx := context.Background()
	driver := int64(3)
	b := assign(t, p, driver, 1, models.NewCoord(1, 1), models.NewCoord(1.01, 1.01), t0)
	pickup := stopOf(t, s, b.ID, models.StopPickup)

	_, err := p.CompleteStop(ctx, pickup.Token, driver)
	require.NoError(t, err)
	before := stopOf(t, s, b.ID, models.StopPickup)

	p.Now = func() time.Time { return t0.Add(time.Hour) }
	res, err := p.CompleteStop(ctx, pickup.Token, driver)
	require.NoError(t, err)
	assert.True(t, res.AlreadyCompleted)

	after := stopOf(t, s, b.ID, models.StopPickup)
	assert.Equal(t, before.CompletedAt, after.CompletedAt)
	assert.Equal(t, before.Sequence, after.Sequence)
	assert.Equal(t, 1, after.Sequence)
}

func TestCompletedStopsKeepSequence(t *testing.T) {
	p, s := newPlanner()
	ctx := context.Background()
	driver := int64(4)
	a := assign(t, p, driver, 1, models.NewCoord(1, 1), models.NewCoord(1.05, 1.05), t0)
	_, err := p.CompleteStop(ctx, stopOf(t, s, a.ID, models.StopPickup).Token, driver)
	require.NoError(t, err)

	// A new booking with a pickup right next to the driver must not renumber
	// the completed pickup.
	require.NoError(t, s.UpsertLocation(ctx, &models.DriverLocation{DriverID: driver, Loc: models.NewCoord(1.02, 1.02), Timestamp: t0}))
	assign(t, p, driver, 2, models.NewCoord(1.021, 1.021), models.NewCoord(1.03, 1.03), t0.Add(time.Minute))

	done := stopOf(t, s, a.ID, models.StopPickup)
	assert.Equal(t, models.StopCompleted, done.Status)
	assert.Equal(t, 1, done.Sequence)
	assert.Greater(t, stopOf(t, s, a.ID, models.StopDropoff).Sequence, 1)
}

func TestCompleteStopRejectsOtherDriver(t *testing.T) {
	p, s := newPlanner()
	b := assign(t, p, 5, 1, models.NewCoord(1, 1), models.NewCoord(2, 2), t0)
	_, err := p.CompleteStop(context.Background(), stopOf(t, s, b.ID, models.StopPickup).Token, 6)
	assert.ErrorIs(t, err, ErrStopNotFound)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestDropoffBeforePickupConflicts(t *testing.T) {
	p, s := newPlanner()
	b := assign(t, p, 5, 1, models.NewCoord(1, 1), models.NewCoord(2, 2), t0)
	_, err := p.CompleteStop(context.Background(), stopOf(t, s, b.ID, models.StopDropoff).Token, 5)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, models.StopUpcoming, stopOf(t, s, b.ID, models.StopDropoff).Status)
}

func TestRadiusPolicy(t *testing.T) {
	p, s := newPlanner()
	ctx := context.Background()
	p.Proximity = RadiusPolicy{Meters: 10}
	driver := int64(9)
	b := assign(t, p, driver, 1, models.NewCoord(14.6, 121), models.NewCoord(14.7, 121.1), t0)
	token := stopOf(t, s, b.ID, models.StopPickup).Token

	_, err := p.CompleteStop(ctx, token, driver)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	require.NoError(t, s.UpsertLocation(ctx, &models.DriverLocation{DriverID: driver, Loc: models.NewCoord(14.601, 121), Timestamp: t0}))
	_, err = p.CompleteStop(ctx, token, driver)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	acc := 150.0
	p.Proximity = RadiusPolicy{Meters: 10, AccuracySlack: true}
	require.NoError(t, s.UpsertLocation(ctx, &models.DriverLocation{DriverID: driver, Loc: models.NewCoord(14.601, 121), Accuracy: &acc, Timestamp: t0}))
	_, err = p.CompleteStop(ctx, token, driver)
	assert.NoError(t, err)
}

func TestItineraryRiderNames(t *testing.T) {
	p, _ := newPlanner()
	p.Riders = StaticDirectory{1: "Maria Santos"}
	assign(t, p, 10, 1, models.NewCoord(1, 1), models.NewCoord(2, 2), t0)
	assign(t, p, 10, 2, models.NewCoord(3, 3), models.NewCoord(4, 4), t0.Add(time.Second))

	it, err := p.BuildDriverItinerary(context.Background(), 10)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, st := range it.Stops {
		names[st.PassengerName] = true
		assert.Equal(t, "50.00", *st.Fare)
	}
	assert.True(t, names["Maria Santos"])
	assert.True(t, names["Passenger"])
}
