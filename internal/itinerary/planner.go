// Package itinerary orders a driver's pickups and drop-offs across all of
// their active bookings and records stop completion.
package itinerary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-tracking/internal/apperr"
	"github.com/example/ride-tracking/internal/dispatch"
	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
	"github.com/example/ride-tracking/internal/storage"
)

var ErrStopNotFound = apperr.NotFound("Stop not found or already completed.")

// RiderDirectory resolves a rider's display name from the profile service.
type RiderDirectory interface {
	RiderName(ctx context.Context, riderID int64) (string, error)
}

// StaticDirectory is a RiderDirectory backed by a map.
type StaticDirectory map[int64]string

func (d StaticDirectory) RiderName(_ context.Context, riderID int64) (string, error) {
	return d[riderID], nil
}

type Planner struct {
	Store     storage.Store
	Riders    RiderDirectory  // optional
	Proximity ProximityPolicy // nil allows every completion
	Notifier  *dispatch.Safe  // optional
	Logger    *slog.Logger
	Now       func() time.Time
}

func (p *Planner) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Planner) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// EnsureStops creates the booking's PICKUP and DROPOFF stops unless it already
// has stops.
func (p *Planner) EnsureStops(ctx context.Context, tx storage.Tx, b *models.Booking) error {
	existing, err := tx.ListStops(ctx, b.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	passengers := b.Passengers
	if passengers < 1 {
		passengers = 1
	}
	now := p.now()
	pickup := &models.BookingStop{
		Token:          uuid.New(),
		BookingID:      b.ID,
		Type:           models.StopPickup,
		Status:         models.StopUpcoming,
		Address:        b.PickupAddress,
		Loc:            b.Pickup,
		PassengerCount: passengers,
		CreatedAt:      now,
	}
	dropoff := &models.BookingStop{
		Token:          uuid.New(),
		BookingID:      b.ID,
		Type:           models.StopDropoff,
		Status:         models.StopUpcoming,
		Address:        b.DestinationAddress,
		Loc:            b.Destination,
		PassengerCount: passengers,
		CreatedAt:      now,
	}
	return tx.CreateStops(ctx, pickup, dropoff)
}

type candidate struct {
	stop  *models.BookingStop
	order int // position of the booking in creation order
}

// PlanDriverStops renumbers the open stops of the driver's active bookings.
// The walk is greedy nearest-next from the driver's last position; a DROPOFF
// only becomes eligible once its booking's PICKUP is completed or already
// placed. Completed stops keep their sequence.
func (p *Planner) PlanDriverStops(ctx context.Context, tx storage.Tx, driverID int64) error {
	if err := tx.LockDriver(ctx, driverID); err != nil {
		return fmt.Errorf("lock driver: %w", err)
	}
	bookings, err := tx.ListDriverBookings(ctx, driverID, models.DriverActiveStatuses...)
	if err != nil {
		return err
	}

	maxSeq := 0
	pickedUp := make(map[int64]bool)
	var open []candidate
	for i, b := range bookings {
		stops, err := tx.ListStops(ctx, b.ID)
		if err != nil {
			return err
		}
		hasPickup := false
		for _, s := range stops {
			if s.Type == models.StopPickup {
				hasPickup = true
			}
			if s.Status == models.StopCompleted {
				if s.Sequence > maxSeq {
					maxSeq = s.Sequence
				}
				if s.Type == models.StopPickup {
					pickedUp[b.ID] = true
				}
				continue
			}
			open = append(open, candidate{stop: s, order: i})
		}
		if !hasPickup {
			pickedUp[b.ID] = true
		}
	}
	if len(open) == 0 {
		return nil
	}

	var pos *models.Coord
	if loc, err := tx.GetLocation(ctx, driverID); err == nil {
		pos = &loc.Loc
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	ordered := orderStops(open, pickedUp, pos)
	for i, s := range ordered {
		seq := maxSeq + 1 + i
		status := models.StopUpcoming
		if i == 0 {
			status = models.StopCurrent
		}
		if s.Sequence == seq && s.Status == status {
			continue
		}
		s.Sequence = seq
		s.Status = status
		if err := tx.UpdateStop(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// orderStops is the greedy walk. Ties go to the earlier booking, then PICKUP
// before DROPOFF, then the lower stop id.
func orderStops(open []candidate, pickedUp map[int64]bool, pos *models.Coord) []*models.BookingStop {
	const eps = 1e-9
	remaining := append([]candidate(nil), open...)
	sort.SliceStable(remaining, func(i, j int) bool { return less(remaining[i], remaining[j]) })

	placed := make(map[int64]bool, len(pickedUp))
	for id, v := range pickedUp {
		placed[id] = v
	}
	out := make([]*models.BookingStop, 0, len(remaining))
	for len(remaining) > 0 {
		best := -1
		bestDist := math.Inf(1)
		for i, c := range remaining {
			if c.stop.Type == models.StopDropoff && !placed[c.stop.BookingID] {
				continue
			}
			d := 0.0
			if pos != nil {
				d = geo.Between(*pos, c.stop.Loc)
			}
			// remaining is pre-sorted by tie-break, so only a strictly
			// shorter distance displaces the current best
			if best == -1 || d < bestDist-eps {
				best, bestDist = i, d
			}
		}
		if best == -1 {
			// Only orphaned drop-offs are left.
			best = 0
		}
		c := remaining[best]
		out = append(out, c.stop)
		if c.stop.Type == models.StopPickup {
			placed[c.stop.BookingID] = true
		}
		loc := c.stop.Loc
		pos = &loc
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return out
}

func less(a, b candidate) bool {
	if a.order != b.order {
		return a.order < b.order
	}
	if a.stop.Type != b.stop.Type {
		return a.stop.Type == models.StopPickup
	}
	return a.stop.ID < b.stop.ID
}

// Stop is one row of the driver's itinerary view.
type Stop struct {
	StopID         uuid.UUID            `json:"stopId"`
	BookingID      int64                `json:"bookingId"`
	Sequence       int                  `json:"sequence"`
	Type           models.StopType      `json:"type"`
	Status         models.StopStatus    `json:"status"`
	PassengerName  string               `json:"passengerName"`
	Address        string               `json:"address"`
	Lat            json.Number          `json:"lat"`
	Lon            json.Number          `json:"lon"`
	PassengerCount int                  `json:"passengerCount"`
	Note           string               `json:"note,omitempty"`
	CanComplete    bool                 `json:"canComplete"`
	CompletedAt    *time.Time           `json:"completedAt,omitempty"`
	BookingStatus  models.BookingStatus `json:"bookingStatus"`
	Fare           *string              `json:"fare"`
}

type Itinerary struct {
	Stops []Stop `json:"itinerary"`
}

// Current returns the stop the driver is heading to, nil when none is open.
func (it *Itinerary) Current() *Stop {
	for i := range it.Stops {
		if it.Stops[i].Status == models.StopCurrent {
			return &it.Stops[i]
		}
	}
	return nil
}

// BuildDriverItinerary projects the stops of the driver's active bookings in
// sequence order. It reads committed state only.
func (p *Planner) BuildDriverItinerary(ctx context.Context, driverID int64) (*Itinerary, error) {
	return buildItinerary(ctx, p.Store, p.Riders, driverID)
}

func buildItinerary(ctx context.Context, q storage.Queries, riders RiderDirectory, driverID int64) (*Itinerary, error) {
	bookings, err := q.ListDriverBookings(ctx, driverID, models.DriverActiveStatuses...)
	if err != nil {
		return nil, err
	}
	it := &Itinerary{Stops: []Stop{}}
	type row struct {
		stop    *models.BookingStop
		booking *models.Booking
	}
	var rows []row
	for _, b := range bookings {
		stops, err := q.ListStops(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		for _, s := range stops {
			rows = append(rows, row{stop: s, booking: b})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].stop.Sequence != rows[j].stop.Sequence {
			return rows[i].stop.Sequence < rows[j].stop.Sequence
		}
		return rows[i].stop.ID < rows[j].stop.ID
	})
	names := make(map[int64]string)
	for _, r := range rows {
		name, ok := names[r.booking.RiderID]
		if !ok {
			name = riderName(ctx, riders, r.booking.RiderID)
			names[r.booking.RiderID] = name
		}
		it.Stops = append(it.Stops, Stop{
			StopID:         r.stop.Token,
			BookingID:      r.booking.ID,
			Sequence:       r.stop.Sequence,
			Type:           r.stop.Type,
			Status:         r.stop.Status,
			PassengerName:  name,
			Address:        r.stop.Address,
			Lat:            json.Number(r.stop.Loc.Lat.String()),
			Lon:            json.Number(r.stop.Loc.Lon.String()),
			PassengerCount: r.stop.PassengerCount,
			Note:           r.stop.Note,
			CanComplete:    r.stop.Status == models.StopCurrent,
			CompletedAt:    r.stop.CompletedAt,
			BookingStatus:  r.booking.Status,
			Fare:           r.booking.FareString(),
		})
	}
	return it, nil
}

func riderName(ctx context.Context, riders RiderDirectory, riderID int64) string {
	if riders == nil {
		return "Passenger"
	}
	name, err := riders.RiderName(ctx, riderID)
	if err != nil || name == "" {
		return "Passenger"
	}
	return name
}

// UnpaidBooking is a completed trip still waiting for the PIN handshake.
type UnpaidBooking struct {
	ID   int64   `json:"id"`
	Fare *string `json:"fare"`
}

type CompleteResult struct {
	Itinerary         *Itinerary
	Stop              *models.BookingStop
	Booking           *models.Booking
	AlreadyCompleted  bool
	CompletedBookings []UnpaidBooking
	// PaymentModalBookingID is set after a drop-off when unpaid trips exist.
	PaymentModalBookingID *int64
}

// CompleteStop marks the stop COMPLETED and advances its booking: a PICKUP
// starts the trip, a DROPOFF completes it. Completing an already completed
// stop is a no-op that still returns the itinerary.
func (p *Planner) CompleteStop(ctx context.Context, token uuid.UUID, driverID int64) (*CompleteResult, error) {
	res := &CompleteResult{}
	var from models.BookingStatus
	err := p.Store.InTx(ctx, func(tx storage.Tx) error {
		stop, err := tx.GetStopByToken(ctx, token)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrStopNotFound
		}
		if err != nil {
			return err
		}
		b, err := tx.LockBooking(ctx, stop.BookingID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrStopNotFound
		}
		if err != nil {
			return err
		}
		if !b.AssignedTo(driverID) {
			return ErrStopNotFound
		}
		if err := tx.LockDriver(ctx, driverID); err != nil {
			return err
		}
		// re-read under the locks
		if stop, err = tx.GetStopByToken(ctx, token); err != nil {
			return err
		}
		res.Stop, res.Booking = stop, b
		if stop.Status == models.StopCompleted {
			res.AlreadyCompleted = true
			return nil
		}
		if !b.Status.InProgress() {
			return ErrStopNotFound
		}

		if p.Proximity != nil {
			loc, err := tx.GetLocation(ctx, driverID)
			if errors.Is(err, storage.ErrNotFound) {
				loc = nil
			} else if err != nil {
				return err
			}
			if err := p.Proximity.Allow(loc, stop); err != nil {
				return err
			}
		}

		now := p.now()
		from = b.Status
		switch stop.Type {
		case models.StopPickup:
			if b.Status != models.StatusStarted {
				if err := b.Transition(models.StatusStarted); err != nil {
					return apperr.Conflict("Booking cannot be started from its current status.").WithDetail("booking_status", b.Status)
				}
			}
			if b.StartTime == nil {
				b.StartTime = &now
			}
		case models.StopDropoff:
			if err := b.Transition(models.StatusCompleted); err != nil {
				return apperr.Conflict("Complete the pickup before the drop-off.").WithDetail("booking_status", b.Status)
			}
			b.EndTime = &now
			if err := SetRiderPresence(ctx, tx, b.RiderID, models.PresenceAvailable); err != nil {
				return err
			}
		}
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		stop.Status = models.StopCompleted
		stop.CompletedAt = &now
		if err := tx.UpdateStop(ctx, stop); err != nil {
			return err
		}
		if err := p.PlanDriverStops(ctx, tx, driverID); err != nil {
			return fmt.Errorf("plan stops: %w", err)
		}
		return SyncDriverPresence(ctx, tx, driverID)
	})
	if err != nil {
		return nil, err
	}

	if !res.AlreadyCompleted {
		observability.StopsCompleted.WithLabelValues(string(res.Stop.Type)).Inc()
		if from != res.Booking.Status {
			observability.BookingTransitions.WithLabelValues(string(from), string(res.Booking.Status)).Inc()
		}
		p.logger().Info("stop completed",
			slog.Int64("driver_id", driverID),
			slog.Int64("booking_id", res.Booking.ID),
			slog.String("stop_type", string(res.Stop.Type)),
			slog.String("booking_status", string(res.Booking.Status)),
		)
		p.notifyRider(ctx, res.Booking, res.Stop.Type)
	}

	if res.Itinerary, err = p.BuildDriverItinerary(ctx, driverID); err != nil {
		return nil, err
	}
	if res.Stop.Type == models.StopDropoff && !res.AlreadyCompleted {
		unpaid, err := p.Store.UnpaidCompletedBookings(ctx, driverID)
		if err != nil {
			return nil, err
		}
		for _, b := range unpaid {
			res.CompletedBookings = append(res.CompletedBookings, UnpaidBooking{ID: b.ID, Fare: b.FareString()})
		}
		if len(unpaid) > 0 {
			id := res.Booking.ID
			res.PaymentModalBookingID = &id
		}
	}
	return res, nil
}

func (p *Planner) notifyRider(ctx context.Context, b *models.Booking, t models.StopType) {
	if p.Notifier == nil {
		return
	}
	msg := dispatch.Message{Type: dispatch.TypeTripStarted, BookingID: b.ID, Title: "Trip started", Body: "You have been picked up."}
	if t == models.StopDropoff {
		msg = dispatch.Message{Type: dispatch.TypeTripCompleted, BookingID: b.ID, Title: "Trip completed",
			Body: "You have arrived. Please confirm payment with your driver.", Data: map[string]any{}}
		if fare := b.FareString(); fare != nil {
			msg.Data["fare"] = *fare
		}
	}
	p.Notifier.Notify(ctx, b.RiderID, msg)
}
