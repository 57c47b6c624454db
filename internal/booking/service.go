// Package booking drives the booking lifecycle and keeps route snapshots,
// itineraries and availability flags consistent with every status change.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-tracking/internal/apperr"
	"github.com/example/ride-tracking/internal/dispatch"
	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/itinerary"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
	"github.com/example/ride-tracking/internal/reroute"
	"github.com/example/ride-tracking/internal/routing"
	"github.com/example/ride-tracking/internal/storage"
)

var (
	ErrBookingNotFound   = apperr.NotFound("Booking not found.")
	ErrLocationNotFound  = apperr.NotFound("Driver location not available.")
	ErrNoDriverAssigned  = apperr.NotFound("No driver assigned to this booking yet.")
	ErrRouteNotFound     = apperr.NotFound("No active route for this booking.")
	ErrNotParty          = apperr.Permission("You are not part of this booking.")
	ErrNotAssignedDriver = apperr.Permission("You are not the assigned driver for this booking.")
	ErrNotRider          = apperr.Permission("Only the rider who booked this trip can do that.")
	ErrNotAvailable      = apperr.Conflict("This ride is no longer available.")
	ErrRiderBusy         = apperr.Conflict("Rider already has an active trip.")
	ErrInvalidLocation   = apperr.Validation("latitude and longitude are required and must be valid coordinates.")
	ErrInvalidPassengers = apperr.Validation("passengers must be at least 1.")
	ErrNotInProgress     = apperr.Conflict("Booking is not in progress.")
)

// Events publishes tracking events; nil disables publishing.
type Events interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
	PublishDriverOffline(ctx context.Context, driverID int64) error
	PublishRouteTask(ctx context.Context, bookingID int64, reason string) error
}

type Service struct {
	Store    storage.Store
	Planner  *itinerary.Planner
	Routing  *routing.Client
	Engine   *reroute.Engine
	Capacity CapacityChecker // optional
	Detour   DetourChecker   // optional
	Events   Events          // optional
	Index    geo.DriverIndex // optional
	Notifier *dispatch.Safe  // optional
	Logger   *slog.Logger

	// OfferRadiusKm bounds the drivers told about a new booking; zero
	// disables the offer.
	OfferRadiusKm float64
	OfferLimit    int

	PinMaxAttempts int
	Now            func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) notify(ctx context.Context, userID int64, msg dispatch.Message) {
	if s.Notifier != nil {
		s.Notifier.Notify(ctx, userID, msg)
	}
}

type CreateRequest struct {
	PickupAddress      string
	Pickup             models.Coord
	DestinationAddress string
	Destination        models.Coord
	Passengers         int
	// Fare is computed by the pricing service before the request reaches us.
	Fare decimal.NullDecimal
}

// Create records a new pending trip request for the rider.
func (s *Service) Create(ctx context.Context, riderID int64, req CreateRequest) (*models.Booking, error) {
	if !validCoord(req.Pickup) || !validCoord(req.Destination) {
		return nil, ErrInvalidLocation
	}
	req.Pickup, req.Destination = req.Pickup.Rounded(), req.Destination.Rounded()
	if req.Passengers == 0 {
		req.Passengers = 1
	}
	if req.Passengers < 0 {
		return nil, ErrInvalidPassengers
	}
	if req.Fare.Valid && req.Fare.Decimal.IsNegative() {
		return nil, apperr.Validation("fare must not be negative.")
	}
	maxAttempts := s.PinMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	now := s.now()
	b := &models.Booking{
		RiderID:             riderID,
		PickupAddress:       req.PickupAddress,
		Pickup:              req.Pickup,
		DestinationAddress:  req.DestinationAddress,
		Destination:         req.Destination,
		Passengers:          req.Passengers,
		Status:              models.StatusPending,
		BookingTime:         now,
		Fare:                req.Fare,
		EstimatedDistanceKm: decimal.NewNullDecimal(decimal.NewFromFloat(geo.Between(req.Pickup, req.Destination)).Round(2)),
		PinMaxAttempts:      maxAttempts,
		CreatedAt:           now,
	}
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		open, err := tx.ListRiderBookings(ctx, riderID, append([]models.BookingStatus{models.StatusPending}, models.DriverActiveStatuses...)...)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return apperr.Conflict("You already have an active booking.").WithDetail("booking_id", open[0].ID)
		}
		return tx.CreateBooking(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	s.logger().Info("booking created", slog.Int64("booking_id", b.ID), slog.Int64("rider_id", riderID))
	s.offerToNearbyDrivers(ctx, b)
	return b, nil
}

// offerToNearbyDrivers tells available drivers around the pickup about a new
// booking. Drivers in a trip or offline are skipped.
func (s *Service) offerToNearbyDrivers(ctx context.Context, b *models.Booking) {
	if s.Index == nil || s.Notifier == nil || s.OfferRadiusKm <= 0 {
		return
	}
	near, err := s.Index.Nearby(ctx, b.Pickup, s.OfferRadiusKm, s.OfferLimit)
	if err != nil {
		s.logger().Warn("nearby driver lookup failed", slog.Int64("booking_id", b.ID), slog.String("error", err.Error()))
		return
	}
	data := map[string]any{
		"pickup":      b.PickupAddress,
		"destination": b.DestinationAddress,
		"passengers":  b.Passengers,
	}
	if fare := b.FareString(); fare != nil {
		data["fare"] = *fare
	}
	offered := 0
	for _, n := range near {
		p, err := s.Store.GetPresence(ctx, n.DriverID, models.RoleDriver)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			s.logger().Warn("driver presence lookup failed", slog.Int64("driver_id", n.DriverID), slog.String("error", err.Error()))
			continue
		case p.Status != models.PresenceOnline && p.Status != models.PresenceAvailable:
			continue
		}
		d := make(map[string]any, len(data)+1)
		for k, v := range data {
			d[k] = v
		}
		d["distance_km"] = math.Round(n.DistKm*100) / 100
		s.notify(ctx, n.DriverID, dispatch.Message{
			Type:      dispatch.TypeNewRideAvailable,
			BookingID: b.ID,
			Title:     "New ride available",
			Body:      fmt.Sprintf("%s to %s", b.PickupAddress, b.DestinationAddress),
			Data:      d,
		})
		offered++
	}
	s.logger().Debug("booking offered", slog.Int64("booking_id", b.ID), slog.Int("drivers", offered))
}

// Accept assigns a pending booking to the driver. The driver-to-pickup route
// is computed before any lock is taken.
func (s *Service) Accept(ctx context.Context, bookingID, driverID int64) (*models.Booking, error) {
	b, err := s.load(ctx, s.Store, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusPending || b.DriverID != nil {
		return nil, ErrNotAvailable
	}

	loc, err := s.Store.GetLocation(ctx, driverID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	var route *routing.Route
	if loc != nil {
		route = s.Routing.CalculateRoute(ctx, loc.Loc.LonLat(), b.Pickup.LonLat())
	}

	err = s.Store.InTx(ctx, func(tx storage.Tx) error {
		locked, err := s.lock(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if locked.Status != models.StatusPending || locked.DriverID != nil {
			return ErrNotAvailable
		}
		if err := tx.LockDriver(ctx, driverID); err != nil {
			return err
		}
		busy, err := tx.ListRiderBookings(ctx, locked.RiderID, models.DriverActiveStatuses...)
		if err != nil {
			return err
		}
		if len(busy) > 0 {
			return ErrRiderBusy
		}
		if s.Capacity != nil {
			if err := s.Capacity.CheckCapacity(ctx, tx, driverID, locked); err != nil {
				return err
			}
		}
		if s.Detour != nil {
			if err := s.Detour.CheckDetour(ctx, tx, driverID, locked); err != nil {
				return err
			}
		}

		now := s.now()
		if err := locked.Transition(models.StatusAccepted); err != nil {
			return err
		}
		locked.DriverID = &driverID
		locked.StartTime = &now
		if routing.Usable(route) {
			applyETA(locked, route, now)
			if err := tx.SwapActiveSnapshot(ctx, snapshotOf(locked.ID, route, now)); err != nil {
				return fmt.Errorf("swap snapshot: %w", err)
			}
		}
		if err := tx.UpdateBooking(ctx, locked); err != nil {
			return err
		}
		if err := s.Planner.EnsureStops(ctx, tx, locked); err != nil {
			return fmt.Errorf("ensure stops: %w", err)
		}
		if err := s.Planner.PlanDriverStops(ctx, tx, driverID); err != nil {
			return fmt.Errorf("plan stops: %w", err)
		}
		if err := itinerary.SyncDriverPresence(ctx, tx, driverID); err != nil {
			return err
		}
		if err := itinerary.SetRiderPresence(ctx, tx, locked.RiderID, models.PresenceInTrip); err != nil {
			return err
		}
		b = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.BookingTransitions.WithLabelValues(string(models.StatusPending), string(models.StatusAccepted)).Inc()
	s.Routing.Invalidate(ctx, bookingID, nil)
	s.publishRouteTask(ctx, bookingID, "accepted")
	s.logger().Info("booking accepted", slog.Int64("booking_id", bookingID), slog.Int64("driver_id", driverID))
	s.notify(ctx, b.RiderID, dispatch.Message{
		Type: dispatch.TypeBookingAccepted, BookingID: bookingID,
		Title: "Driver found", Body: "A driver accepted your booking and is heading to you.",
		Data: map[string]any{"driver_id": driverID},
	})
	return b, nil
}

// MarkOnTheWay records that the driver has set off towards the pickup.
func (s *Service) MarkOnTheWay(ctx context.Context, bookingID, driverID int64) (*models.Booking, error) {
	b, err := s.transition(ctx, bookingID, models.StatusOnTheWay, func(b *models.Booking) error {
		if !b.AssignedTo(driverID) {
			return ErrNotAssignedDriver
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, b.RiderID, dispatch.Message{
		Type: dispatch.TypeDriverOnTheWay, BookingID: b.ID,
		Title: "Driver on the way", Body: "Your driver is on the way to the pickup point.",
	})
	return b, nil
}

// DriverCancel puts an assigned booking back in the pending pool.
func (s *Service) DriverCancel(ctx context.Context, bookingID, driverID int64) (*models.Booking, error) {
	var prev models.BookingStatus
	b, err := s.transition(ctx, bookingID, models.StatusPending, func(b *models.Booking) error {
		if !b.AssignedTo(driverID) {
			return ErrNotAssignedDriver
		}
		if !b.Status.InProgress() {
			return ErrNotInProgress.WithDetail("booking_status", b.Status)
		}
		prev = b.Status
		return nil
	}, func(tx storage.Tx, b *models.Booking) error {
		b.DriverID = nil
		b.StartTime = nil
		b.EstimatedDuration = nil
		b.EstimatedArrival = nil
		b.ClearPin()
		if err := tx.DeleteStops(ctx, b.ID); err != nil {
			return err
		}
		if err := s.Planner.PlanDriverStops(ctx, tx, driverID); err != nil {
			return err
		}
		if err := itinerary.SetRiderPresence(ctx, tx, b.RiderID, models.PresenceAvailable); err != nil {
			return err
		}
		return itinerary.SyncDriverPresence(ctx, tx, driverID)
	})
	if err != nil {
		return nil, err
	}

	s.Routing.Invalidate(ctx, bookingID, &driverID, append([]models.BookingStatus{prev}, models.DriverActiveStatuses...)...)
	s.logger().Info("booking cancelled by driver", slog.Int64("booking_id", bookingID), slog.Int64("driver_id", driverID), slog.String("from", string(prev)))
	s.notify(ctx, b.RiderID, dispatch.Message{
		Type: dispatch.TypeBookingCancelled, BookingID: bookingID,
		Title: "Driver cancelled", Body: "Your driver cancelled. We are finding you another driver.",
		Data: map[string]any{"cancelled_by": "driver"},
	})
	return b, nil
}

// RiderCancel ends the booking for good.
func (s *Service) RiderCancel(ctx context.Context, bookingID, riderID int64) (*models.Booking, error) {
	var prev models.BookingStatus
	var driverID *int64
	b, err := s.transition(ctx, bookingID, models.StatusCancelledByRider, func(b *models.Booking) error {
		if b.RiderID != riderID {
			return ErrNotRider
		}
		prev, driverID = b.Status, b.DriverID
		return nil
	}, func(tx storage.Tx, b *models.Booking) error {
		if err := itinerary.SetRiderPresence(ctx, tx, b.RiderID, models.PresenceAvailable); err != nil {
			return err
		}
		if b.DriverID == nil {
			return nil
		}
		if err := s.Planner.PlanDriverStops(ctx, tx, *b.DriverID); err != nil {
			return err
		}
		return itinerary.SyncDriverPresence(ctx, tx, *b.DriverID)
	})
	if err != nil {
		return nil, err
	}
	s.Routing.Invalidate(ctx, bookingID, driverID, prev)
	s.logger().Info("booking cancelled by rider", slog.Int64("booking_id", bookingID), slog.Int64("rider_id", riderID), slog.String("from", string(prev)))
	if driverID != nil {
		s.notify(ctx, *driverID, dispatch.Message{
			Type: dispatch.TypeBookingCancelled, BookingID: bookingID,
			Title: "Booking cancelled", Body: "The rider cancelled this booking.",
			Data: map[string]any{"cancelled_by": "rider"},
		})
	}
	return b, nil
}

// MarkNoDriverFound is called by the matching service when it gives up.
func (s *Service) MarkNoDriverFound(ctx context.Context, bookingID int64) (*models.Booking, error) {
	b, err := s.transition(ctx, bookingID, models.StatusNoDriverFound, nil, func(tx storage.Tx, b *models.Booking) error {
		return itinerary.SetRiderPresence(ctx, tx, b.RiderID, models.PresenceAvailable)
	})
	if err != nil {
		return nil, err
	}
	s.Routing.Invalidate(ctx, bookingID, nil)
	return b, nil
}

// transition locks the booking, runs check, applies the status change and
// then apply, all in one transaction. The booking is written after apply.
func (s *Service) transition(ctx context.Context, bookingID int64, to models.BookingStatus,
	check func(b *models.Booking) error, apply func(tx storage.Tx, b *models.Booking) error,
) (*models.Booking, error) {
	var (
		out  *models.Booking
		from models.BookingStatus
	)
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		b, err := s.lock(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(b); err != nil {
				return err
			}
		}
		from = b.Status
		if err := b.Transition(to); err != nil {
			return apperr.Conflict(fmt.Sprintf("Cannot change booking from %s to %s.", from, to)).WithDetail("booking_status", from)
		}
		// Write the status first so that planning inside apply no longer
		// sees a booking that has left the active set.
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		if apply != nil {
			if err := apply(tx, b); err != nil {
				return err
			}
			if err := tx.UpdateBooking(ctx, b); err != nil {
				return err
			}
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.BookingTransitions.WithLabelValues(string(from), string(to)).Inc()
	return out, nil
}

// UpdateLocation stores the driver's ping and re-checks the route of every
// booking the driver is serving. Per-booking failures are logged, never
// returned.
func (s *Service) UpdateLocation(ctx context.Context, driverID int64, ping models.DriverLocation) (*models.DriverLocation, error) {
	if !validCoord(ping.Loc) {
		return nil, ErrInvalidLocation
	}
	ping.DriverID = driverID
	ping.Loc = ping.Loc.Rounded()
	ping.Timestamp = s.now()
	if err := s.Store.UpsertLocation(ctx, &ping); err != nil {
		return nil, err
	}
	observability.LocationUpdatesTotal.Inc()

	if s.Index != nil {
		if err := s.Index.Upsert(ctx, driverID, ping.Loc); err != nil {
			s.logger().Warn("driver index update failed", slog.Int64("driver_id", driverID), slog.String("error", err.Error()))
		}
	}
	if s.Events != nil {
		if err := s.Events.PublishLocation(ctx, ping); err != nil {
			observability.EventPublishErrors.Inc()
			s.logger().Warn("location publish failed", slog.Int64("driver_id", driverID), slog.String("error", err.Error()))
		}
	}

	active, err := s.Store.ListDriverBookings(ctx, driverID, models.DriverActiveStatuses...)
	if err != nil {
		s.logger().Error("list active bookings failed", slog.Int64("driver_id", driverID), slog.String("error", err.Error()))
		return &ping, nil
	}
	for _, b := range active {
		if _, err := s.checkAndReroute(ctx, b, &ping, false); err != nil {
			s.logger().Error("reroute failed",
				slog.Int64("booking_id", b.ID),
				slog.Int64("driver_id", driverID),
				slog.String("error", err.Error()),
			)
		}
	}
	return &ping, nil
}

// checkAndReroute swaps in a fresh route when the engine (or force) asks for
// one. It reports whether a new snapshot was stored.
func (s *Service) checkAndReroute(ctx context.Context, b *models.Booking, loc *models.DriverLocation, force bool) (bool, error) {
	snap, err := s.Store.ActiveSnapshot(ctx, b.ID)
	if err != nil {
		return false, err
	}
	if !force && !s.Engine.ShouldReroute(loc, snap) {
		observability.ReroutesTotal.WithLabelValues("skipped").Inc()
		return false, nil
	}
	route := s.Routing.CalculateRoute(ctx, loc.Loc.LonLat(), legTarget(b).LonLat())
	if !routing.Usable(route) {
		observability.ReroutesTotal.WithLabelValues("no_route").Inc()
		return false, nil
	}

	stored := false
	err = s.Store.InTx(ctx, func(tx storage.Tx) error {
		locked, err := tx.LockBooking(ctx, b.ID)
		if err != nil {
			return err
		}
		// The booking may have moved on while the route was computed.
		if !locked.Status.InProgress() || !locked.AssignedTo(loc.DriverID) {
			return nil
		}
		now := s.now()
		if err := tx.SwapActiveSnapshot(ctx, snapshotOf(locked.ID, route, now)); err != nil {
			return err
		}
		applyETA(locked, route, now)
		if err := tx.UpdateBooking(ctx, locked); err != nil {
			return err
		}
		stored = true
		return nil
	})
	if err != nil {
		observability.ReroutesTotal.WithLabelValues("error").Inc()
		return false, err
	}
	if stored {
		observability.ReroutesTotal.WithLabelValues("rerouted").Inc()
	}
	return stored, nil
}

type LocationView struct {
	BookingID     int64                  `json:"booking_id"`
	BookingStatus models.BookingStatus   `json:"booking_status"`
	Location      *models.DriverLocation `json:"location"`
	ETASeconds    *int                   `json:"eta_seconds"`
	ETATarget     string                 `json:"eta_target"`
}

// DriverLocationFor returns the driver's last position with an ETA to the
// pickup while heading there, to the destination afterwards.
func (s *Service) DriverLocationFor(ctx context.Context, bookingID int64, actor models.Actor) (*LocationView, error) {
	b, err := s.load(ctx, s.Store, bookingID)
	if err != nil {
		return nil, err
	}
	if !isParty(b, actor) {
		return nil, ErrNotParty
	}
	if b.DriverID == nil {
		return nil, ErrNoDriverAssigned
	}
	loc, err := s.Store.GetLocation(ctx, *b.DriverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrLocationNotFound
	}
	if err != nil {
		return nil, err
	}
	target := "destination"
	if b.Status.HeadingToPickup() {
		target = "pickup"
	}
	return &LocationView{
		BookingID:     b.ID,
		BookingStatus: b.Status,
		Location:      loc,
		ETASeconds:    s.Routing.ETASeconds(ctx, routing.KeyFor(b), loc.Loc.LonLat(), legTarget(b).LonLat()),
		ETATarget:     target,
	}, nil
}

// CurrentRoute returns the booking's active snapshot.
func (s *Service) CurrentRoute(ctx context.Context, bookingID int64, actor models.Actor) (*models.RouteSnapshot, error) {
	b, err := s.load(ctx, s.Store, bookingID)
	if err != nil {
		return nil, err
	}
	if !isParty(b, actor) {
		return nil, ErrNotParty
	}
	snap, err := s.Store.ActiveSnapshot(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrRouteNotFound
	}
	return snap, nil
}

type RerouteResult struct {
	Rerouted bool                  `json:"rerouted"`
	Route    *models.RouteSnapshot `json:"route"`
}

// Reroute runs the check-and-reroute flow on demand. With force the engine's
// verdict is ignored.
func (s *Service) Reroute(ctx context.Context, bookingID, driverID int64, force bool) (*RerouteResult, error) {
	b, err := s.load(ctx, s.Store, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.AssignedTo(driverID) {
		return nil, ErrNotAssignedDriver
	}
	if !b.Status.InProgress() {
		return nil, ErrNotInProgress.WithDetail("booking_status", b.Status)
	}
	loc, err := s.Store.GetLocation(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrLocationNotFound
	}
	if err != nil {
		return nil, err
	}
	rerouted, err := s.checkAndReroute(ctx, b, loc, force)
	if err != nil {
		return nil, err
	}
	snap, err := s.Store.ActiveSnapshot(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return &RerouteResult{Rerouted: rerouted, Route: snap}, nil
}

// PrecomputeRoute warms the route cache for the booking's current leg and
// stores a first snapshot when none exists. It runs from the worker.
func (s *Service) PrecomputeRoute(ctx context.Context, bookingID int64) error {
	b, err := s.load(ctx, s.Store, bookingID)
	if err != nil {
		return err
	}
	if !b.Status.InProgress() || b.DriverID == nil {
		return nil
	}
	loc, err := s.Store.GetLocation(ctx, *b.DriverID)
	if errors.Is(err, storage.ErrNotFound) {
		// Without a position only the trip leg itself is known.
		s.Routing.RouteInfo(ctx, routing.KeyFor(b), b.Pickup.LonLat(), b.Destination.LonLat())
		return nil
	}
	if err != nil {
		return err
	}
	s.Routing.RouteInfo(ctx, routing.KeyFor(b), loc.Loc.LonLat(), legTarget(b).LonLat())
	_, err = s.checkAndReroute(ctx, b, loc, false)
	return err
}

// SetDriverAvailability records the driver's explicit Online/Offline toggle.
// Going offline forgets their last position.
func (s *Service) SetDriverAvailability(ctx context.Context, driverID int64, online bool) (*models.Presence, error) {
	preferred := models.PresenceOffline
	if online {
		preferred = models.PresenceOnline
	}
	var (
		out       *models.Presence
		wasOnline bool
	)
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		p, err := tx.GetPresence(ctx, driverID, models.RoleDriver)
		if errors.Is(err, storage.ErrNotFound) {
			p = &models.Presence{UserID: driverID, Role: models.RoleDriver}
		} else if err != nil {
			return err
		}
		wasOnline = p.Preferred == models.PresenceOnline
		p.Preferred = preferred
		if err := tx.SetPresence(ctx, p); err != nil {
			return err
		}
		if err := itinerary.SyncDriverPresence(ctx, tx, driverID); err != nil {
			return err
		}
		if !online {
			if err := tx.DeleteLocation(ctx, driverID); err != nil {
				return err
			}
		}
		out, err = tx.GetPresence(ctx, driverID, models.RoleDriver)
		return err
	})
	if err != nil {
		return nil, err
	}
	switch {
	case online && !wasOnline:
		observability.DriversOnline.Inc()
	case !online && wasOnline:
		observability.DriversOnline.Dec()
	}
	if !online {
		if s.Index != nil {
			if err := s.Index.Remove(ctx, driverID); err != nil {
				s.logger().Warn("driver index remove failed", slog.Int64("driver_id", driverID), slog.String("error", err.Error()))
			}
		}
		if s.Events != nil {
			if err := s.Events.PublishDriverOffline(ctx, driverID); err != nil {
				observability.EventPublishErrors.Inc()
				s.logger().Warn("offline publish failed", slog.Int64("driver_id", driverID), slog.String("error", err.Error()))
			}
		}
	}
	s.logger().Info("driver availability", slog.Int64("driver_id", driverID), slog.String("status", string(out.Status)))
	return out, nil
}

func (s *Service) publishRouteTask(ctx context.Context, bookingID int64, reason string) {
	if s.Events == nil {
		return
	}
	if err := s.Events.PublishRouteTask(ctx, bookingID, reason); err != nil {
		observability.EventPublishErrors.Inc()
		s.logger().Warn("route task publish failed", slog.Int64("booking_id", bookingID), slog.String("error", err.Error()))
	}
}

func (s *Service) load(ctx context.Context, q storage.Queries, id int64) (*models.Booking, error) {
	b, err := q.GetBooking(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrBookingNotFound
	}
	return b, err
}

func (s *Service) lock(ctx context.Context, tx storage.Tx, id int64) (*models.Booking, error) {
	b, err := tx.LockBooking(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrBookingNotFound
	}
	return b, err
}

// legTarget is where the driver is heading next for this booking.
func legTarget(b *models.Booking) models.Coord {
	if b.Status.HeadingToPickup() {
		return b.Pickup
	}
	return b.Destination
}

func isParty(b *models.Booking, actor models.Actor) bool {
	switch actor.Role {
	case models.RoleRider:
		return b.RiderID == actor.ID
	case models.RoleDriver:
		return b.AssignedTo(actor.ID)
	case models.RoleSystem:
		return true
	}
	return false
}

var (
	maxLat = decimal.NewFromInt(90)
	maxLon = decimal.NewFromInt(180)
)

func validCoord(c models.Coord) bool {
	if c.Lat.IsZero() && c.Lon.IsZero() {
		return false
	}
	return c.Lat.Abs().LessThanOrEqual(maxLat) && c.Lon.Abs().LessThanOrEqual(maxLon)
}

func snapshotOf(bookingID int64, r *routing.Route, now time.Time) *models.RouteSnapshot {
	return &models.RouteSnapshot{
		BookingID:  bookingID,
		RouteData:  r.RouteData,
		DistanceKm: r.DistanceKm,
		DurationS:  r.DurationS,
		CreatedAt:  now,
		Active:     true,
	}
}

func applyETA(b *models.Booking, r *routing.Route, now time.Time) {
	mins := int(math.Ceil(float64(r.DurationS) / 60))
	arrival := now.Add(time.Duration(r.DurationS) * time.Second)
	b.EstimatedDuration = &mins
	b.EstimatedArrival = &arrival
}

func sortBySequence(stops []*models.BookingStop) {
	sort.SliceStable(stops, func(i, j int) bool {
		if stops[i].Sequence != stops[j].Sequence {
			return stops[i].Sequence < stops[j].Sequence
		}
		return stops[i].ID < stops[j].ID
	})
}
