package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-tracking/internal/booking"
	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/ingest"
)

// RoutePrecomputer is the booking operation behind compute_route tasks.
type RoutePrecomputer interface {
	PrecomputeRoute(ctx context.Context, bookingID int64) error
}

// eventHandler keeps the driver GEO index in step with the location stream
// and runs queued route precomputes.
type eventHandler struct {
	index  geo.DriverIndex
	routes RoutePrecomputer
}

func (h *eventHandler) Handle(ctx context.Context, e ingest.Event) error {
	switch e.Type {
	case ingest.EventDriverLocation:
		return h.index.Upsert(ctx, e.Location.DriverID, e.Location.Loc)
	case ingest.EventDriverOffline:
		return h.index.Remove(ctx, e.DriverID)
	case ingest.EventComputeRoute:
		if h.routes == nil {
			return fmt.Errorf("%w: no route precomputer configured", ingest.ErrPermanent)
		}
		err := h.routes.PrecomputeRoute(ctx, e.BookingID)
		if errors.Is(err, booking.ErrBookingNotFound) {
			return fmt.Errorf("%w: booking %d: %v", ingest.ErrPermanent, e.BookingID, err)
		}
		return err
	}
	return fmt.Errorf("%w: unhandled type %q", ingest.ErrPermanent, e.Type)
}
