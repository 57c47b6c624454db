// Package ingest carries tracking events over Kafka: driver location pings
// for downstream indexes and route precompute tasks for the worker.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-tracking/internal/models"
)

type EventType string

const (
	EventDriverLocation EventType = "driver_location"
	EventDriverOffline  EventType = "driver_offline"
	EventComputeRoute   EventType = "compute_route"
)

type Event struct {
	Type      EventType              `json:"type"`
	DriverID  int64                  `json:"driver_id,omitempty"`
	BookingID int64                  `json:"booking_id,omitempty"`
	Location  *models.DriverLocation `json:"location,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	At        time.Time              `json:"at"`
}

var ErrInvalidEvent = errors.New("invalid event")

// Decode parses and validates one message value.
func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	switch e.Type {
	case EventDriverLocation:
		if e.Location == nil || e.Location.DriverID == 0 {
			return e, fmt.Errorf("%w: location event without driver", ErrInvalidEvent)
		}
	case EventDriverOffline:
		if e.DriverID == 0 {
			return e, fmt.Errorf("%w: offline event without driver", ErrInvalidEvent)
		}
	case EventComputeRoute:
		if e.BookingID == 0 {
			return e, fmt.Errorf("%w: route task without booking", ErrInvalidEvent)
		}
	default:
		return e, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return e, nil
}
