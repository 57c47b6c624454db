// Package dispatch delivers booking notifications to riders and drivers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-tracking/internal/observability"
)

// Message types sent to clients.
const (
	TypeNewRideAvailable = "new_ride_available"
	TypeBookingAccepted  = "booking_accepted"
	TypeBookingCancelled = "booking_cancelled"
	TypeDriverOnTheWay   = "driver_on_the_way"
	TypeTripStarted      = "trip_started"
	TypeTripCompleted    = "trip_completed"
	TypePinGenerated     = "payment_pin_generated"
	TypePaymentVerified  = "payment_verified"
)

type Message struct {
	Type      string         `json:"type"`
	BookingID int64          `json:"booking_id"`
	Title     string         `json:"title,omitempty"`
	Body      string         `json:"body,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
}

type Notifier interface {
	Notify(ctx context.Context, userID int64, msg Message) error
}

// Nop drops every message.
type Nop struct{}

func (Nop) Notify(context.Context, int64, Message) error { return nil }

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, userID int64, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, userID, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Safe never lets a delivery failure or panic reach the caller. Failures are
// logged and counted.
type Safe struct {
	n      Notifier
	logger *slog.Logger
}

func NewSafe(n Notifier, logger *slog.Logger) *Safe {
	if n == nil {
		n = Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Safe{n: n, logger: logger}
}

func (s *Safe) Notify(ctx context.Context, userID int64, msg Message) {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.fail(userID, msg, fmt.Errorf("panic: %v", rec))
		}
	}()
	if err := s.n.Notify(ctx, userID, msg); err != nil {
		s.fail(userID, msg, err)
	}
}

func (s *Safe) fail(userID int64, msg Message, err error) {
	observability.NotificationErrors.Inc()
	s.logger.Warn("notification failed",
		slog.Int64("user_id", userID),
		slog.Int64("booking_id", msg.BookingID),
		slog.String("type", msg.Type),
		slog.String("error", err.Error()),
	)
}
