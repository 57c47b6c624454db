// Package payment gates cash trip completion behind a short-lived PIN that
// the driver generates and only the rider can enter.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/ride-tracking/internal/apperr"
	"github.com/example/ride-tracking/internal/dispatch"
	"github.com/example/ride-tracking/internal/itinerary"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
	"github.com/example/ride-tracking/internal/storage"
)

var (
	ErrBookingNotFound      = apperr.NotFound("Booking not found.")
	ErrDriversOnly          = apperr.Permission("Only drivers can generate payment PINs.")
	ErrNotAssignedDriver    = apperr.Permission("You are not the assigned driver for this booking.")
	ErrRidersOnly           = apperr.Permission("Only riders can verify payment PINs.")
	ErrNotAssignedRider     = apperr.Permission("You are not the assigned rider for this booking.")
	ErrNotParty             = apperr.Permission("Permission denied.")
	ErrTripNotStarted       = apperr.Validation("Cannot generate PIN. Booking must be started or completed.")
	ErrAlreadyVerified      = apperr.Validation("Payment already verified for this booking.")
	ErrPinRecentlyGenerated = apperr.Validation("A valid PIN was just generated. Please wait or use the existing PIN.")
	ErrPinNotGenerated      = apperr.Validation("No payment PIN has been generated yet. Please wait for the driver to provide the PIN.")
	ErrPinExpired           = apperr.Validation("Payment PIN has expired. Please ask the driver to generate a new PIN.")
	ErrMaxAttempts          = apperr.Validation("Maximum PIN verification attempts reached. Please ask the driver to generate a new PIN.")
	ErrPinRequired          = apperr.Validation("PIN is required.")
	ErrInvalidFormat        = apperr.Validation("PIN must be exactly 4 digits.")
	ErrIncorrectPin         = apperr.Validation("Incorrect PIN.")
)

type Config struct {
	TTL            time.Duration
	MaxAttempts    int
	DuplicateGuard time.Duration
	HashCost       int
}

func DefaultConfig() Config {
	return Config{TTL: 5 * time.Minute, MaxAttempts: 3, DuplicateGuard: 30 * time.Second, HashCost: bcrypt.DefaultCost}
}

type Service struct {
	Store    storage.Store
	Planner  *itinerary.Planner // re-plans the driver's stops when a PIN closes a started trip
	Config   Config
	Notifier *dispatch.Safe
	Logger   *slog.Logger
	Now      func() time.Time
	NewPin   func() (string, error) // defaults to RandomPin
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

func (s *Service) cfg() Config {
	c := s.Config
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	// A negative guard disables it; zero means unset.
	switch {
	case c.DuplicateGuard < 0:
		c.DuplicateGuard = 0
	case c.DuplicateGuard == 0:
		c.DuplicateGuard = d.DuplicateGuard
	}
	if c.HashCost == 0 {
		c.HashCost = d.HashCost
	}
	return c
}

type GeneratedPin struct {
	PIN         string    `json:"pin"`
	ExpiresAt   time.Time `json:"expires_at"`
	MaxAttempts int       `json:"max_attempts"`
}

// GeneratePin issues a fresh PIN for the booking. The plaintext is returned
// here only and never stored.
func (s *Service) GeneratePin(ctx context.Context, bookingID int64, actor models.Actor) (*GeneratedPin, error) {
	b, err := s.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := checkGenerate(b, actor); err != nil {
		s.outcome("generate", err)
		return nil, err
	}

	cfg := s.cfg()
	newPin := s.NewPin
	if newPin == nil {
		newPin = RandomPin
	}
	pin, err := newPin()
	if err != nil {
		return nil, err
	}
	hash, err := hashPin(pin, cfg.HashCost)
	if err != nil {
		return nil, fmt.Errorf("hash pin: %w", err)
	}

	var out *GeneratedPin
	err = s.Store.InTx(ctx, func(tx storage.Tx) error {
		locked, err := tx.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if err := checkGenerate(locked, actor); err != nil {
			return err
		}
		now := s.now()
		if locked.PinValid(now) && locked.PinCreatedAt != nil && now.Sub(*locked.PinCreatedAt) < cfg.DuplicateGuard {
			return ErrPinRecentlyGenerated.
				WithAttempts(locked.PinAttemptsRemaining()).
				WithDetail("expires_at", locked.PinExpiresAt.UTC().Format(time.RFC3339))
		}
		locked.ClearPin()
		expires := now.Add(cfg.TTL)
		locked.PinHash = hash
		locked.PinCreatedAt = &now
		locked.PinExpiresAt = &expires
		locked.PinAttempts = 0
		locked.PinMaxAttempts = cfg.MaxAttempts
		if err := tx.UpdateBooking(ctx, locked); err != nil {
			return err
		}
		b = locked
		out = &GeneratedPin{PIN: pin, ExpiresAt: expires, MaxAttempts: cfg.MaxAttempts}
		return nil
	})
	s.outcome("generate", err)
	if err != nil {
		return nil, mapNotFound(err)
	}

	s.logger().Info("payment pin generated",
		slog.Int64("booking_id", bookingID),
		slog.Int64("driver_id", actor.ID),
		slog.Time("expires_at", out.ExpiresAt),
	)
	if s.Notifier != nil {
		s.Notifier.Notify(ctx, b.RiderID, dispatch.Message{
			Type:      dispatch.TypePinGenerated,
			BookingID: b.ID,
			Title:     "Payment PIN ready",
			Body:      "Your driver has generated a payment PIN. Enter it to confirm your payment.",
			Data:      map[string]any{"expires_at": out.ExpiresAt.Format(time.RFC3339)},
		})
	}
	return out, nil
}

func checkGenerate(b *models.Booking, actor models.Actor) error {
	if actor.Role != models.RoleDriver {
		return ErrDriversOnly
	}
	if !b.AssignedTo(actor.ID) {
		return ErrNotAssignedDriver
	}
	if b.Status != models.StatusStarted && b.Status != models.StatusCompleted {
		return ErrTripNotStarted.WithDetail("booking_status", b.Status)
	}
	if b.PaymentVerified {
		return ErrAlreadyVerified
	}
	return nil
}

type VerifyResult struct {
	BookingID  int64                `json:"booking_id"`
	Status     models.BookingStatus `json:"booking_status"`
	VerifiedAt time.Time            `json:"verified_at"`
	Fare       *string              `json:"fare"`
}

// VerifyPin checks the rider's PIN. A mismatch consumes one attempt; a match
// marks the booking paid and completed.
func (s *Service) VerifyPin(ctx context.Context, bookingID int64, actor models.Actor, pin string) (*VerifyResult, error) {
	b, err := s.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleRider {
		return nil, ErrRidersOnly
	}
	if b.RiderID != actor.ID {
		return nil, ErrNotAssignedRider
	}
	pin = strings.TrimSpace(pin)
	if err := s.checkVerify(b, pin); err != nil {
		s.outcome("verify", err)
		return nil, err
	}

	var (
		res       *VerifyResult
		wrong     error
		wasStatus models.BookingStatus
	)
	err = s.Store.InTx(ctx, func(tx storage.Tx) error {
		locked, err := tx.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if err := s.checkVerify(locked, pin); err != nil {
			return err
		}
		now := s.now()
		if !pinMatches(locked.PinHash, pin) {
			locked.PinAttempts++
			if err := tx.UpdateBooking(ctx, locked); err != nil {
				return err
			}
			remaining := locked.PinAttemptsRemaining()
			msg := fmt.Sprintf("Incorrect PIN. %d attempt(s) remaining.", remaining)
			if remaining == 0 {
				msg = "Incorrect PIN. Maximum attempts reached. Please ask the driver to generate a new PIN."
			}
			// Committed below; the attempt must persist even though the call fails.
			wrong = (&apperr.Error{Kind: apperr.KindValidation, Message: msg, Err: ErrIncorrectPin}).WithAttempts(remaining)
			return nil
		}

		wasStatus = locked.Status
		if err := locked.Transition(models.StatusCompleted); err != nil {
			return apperr.Conflict("Booking cannot be completed from its current status.").WithDetail("booking_status", locked.Status)
		}
		locked.PaymentVerified = true
		locked.PaymentVerifiedAt = &now
		locked.EndTime = &now
		if err := tx.UpdateBooking(ctx, locked); err != nil {
			return err
		}
		if wasStatus != models.StatusCompleted {
			if err := s.closeTrip(ctx, tx, locked, now); err != nil {
				return err
			}
		}
		b = locked
		res = &VerifyResult{BookingID: locked.ID, Status: locked.Status, VerifiedAt: now, Fare: locked.FareString()}
		return nil
	})
	if err == nil && wrong != nil {
		err = wrong
	}
	s.outcome("verify", err)
	if err != nil {
		return nil, mapNotFound(err)
	}

	if wasStatus != models.StatusCompleted {
		observability.BookingTransitions.WithLabelValues(string(wasStatus), string(models.StatusCompleted)).Inc()
	}
	s.logger().Info("payment verified",
		slog.Int64("booking_id", bookingID),
		slog.Int64("rider_id", actor.ID),
	)
	if s.Notifier != nil {
		msg := dispatch.Message{
			Type:      dispatch.TypePaymentVerified,
			BookingID: b.ID,
			Title:     "Payment confirmed",
			Body:      "Payment verified successfully. Trip completed.",
			Data:      map[string]any{},
		}
		if res.Fare != nil {
			msg.Data["fare"] = *res.Fare
		}
		s.Notifier.Notify(ctx, b.RiderID, msg)
		if b.DriverID != nil {
			s.Notifier.Notify(ctx, *b.DriverID, msg)
		}
	}
	return res, nil
}

// checkVerify runs the rider-facing checks in their fixed order.
func (s *Service) checkVerify(b *models.Booking, pin string) error {
	if b.PaymentVerified {
		if b.PaymentVerifiedAt != nil {
			return ErrAlreadyVerified.WithDetail("verified_at", b.PaymentVerifiedAt.UTC().Format(time.RFC3339))
		}
		return ErrAlreadyVerified
	}
	if b.PinHash == "" {
		return ErrPinNotGenerated
	}
	if b.PinExpiresAt != nil && s.now().After(*b.PinExpiresAt) {
		return ErrPinExpired.WithDetail("expired_at", b.PinExpiresAt.UTC().Format(time.RFC3339))
	}
	if b.PinAttempts >= b.PinMaxAttempts {
		return ErrMaxAttempts.WithAttempts(0).WithDetail("max_attempts", b.PinMaxAttempts)
	}
	if pin == "" {
		return ErrPinRequired
	}
	if !pinFormat.MatchString(pin) {
		return ErrInvalidFormat
	}
	return nil
}

// closeTrip finishes a booking whose PIN was verified before its drop-off
// stop was recorded.
func (s *Service) closeTrip(ctx context.Context, tx storage.Tx, b *models.Booking, now time.Time) error {
	stops, err := tx.ListStops(ctx, b.ID)
	if err != nil {
		return err
	}
	for _, st := range stops {
		if st.Status == models.StopCompleted {
			continue
		}
		st.Status = models.StopCompleted
		st.CompletedAt = &now
		if err := tx.UpdateStop(ctx, st); err != nil {
			return err
		}
	}
	if err := itinerary.SetRiderPresence(ctx, tx, b.RiderID, models.PresenceAvailable); err != nil {
		return err
	}
	if b.DriverID == nil {
		return nil
	}
	if s.Planner != nil {
		if err := s.Planner.PlanDriverStops(ctx, tx, *b.DriverID); err != nil {
			return err
		}
	}
	return itinerary.SyncDriverPresence(ctx, tx, *b.DriverID)
}

type PinStatus struct {
	PinExists         bool                 `json:"pin_exists"`
	PinValid          bool                 `json:"pin_valid"`
	PaymentVerified   bool                 `json:"payment_verified"`
	ExpiresAt         *time.Time           `json:"expires_at"`
	AttemptsRemaining int                  `json:"attempts_remaining"`
	MaxAttempts       int                  `json:"max_attempts"`
	BookingStatus     models.BookingStatus `json:"booking_status"`
	Fare              *string              `json:"fare"`
}

// PinStatus reads straight from the store so it always reflects the last
// committed state.
func (s *Service) PinStatus(ctx context.Context, bookingID int64, actor models.Actor) (*PinStatus, error) {
	b, err := s.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.RiderID != actor.ID && !b.AssignedTo(actor.ID) {
		return nil, ErrNotParty
	}
	return &PinStatus{
		PinExists:         b.PinHash != "",
		PinValid:          b.PinValid(s.now()),
		PaymentVerified:   b.PaymentVerified,
		ExpiresAt:         b.PinExpiresAt,
		AttemptsRemaining: b.PinAttemptsRemaining(),
		MaxAttempts:       b.PinMaxAttempts,
		BookingStatus:     b.Status,
		Fare:              b.FareString(),
	}, nil
}

func (s *Service) load(ctx context.Context, bookingID int64) (*models.Booking, error) {
	b, err := s.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return b, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrBookingNotFound
	}
	return err
}

func (s *Service) outcome(op string, err error) {
	label := "ok"
	var ae *apperr.Error
	switch {
	case err == nil:
	case errors.Is(err, ErrIncorrectPin):
		label = "incorrect"
	case errors.As(err, &ae):
		label = ae.Kind.String()
	default:
		label = "error"
	}
	observability.PinOutcomes.WithLabelValues(op, label).Inc()
}
