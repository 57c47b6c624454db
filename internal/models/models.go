package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CoordScale is the number of fractional digits a coordinate keeps.
const CoordScale = 15

// Coord is an exact decimal position. Float math happens in geo and routing
// only; storage and the wire carry the decimal digits unchanged.
type Coord struct {
	Lat decimal.Decimal `json:"lat"`
	Lon decimal.Decimal `json:"lon"`
}

func NewCoord(lat, lon float64) Coord {
	return Coord{Lat: decimal.NewFromFloat(lat), Lon: decimal.NewFromFloat(lon)}
}

// Float returns the coordinate as float64 for distance math.
func (c Coord) Float() (lat, lon float64) {
	return c.Lat.InexactFloat64(), c.Lon.InexactFloat64()
}

// Rounded truncates the coordinate to CoordScale fractional digits, the
// precision it is persisted with.
func (c Coord) Rounded() Coord {
	return Coord{Lat: c.Lat.Round(CoordScale), Lon: c.Lon.Round(CoordScale)}
}

func (c Coord) Equal(o Coord) bool { return c.Lat.Equal(o.Lat) && c.Lon.Equal(o.Lon) }

// MarshalJSON writes both axes as JSON numbers with every stored digit.
func (c Coord) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Lat json.Number `json:"lat"`
		Lon json.Number `json:"lon"`
	}{json.Number(c.Lat.String()), json.Number(c.Lon.String())})
}

// LonLat returns the coordinate in routing-engine order.
func (c Coord) LonLat() LonLat {
	lat, lon := c.Float()
	return LonLat{Lon: lon, Lat: lat}
}

type LonLat struct {
	Lon float64
	Lat float64
}

type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
	RoleSystem Role = "system"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   int64
	Role Role
}

type BookingStatus string

const (
	StatusPending           BookingStatus = "pending"
	StatusAccepted          BookingStatus = "accepted"
	StatusOnTheWay          BookingStatus = "on_the_way"
	StatusStarted           BookingStatus = "started"
	StatusCompleted         BookingStatus = "completed"
	StatusCancelledByRider  BookingStatus = "cancelled_by_rider"
	StatusCancelledByDriver BookingStatus = "cancelled_by_driver"
	StatusNoDriverFound     BookingStatus = "no_driver_found"
)

// DriverActiveStatuses are the statuses in which a booking occupies its driver.
var DriverActiveStatuses = []BookingStatus{StatusAccepted, StatusOnTheWay, StatusStarted}

// InProgress reports whether the booking currently occupies its driver.
func (s BookingStatus) InProgress() bool {
	switch s {
	case StatusAccepted, StatusOnTheWay, StatusStarted:
		return true
	}
	return false
}

// HeadingToPickup reports whether the driver is still on the way to the rider.
func (s BookingStatus) HeadingToPickup() bool {
	return s == StatusAccepted || s == StatusOnTheWay
}

type Booking struct {
	ID                  int64               `json:"id"`
	RiderID             int64               `json:"rider_id"`
	DriverID            *int64              `json:"driver_id"`
	PickupAddress       string              `json:"pickup_address"`
	Pickup              Coord               `json:"pickup"`
	DestinationAddress  string              `json:"destination_address"`
	Destination         Coord               `json:"destination"`
	Passengers          int                 `json:"passengers"`
	Status              BookingStatus       `json:"status"`
	BookingTime         time.Time           `json:"booking_time"`
	StartTime           *time.Time          `json:"start_time"`
	EndTime             *time.Time          `json:"end_time"`
	Fare                decimal.NullDecimal `json:"-"`
	EstimatedDistanceKm decimal.NullDecimal `json:"-"`
	EstimatedDuration   *int                `json:"estimated_duration_min"`
	EstimatedArrival    *time.Time          `json:"estimated_arrival"`

	PinHash           string     `json:"-"`
	PinCreatedAt      *time.Time `json:"-"`
	PinExpiresAt      *time.Time `json:"-"`
	PinAttempts       int        `json:"-"`
	PinMaxAttempts    int        `json:"-"`
	PaymentVerified   bool       `json:"payment_verified"`
	PaymentVerifiedAt *time.Time `json:"payment_verified_at"`

	CreatedAt time.Time `json:"created_at"`
}

// AssignedTo reports whether driverID is the booking's driver.
func (b *Booking) AssignedTo(driverID int64) bool {
	return b.DriverID != nil && *b.DriverID == driverID
}

// PinValid is derived from the stored PIN fields and is never persisted.
func (b *Booking) PinValid(now time.Time) bool {
	if b.PinHash == "" || b.PinExpiresAt == nil {
		return false
	}
	if now.After(*b.PinExpiresAt) {
		return false
	}
	return b.PinAttempts < b.PinMaxAttempts
}

// PinAttemptsRemaining is zero when no PIN has been generated.
func (b *Booking) PinAttemptsRemaining() int {
	if b.PinHash == "" {
		return 0
	}
	if n := b.PinMaxAttempts - b.PinAttempts; n > 0 {
		return n
	}
	return 0
}

// ClearPin drops every PIN field so that a new one can be issued.
func (b *Booking) ClearPin() {
	b.PinHash = ""
	b.PinCreatedAt = nil
	b.PinExpiresAt = nil
	b.PinAttempts = 0
}

// FareString renders the fare with two decimals, nil when unset.
func (b *Booking) FareString() *string {
	if !b.Fare.Valid {
		return nil
	}
	s := b.Fare.Decimal.StringFixed(2)
	return &s
}

type StopType string

const (
	StopPickup  StopType = "PICKUP"
	StopDropoff StopType = "DROPOFF"
)

type StopStatus string

const (
	StopUpcoming  StopStatus = "UPCOMING"
	StopCurrent   StopStatus = "CURRENT"
	StopCompleted StopStatus = "COMPLETED"
)

// BookingStop is one pickup or drop-off of a booking. Token is the public
// identifier used by clients; ID is storage-internal.
type BookingStop struct {
	ID             int64      `json:"-"`
	Token          uuid.UUID  `json:"stop_id"`
	BookingID      int64      `json:"booking_id"`
	Sequence       int        `json:"sequence"`
	Type           StopType   `json:"stop_type"`
	Status         StopStatus `json:"status"`
	Address        string     `json:"address"`
	Loc            Coord      `json:"location"`
	PassengerCount int        `json:"passenger_count"`
	Note           string     `json:"note,omitempty"`
	CompletedAt    *time.Time `json:"completed_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

type RouteSnapshot struct {
	ID         int64           `json:"id"`
	BookingID  int64           `json:"booking_id"`
	RouteData  json.RawMessage `json:"route_data"`
	DistanceKm float64         `json:"distance"`
	DurationS  int             `json:"duration"`
	CreatedAt  time.Time       `json:"created_at"`
	Active     bool            `json:"is_active"`
}

type DriverLocation struct {
	DriverID  int64     `json:"driver_id"`
	Loc       Coord     `json:"location"`
	Heading   *float64  `json:"heading"`
	Speed     *float64  `json:"speed"`
	Accuracy  *float64  `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

type PresenceStatus string

const (
	PresenceOnline    PresenceStatus = "Online"
	PresenceOffline   PresenceStatus = "Offline"
	PresenceInTrip    PresenceStatus = "In_trip"
	PresenceAvailable PresenceStatus = "Available"
)

// Presence is the availability flag of a driver or rider. Preferred holds a
// driver's last explicit Online/Offline toggle.
type Presence struct {
	UserID    int64          `json:"user_id"`
	Role      Role           `json:"role"`
	Status    PresenceStatus `json:"status"`
	Preferred PresenceStatus `json:"preferred"`
}
