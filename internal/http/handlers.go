package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"github.com/example/ride-tracking/internal/apperr"
	"github.com/example/ride-tracking/internal/booking"
	"github.com/example/ride-tracking/internal/dispatch"
	"github.com/example/ride-tracking/internal/itinerary"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/payment"
)

type Options struct {
	Bookings *booking.Service
	Payments *payment.Service
	WSReg    *dispatch.WSRegistry // nil disables /ws
	// Ready reports whether the process's dependencies are reachable.
	Ready       func(ctx context.Context) error
	CORSOrigins []string
	Logger      *slog.Logger
}

type Server struct {
	Bookings *booking.Service
	Planner  *itinerary.Planner
	Payments *payment.Service
	WSReg    *dispatch.WSRegistry
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	mux      *mux.Router
	handler  http.Handler
}

func NewServer(o Options) *Server {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Bookings: o.Bookings,
		Planner:  o.Bookings.Planner,
		Payments: o.Payments,
		WSReg:    o.WSReg,
		ready:    o.Ready,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	s.handler = s.mux
	if len(o.CORSOrigins) > 0 {
		s.handler = cors.New(cors.Options{
			AllowedOrigins: o.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type", headerUserID, headerUserRole, "X-Request-ID"},
		}).Handler(s.mux)
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/location/update", s.handleLocationUpdate).Methods(http.MethodPost)
	s.mux.HandleFunc("/location/{booking_id:[0-9]+}", s.handleDriverLocation).Methods(http.MethodGet)
	s.mux.HandleFunc("/route/{booking_id:[0-9]+}", s.handleCurrentRoute).Methods(http.MethodGet)
	s.mux.HandleFunc("/reroute/{booking_id:[0-9]+}", s.handleReroute).Methods(http.MethodPost)

	s.mux.HandleFunc("/driver/itinerary", s.handleItinerary).Methods(http.MethodGet)
	s.mux.HandleFunc("/driver/status", s.handleDriverStatus).Methods(http.MethodPost)
	s.mux.HandleFunc("/itinerary/complete_stop", s.handleCompleteStop).Methods(http.MethodPost)

	s.mux.HandleFunc("/bookings", s.handleCreateBooking).Methods(http.MethodPost)
	s.mux.HandleFunc("/bookings/{booking_id:[0-9]+}/accept", s.handleAccept).Methods(http.MethodPost)
	s.mux.HandleFunc("/bookings/{booking_id:[0-9]+}/on-the-way", s.handleOnTheWay).Methods(http.MethodPost)
	s.mux.HandleFunc("/bookings/{booking_id:[0-9]+}/cancel", s.handleCancel).Methods(http.MethodPost)
	s.mux.HandleFunc("/bookings/{booking_id:[0-9]+}/no-driver-found", s.handleNoDriverFound).Methods(http.MethodPost)

	s.mux.HandleFunc("/{booking_id:[0-9]+}/payment/generate-pin", s.handleGeneratePin).Methods(http.MethodPost)
	s.mux.HandleFunc("/{booking_id:[0-9]+}/payment/verify-pin", s.handleVerifyPin).Methods(http.MethodPost)
	s.mux.HandleFunc("/{booking_id:[0-9]+}/payment/pin-status", s.handlePinStatus).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.WSReg != nil {
		s.mux.HandleFunc("/ws", s.handleWS)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

type locationRequest struct {
	Latitude  *decimal.Decimal `json:"latitude"`
	Longitude *decimal.Decimal `json:"longitude"`
	Heading   *float64         `json:"heading"`
	Speed     *float64         `json:"speed"`
	Accuracy  *float64         `json:"accuracy"`
}

func (s *Server) handleLocationUpdate(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var req locationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		s.writeError(w, r, apperr.Validation("Latitude and longitude required."))
		return
	}
	loc, err := s.Bookings.UpdateLocation(r.Context(), actor.ID, models.DriverLocation{
		Loc:      models.Coord{Lat: *req.Latitude, Lon: *req.Longitude},
		Heading:  req.Heading,
		Speed:    req.Speed,
		Accuracy: req.Accuracy,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"location": map[string]any{
			"latitude":  coordNumber(loc.Loc.Lat),
			"longitude": coordNumber(loc.Loc.Lon),
			"timestamp": loc.Timestamp,
		},
	})
}

// coordNumber renders a coordinate as a JSON number without going through
// float64.
func coordNumber(d decimal.Decimal) json.Number { return json.Number(d.String()) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	view, err := s.Bookings.DriverLocationFor(r.Context(), bookingID(r), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"booking_id":  view.BookingID,
		"latitude":    coordNumber(view.Location.Loc.Lat),
		"longitude":   coordNumber(view.Location.Loc.Lon),
		"heading":     view.Location.Heading,
		"speed":       view.Location.Speed,
		"timestamp":   view.Location.Timestamp,
		"eta_seconds": view.ETASeconds,
		"eta_target":  view.ETATarget,
	})
}

func (s *Server) handleCurrentRoute(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	snap, err := s.Bookings.CurrentRoute(r.Context(), bookingID(r), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleReroute(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var req struct {
		Force bool `json:"force"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Bookings.Reroute(r.Context(), bookingID(r), actor.ID, req.Force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"message":  "Route recalculated",
		"rerouted": res.Rerouted,
		"route":    res.Route,
	})
}

func (s *Server) handleItinerary(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	it, err := s.Planner.BuildDriverItinerary(r.Context(), actor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleCompleteStop(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var req struct {
		StopID string `json:"stopId"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	token, err := uuid.Parse(req.StopID)
	if err != nil {
		s.writeError(w, r, apperr.Validation("stopId must be a valid stop identifier."))
		return
	}
	res, err := s.Planner.CompleteStop(r.Context(), token, actor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{
		"status":    "success",
		"itinerary": res.Itinerary.Stops,
	}
	if res.AlreadyCompleted {
		body["message"] = "Stop already completed."
	}
	if res.PaymentModalBookingID != nil {
		body["completedBookings"] = res.CompletedBookings
		body["showPaymentModal"] = true
		body["paymentModalBookingId"] = *res.PaymentModalBookingID
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var req struct {
		Online *bool `json:"online"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Online == nil {
		s.writeError(w, r, apperr.Validation("online is required."))
		return
	}
	p, err := s.Bookings.SetDriverAvailability(r.Context(), actor.ID, *req.Online)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type createBookingRequest struct {
	PickupAddress        string              `json:"pickup_address"`
	PickupLatitude       decimal.Decimal     `json:"pickup_latitude"`
	PickupLongitude      decimal.Decimal     `json:"pickup_longitude"`
	DestinationAddress   string              `json:"destination_address"`
	DestinationLatitude  decimal.Decimal     `json:"destination_latitude"`
	DestinationLongitude decimal.Decimal     `json:"destination_longitude"`
	Passengers           int                 `json:"passengers"`
	Fare                 decimal.NullDecimal `json:"fare"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, models.RoleRider)
	if !ok {
		return
	}
	var req createBookingRequest
	if !s.decode(w, r, &req) {
		return
	}
	b, err := s.Bookings.Create(r.Context(), actor.ID, booking.CreateRequest{
		PickupAddress:      req.PickupAddress,
		Pickup:             models.Coord{Lat: req.PickupLatitude, Lon: req.PickupLongitude},
		DestinationAddress: req.DestinationAddress,
		Destination:        models.Coord{Lat: req.DestinationLatitude, Lon: req.DestinationLongitude},
		Passengers:         req.Passengers,
		Fare:               req.Fare,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bookingView(b))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	b, err := s.Bookings.Accept(r.Context(), bookingID(r), actor.ID)
	s.writeBooking(w, r, b, err)
}

func (s *Server) handleOnTheWay(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	b, err := s.Bookings.MarkOnTheWay(r.Context(), bookingID(r), actor.ID)
	s.writeBooking(w, r, b, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var (
		b   *models.Booking
		err error
	)
	switch actor.Role {
	case models.RoleDriver:
		b, err = s.Bookings.DriverCancel(r.Context(), bookingID(r), actor.ID)
	case models.RoleRider:
		b, err = s.Bookings.RiderCancel(r.Context(), bookingID(r), actor.ID)
	default:
		err = errRoleNotAllowed
	}
	s.writeBooking(w, r, b, err)
}

func (s *Server) handleNoDriverFound(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, models.RoleSystem); !ok {
		return
	}
	b, err := s.Bookings.MarkNoDriverFound(r.Context(), bookingID(r))
	s.writeBooking(w, r, b, err)
}

func (s *Server) handleGeneratePin(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	res, err := s.Payments.GeneratePin(r.Context(), bookingID(r), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"message":      "PIN generated. Share it with the rider.",
		"pin":          res.PIN,
		"expires_at":   res.ExpiresAt,
		"max_attempts": res.MaxAttempts,
	})
}

func (s *Server) handleVerifyPin(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		Pin string `json:"pin"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Payments.VerifyPin(r.Context(), bookingID(r), actor, req.Pin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// status carries the booking status here; clients key off "completed".
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         res.Status,
		"message":        "Payment verified successfully! Trip completed.",
		"booking_id":     res.BookingID,
		"booking_status": res.Status,
		"verified_at":    res.VerifiedAt,
		"fare":           res.Fare,
	})
}

func (s *Server) handlePinStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	st, err := s.Payments.PinStatus(r.Context(), bookingID(r), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Bookings.Store.Ping(ctx); err != nil {
		http.Error(w, "store not ready", http.StatusServiceUnavailable)
		return
	}
	if s.ready != nil {
		if err := s.ready(ctx); err != nil {
			http.Error(w, "dependencies not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS keeps one live notification channel per user. The read loop only
// detects the client going away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.WSReg.Add(actor.ID, conn)
	defer func() {
		s.WSReg.Remove(actor.ID, conn)
		conn.Close()
	}()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

type bookingResponse struct {
	*models.Booking
	Fare                *string `json:"fare"`
	EstimatedDistanceKm *string `json:"estimated_distance_km"`
}

func bookingView(b *models.Booking) bookingResponse {
	out := bookingResponse{Booking: b, Fare: b.FareString()}
	if b.EstimatedDistanceKm.Valid {
		d := b.EstimatedDistanceKm.Decimal.StringFixed(2)
		out.EstimatedDistanceKm = &d
	}
	return out
}

func (s *Server) writeBooking(w http.ResponseWriter, r *http.Request, b *models.Booking, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bookingView(b))
}

// decode accepts an empty body as the zero value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, apperr.Validation("Request body must be valid JSON."))
		return false
	}
	return true
}

func bookingID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["booking_id"], 10, 64)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
