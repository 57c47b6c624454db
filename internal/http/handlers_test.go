package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/ride-tracking/internal/booking"
	"github.com/example/ride-tracking/internal/dispatch"
	"github.com/example/ride-tracking/internal/itinerary"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/payment"
	"github.com/example/ride-tracking/internal/reroute"
	"github.com/example/ride-tracking/internal/routing"
	"github.com/example/ride-tracking/internal/storage"
)

const (
	rider  = 1
	driver = 100
)

func newTestServer(t *testing.T) (*Server, *dispatch.WSRegistry) {
	t.Helper()
	st := storage.NewMemoryStore()
	ws := dispatch.NewWSRegistry()
	notifier := dispatch.NewSafe(ws, nil)
	planner := &itinerary.Planner{Store: st, Riders: itinerary.StaticDirectory{rider: "Ana"}, Notifier: notifier}
	bookings := &booking.Service{
		Store:    st,
		Planner:  planner,
		Routing:  routing.NewClient(routing.StraightLine{}, routing.NewMemoryCache(time.Minute), routing.Config{MinRouteMeters: 10}, nil),
		Engine:   reroute.NewEngine(reroute.DefaultConfig(), nil),
		Notifier: notifier,
	}
	payments := &payment.Service{
		Store:    st,
		Planner:  planner,
		Config:   payment.Config{TTL: 5 * time.Minute, MaxAttempts: 3, DuplicateGuard: 30 * time.Second, HashCost: bcrypt.MinCost},
		Notifier: notifier,
		NewPin:   func() (string, error) { return "4821", nil },
	}
	return NewServer(Options{Bookings: bookings, Payments: payments, WSReg: ws}), ws
}

func do(t *testing.T, s *Server, method, path string, actor *models.Actor, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != nil {
		req.Header.Set(headerUserID, strconv.FormatInt(actor.ID, 10))
		req.Header.Set(headerUserRole, string(actor.Role))
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

var (
	asRider  = &models.Actor{ID: rider, Role: models.RoleRider}
	asDriver = &models.Actor{ID: driver, Role: models.RoleDriver}
)

func createBooking(t *testing.T, s *Server) int64 {
	t.Helper()
	code, body := do(t, s, http.MethodPost, "/bookings", asRider, map[string]any{
		"pickup_address":        "Gulshan 1",
		"pickup_latitude":       23.78,
		"pickup_longitude":      90.40,
		"destination_address":   "Banani",
		"destination_latitude":  23.80,
		"destination_longitude": 90.42,
		"passengers":            1,
		"fare":                  "50.00",
	})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "50.00", body["fare"])
	return int64(body["id"].(float64))
}

func itineraryStops(t *testing.T, s *Server) []map[string]any {
	t.Helper()
	code, body := do(t, s, http.MethodGet, "/driver/itinerary", asDriver, nil)
	require.Equal(t, http.StatusOK, code)
	raw := body["itinerary"].([]any)
	out := make([]map[string]any, len(raw))
	for i, r := range raw {
		out[i] = r.(map[string]any)
	}
	return out
}

func TestTripWithPinHandshake(t *testing.T) {
	s, _ := newTestServer(t)
	id := createBooking(t, s)
	path := func(p string) string { return "/" + strconv.FormatInt(id, 10) + p }

	code, body := do(t, s, http.MethodPost, "/location/update", asDriver, map[string]any{"latitude": 23.77, "longitude": 90.39})
	require.Equal(t, http.StatusOK, code, body)

	code, body = do(t, s, http.MethodPost, "/bookings"+path("/accept"), asDriver, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "accepted", body["status"])

	code, body = do(t, s, http.MethodGet, "/route"+path(""), asRider, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.NotNil(t, body["route_data"])

	code, body = do(t, s, http.MethodGet, "/location"+path(""), asRider, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "pickup", body["eta_target"])
	assert.NotNil(t, body["eta_seconds"])

	stops := itineraryStops(t, s)
	require.Len(t, stops, 2)
	assert.Equal(t, "PICKUP", stops[0]["type"])
	assert.Equal(t, "CURRENT", stops[0]["status"])
	assert.Equal(t, "Ana", stops[0]["passengerName"])

	code, body = do(t, s, http.MethodPost, "/itinerary/complete_stop", asDriver, map[string]any{"stopId": stops[0]["stopId"]})
	require.Equal(t, http.StatusOK, code, body)
	assert.Nil(t, body["showPaymentModal"])

	code, body = do(t, s, http.MethodPost, "/itinerary/complete_stop", asDriver, map[string]any{"stopId": stops[1]["stopId"]})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["showPaymentModal"])
	assert.EqualValues(t, id, body["paymentModalBookingId"])
	assert.Empty(t, body["itinerary"])

	code, body = do(t, s, http.MethodPost, path("/payment/generate-pin"), asDriver, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "4821", body["pin"])
	assert.EqualValues(t, 3, body["max_attempts"])

	code, body = do(t, s, http.MethodPost, path("/payment/verify-pin"), asRider, map[string]any{"pin": "4820"})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error", body["status"])
	assert.EqualValues(t, 2, body["attempts_remaining"])
	assert.Equal(t, "Incorrect PIN. 2 attempt(s) remaining.", body["message"])

	code, body = do(t, s, http.MethodPost, path("/payment/verify-pin"), asRider, map[string]any{"pin": "4821"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "completed", body["booking_status"])
	assert.Equal(t, "50.00", body["fare"])

	code, body = do(t, s, http.MethodGet, path("/payment/pin-status"), asDriver, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["payment_verified"])
	assert.Equal(t, "completed", body["booking_status"])
}

func TestAuthAndRoles(t *testing.T) {
	s, _ := newTestServer(t)
	id := createBooking(t, s)

	code, body := do(t, s, http.MethodGet, "/driver/itinerary", nil, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Authentication required.", body["message"])

	code, _ = do(t, s, http.MethodGet, "/driver/itinerary", asRider, nil)
	assert.Equal(t, http.StatusForbidden, code)

	stranger := &models.Actor{ID: 9, Role: models.RoleRider}
	code, _ = do(t, s, http.MethodGet, "/route/"+strconv.FormatInt(id, 10), stranger, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = do(t, s, http.MethodPost, "/bookings/"+strconv.FormatInt(id, 10)+"/no-driver-found", asDriver, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, body = do(t, s, http.MethodPost, "/bookings/"+strconv.FormatInt(id, 10)+"/no-driver-found", &models.Actor{ID: 1, Role: models.RoleSystem}, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "no_driver_found", body["status"])
}

func TestLocationUpdateKeepsCoordinateDigits(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/location/update",
		strings.NewReader(`{"latitude": 14.599512345678901, "longitude": 120.987654321987654}`))
	req.Header.Set(headerUserID, strconv.Itoa(driver))
	req.Header.Set(headerUserRole, "driver")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Location struct {
			Latitude  json.Number `json:"latitude"`
			Longitude json.Number `json:"longitude"`
		} `json:"location"`
	}
	dec := json.NewDecoder(rec.Body)
	dec.UseNumber()
	require.NoError(t, dec.Decode(&body))
	assert.Equal(t, "14.599512345678901", body.Location.Latitude.String())
	assert.Equal(t, "120.987654321987654", body.Location.Longitude.String())

	loc, err := s.Bookings.Store.GetLocation(context.Background(), driver)
	require.NoError(t, err)
	assert.Equal(t, "120.987654321987654", loc.Loc.Lon.String())
}

func TestErrorMapping(t *testing.T) {
	s, _ := newTestServer(t)

	code, body := do(t, s, http.MethodPost, "/location/update", asDriver, map[string]any{"latitude": 23.7})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Latitude and longitude required.", body["message"])

	code, _ = do(t, s, http.MethodGet, "/route/999", asRider, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, s, http.MethodPost, "/itinerary/complete_stop", asDriver, map[string]any{"stopId": "nope"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodPost, "/itinerary/complete_stop", asDriver, map[string]any{"stopId": "5f1f7d0e-3c55-4c43-9c1c-56a7dc0a8f10"})
	assert.Equal(t, http.StatusNotFound, code)

	req := httptest.NewRequest(http.MethodPost, "/bookings", strings.NewReader("{"))
	req.Header.Set(headerUserID, "1")
	req.Header.Set(headerUserRole, "rider")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestInternalErrorsAreHidden(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/driver/itinerary", nil)
	rec := httptest.NewRecorder()
	s.writeError(rec, req, errors.New("pq: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pq:")
}

func TestCancelByDriverAndRider(t *testing.T) {
	s, _ := newTestServer(t)
	id := strconv.FormatInt(createBooking(t, s), 10)

	code, _ := do(t, s, http.MethodPost, "/bookings/"+id+"/accept", asDriver, nil)
	require.Equal(t, http.StatusOK, code)
	code, body := do(t, s, http.MethodPost, "/bookings/"+id+"/cancel", asDriver, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "pending", body["status"])
	assert.Nil(t, body["driver_id"])

	code, body = do(t, s, http.MethodPost, "/bookings/"+id+"/cancel", asRider, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "cancelled_by_rider", body["status"])

	code, _ = do(t, s, http.MethodPost, "/bookings/"+id+"/accept", asDriver, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDriverStatus(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := do(t, s, http.MethodPost, "/driver/status", asDriver, map[string]any{"online": true})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Online", body["status"])

	code, _ = do(t, s, http.MethodPost, "/driver/status", asDriver, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthAndReady(t *testing.T) {
	s, _ := newTestServer(t)
	for _, p := range []string{"/healthz", "/ready", "/metrics"} {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusOK, rec.Code, p)
	}

	s.ready = func(context.Context) error { return errors.New("redis down") }
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebSocketReceivesAcceptNotification(t *testing.T) {
	s, ws := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()
	id := strconv.FormatInt(createBooking(t, s), 10)

	hdr := http.Header{}
	hdr.Set(headerUserID, "1")
	hdr.Set(headerUserRole, "rider")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", hdr)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ws.Connected(rider) }, time.Second, 10*time.Millisecond)

	code, _ := do(t, s, http.MethodPost, "/bookings/"+id+"/accept", asDriver, nil)
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg dispatch.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, dispatch.TypeBookingAccepted, msg.Type)
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t)
	s2 := NewServer(Options{Bookings: s.Bookings, Payments: s.Payments, CORSOrigins: []string{"https://app.example.com"}})
	req := httptest.NewRequest(http.MethodOptions, "/driver/itinerary", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	s2.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
