package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/ride-tracking/internal/models"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	pgQueries
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgQueries: pgQueries{q: db}, db: db}
}

// DB exposes the pool for migrations.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresStore) Close() error                   { return p.db.Close() }

func (p *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{pgQueries{q: sqlTx}}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	pgQueries
}

func (t *pgTx) LockBooking(ctx context.Context, id int64) (*models.Booking, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1 FOR UPDATE`, id)
	return scanBooking(row)
}

func (t *pgTx) LockDriver(ctx context.Context, driverID int64) error {
	_, err := t.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, driverID)
	return err
}

func (t *pgTx) SwapActiveSnapshot(ctx context.Context, snap *models.RouteSnapshot) error {
	if _, err := t.q.ExecContext(ctx, `UPDATE route_snapshots SET is_active=false WHERE booking_id=$1 AND is_active`, snap.BookingID); err != nil {
		return fmt.Errorf("deactivate snapshots: %w", err)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	err := t.q.QueryRowContext(ctx,
		`INSERT INTO route_snapshots(booking_id, route_data, distance_km, duration_s, created_at, is_active) VALUES($1,$2,$3,$4,$5,true) RETURNING id`,
		snap.BookingID, jsonText(snap.RouteData), snap.DistanceKm, snap.DurationS, snap.CreatedAt).Scan(&snap.ID)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	snap.Active = true
	return nil
}

type pgQueries struct {
	q querier
}

type rowScanner interface {
	Scan(dest ...any) error
}

const bookingColumns = `id, rider_id, driver_id, pickup_address, pickup_lat, pickup_lon,
	destination_address, destination_lat, destination_lon, passengers, status,
	booking_time, start_time, end_time, fare, estimated_distance_km,
	estimated_duration_min, estimated_arrival, pin_hash, pin_created_at,
	pin_expires_at, pin_attempts, pin_max_attempts, payment_verified,
	payment_verified_at, created_at`

func scanBooking(row rowScanner) (*models.Booking, error) {
	var b models.Booking
	err := row.Scan(&b.ID, &b.RiderID, &b.DriverID, &b.PickupAddress, &b.Pickup.Lat, &b.Pickup.Lon,
		&b.DestinationAddress, &b.Destination.Lat, &b.Destination.Lon, &b.Passengers, &b.Status,
		&b.BookingTime, &b.StartTime, &b.EndTime, &b.Fare, &b.EstimatedDistanceKm,
		&b.EstimatedDuration, &b.EstimatedArrival, &b.PinHash, &b.PinCreatedAt,
		&b.PinExpiresAt, &b.PinAttempts, &b.PinMaxAttempts, &b.PaymentVerified,
		&b.PaymentVerifiedAt, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (p pgQueries) CreateBooking(ctx context.Context, b *models.Booking) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.BookingTime.IsZero() {
		b.BookingTime = b.CreatedAt
	}
	return p.q.QueryRowContext(ctx, `INSERT INTO bookings(rider_id, driver_id, pickup_address, pickup_lat, pickup_lon,
		destination_address, destination_lat, destination_lon, passengers, status, booking_time, fare,
		estimated_distance_km, pin_max_attempts, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15) RETURNING id`,
		b.RiderID, b.DriverID, b.PickupAddress, b.Pickup.Lat, b.Pickup.Lon,
		b.DestinationAddress, b.Destination.Lat, b.Destination.Lon, b.Passengers, b.Status, b.BookingTime, b.Fare,
		b.EstimatedDistanceKm, b.PinMaxAttempts, b.CreatedAt).Scan(&b.ID)
}

func (p pgQueries) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	return scanBooking(p.q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1`, id))
}

func (p pgQueries) UpdateBooking(ctx context.Context, b *models.Booking) error {
	res, err := p.q.ExecContext(ctx, `UPDATE bookings SET driver_id=$1, status=$2, start_time=$3, end_time=$4,
		fare=$5, estimated_distance_km=$6, estimated_duration_min=$7, estimated_arrival=$8,
		pin_hash=$9, pin_created_at=$10, pin_expires_at=$11, pin_attempts=$12, pin_max_attempts=$13,
		payment_verified=$14, payment_verified_at=$15, passengers=$16 WHERE id=$17`,
		b.DriverID, b.Status, b.StartTime, b.EndTime,
		b.Fare, b.EstimatedDistanceKm, b.EstimatedDuration, b.EstimatedArrival,
		b.PinHash, b.PinCreatedAt, b.PinExpiresAt, b.PinAttempts, b.PinMaxAttempts,
		b.PaymentVerified, b.PaymentVerifiedAt, b.Passengers, b.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (p pgQueries) ListDriverBookings(ctx context.Context, driverID int64, statuses ...models.BookingStatus) ([]*models.Booking, error) {
	return p.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE driver_id=$1 AND status = ANY($2) ORDER BY created_at, id`, driverID, statusArray(statuses))
}

func (p pgQueries) ListRiderBookings(ctx context.Context, riderID int64, statuses ...models.BookingStatus) ([]*models.Booking, error) {
	return p.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE rider_id=$1 AND status = ANY($2) ORDER BY created_at, id`, riderID, statusArray(statuses))
}

func (p pgQueries) UnpaidCompletedBookings(ctx context.Context, driverID int64) ([]*models.Booking, error) {
	return p.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE driver_id=$1 AND status='completed' AND NOT payment_verified
		ORDER BY end_time DESC NULLS LAST, id DESC`, driverID)
}

func (p pgQueries) queryBookings(ctx context.Context, query string, args ...any) ([]*models.Booking, error) {
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func statusArray(statuses []models.BookingStatus) any {
	s := make([]string, len(statuses))
	for i, st := range statuses {
		s[i] = string(st)
	}
	return pq.Array(s)
}

const stopColumns = `id, token, booking_id, sequence, stop_type, status, address, lat, lon,
	passenger_count, note, completed_at, created_at`

func scanStop(row rowScanner) (*models.BookingStop, error) {
	var s models.BookingStop
	err := row.Scan(&s.ID, &s.Token, &s.BookingID, &s.Sequence, &s.Type, &s.Status, &s.Address,
		&s.Loc.Lat, &s.Loc.Lon, &s.PassengerCount, &s.Note, &s.CompletedAt, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p pgQueries) CreateStops(ctx context.Context, stops ...*models.BookingStop) error {
	for _, s := range stops {
		if s.Token == uuid.Nil {
			s.Token = uuid.New()
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now().UTC()
		}
		err := p.q.QueryRowContext(ctx, `INSERT INTO booking_stops(token, booking_id, sequence, stop_type, status,
			address, lat, lon, passenger_count, note, completed_at, created_at)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
			s.Token, s.BookingID, s.Sequence, s.Type, s.Status, s.Address, s.Loc.Lat, s.Loc.Lon,
			s.PassengerCount, s.Note, s.CompletedAt, s.CreatedAt).Scan(&s.ID)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" && strings.Contains(pqErr.Constraint, "booking_id") {
				return ErrDuplicateStop
			}
			return fmt.Errorf("insert stop: %w", err)
		}
	}
	return nil
}

func (p pgQueries) ListStops(ctx context.Context, bookingID int64) ([]*models.BookingStop, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT `+stopColumns+` FROM booking_stops WHERE booking_id=$1 ORDER BY sequence, id`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.BookingStop
	for rows.Next() {
		s, err := scanStop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p pgQueries) GetStopByToken(ctx context.Context, token uuid.UUID) (*models.BookingStop, error) {
	return scanStop(p.q.QueryRowContext(ctx, `SELECT `+stopColumns+` FROM booking_stops WHERE token=$1`, token))
}

func (p pgQueries) UpdateStop(ctx context.Context, s *models.BookingStop) error {
	res, err := p.q.ExecContext(ctx, `UPDATE booking_stops SET sequence=$1, status=$2, completed_at=$3, note=$4 WHERE id=$5`,
		s.Sequence, s.Status, s.CompletedAt, s.Note, s.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (p pgQueries) DeleteStops(ctx context.Context, bookingID int64) error {
	_, err := p.q.ExecContext(ctx, `DELETE FROM booking_stops WHERE booking_id=$1`, bookingID)
	return err
}

const snapshotColumns = `id, booking_id, route_data, distance_km, duration_s, created_at, is_active`

func scanSnapshot(row rowScanner) (*models.RouteSnapshot, error) {
	var s models.RouteSnapshot
	var data []byte
	if err := row.Scan(&s.ID, &s.BookingID, &data, &s.DistanceKm, &s.DurationS, &s.CreatedAt, &s.Active); err != nil {
		return nil, err
	}
	s.RouteData = data
	return &s, nil
}

func (p pgQueries) ActiveSnapshot(ctx context.Context, bookingID int64) (*models.RouteSnapshot, error) {
	s, err := scanSnapshot(p.q.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM route_snapshots WHERE booking_id=$1 AND is_active`, bookingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (p pgQueries) ListSnapshots(ctx context.Context, bookingID int64) ([]*models.RouteSnapshot, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM route_snapshots WHERE booking_id=$1 ORDER BY id`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RouteSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p pgQueries) UpsertLocation(ctx context.Context, loc *models.DriverLocation) error {
	_, err := p.q.ExecContext(ctx, `INSERT INTO driver_locations(driver_id, lat, lon, heading, speed, accuracy, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (driver_id) DO UPDATE SET lat=EXCLUDED.lat, lon=EXCLUDED.lon, heading=EXCLUDED.heading,
			speed=EXCLUDED.speed, accuracy=EXCLUDED.accuracy, updated_at=EXCLUDED.updated_at`,
		loc.DriverID, loc.Loc.Lat, loc.Loc.Lon, loc.Heading, loc.Speed, loc.Accuracy, loc.Timestamp)
	return err
}

func (p pgQueries) GetLocation(ctx context.Context, driverID int64) (*models.DriverLocation, error) {
	var loc models.DriverLocation
	err := p.q.QueryRowContext(ctx, `SELECT driver_id, lat, lon, heading, speed, accuracy, updated_at FROM driver_locations WHERE driver_id=$1`, driverID).
		Scan(&loc.DriverID, &loc.Loc.Lat, &loc.Loc.Lon, &loc.Heading, &loc.Speed, &loc.Accuracy, &loc.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

func (p pgQueries) DeleteLocation(ctx context.Context, driverID int64) error {
	_, err := p.q.ExecContext(ctx, `DELETE FROM driver_locations WHERE driver_id=$1`, driverID)
	return err
}

func (p pgQueries) GetPresence(ctx context.Context, userID int64, role models.Role) (*models.Presence, error) {
	var pr models.Presence
	err := p.q.QueryRowContext(ctx, `SELECT user_id, role, status, preferred FROM presence WHERE user_id=$1 AND role=$2`, userID, role).
		Scan(&pr.UserID, &pr.Role, &pr.Status, &pr.Preferred)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (p pgQueries) SetPresence(ctx context.Context, pr *models.Presence) error {
	_, err := p.q.ExecContext(ctx, `INSERT INTO presence(user_id, role, status, preferred) VALUES($1,$2,$3,$4)
		ON CONFLICT (user_id, role) DO UPDATE SET status=EXCLUDED.status, preferred=EXCLUDED.preferred`,
		pr.UserID, pr.Role, pr.Status, pr.Preferred)
	return err
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func jsonText(raw []byte) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
