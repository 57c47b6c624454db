package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-tracking/internal/models"
)

type presenceKey struct {
	userID int64
	role   models.Role
}

type memState struct {
	nextBooking  int64
	nextStop     int64
	nextSnapshot int64
	bookings     map[int64]models.Booking
	stops        map[int64]models.BookingStop
	snapshots    []models.RouteSnapshot
	locations    map[int64]models.DriverLocation
	presence     map[presenceKey]models.Presence
}

func newMemState() *memState {
	return &memState{
		bookings:  make(map[int64]models.Booking),
		stops:     make(map[int64]models.BookingStop),
		locations: make(map[int64]models.DriverLocation),
		presence:  make(map[presenceKey]models.Presence),
	}
}

// clone copies the maps. Stored values are never mutated in place, so a
// shallow copy of each record is enough to restore the state on rollback.
func (s *memState) clone() *memState {
	c := &memState{
		nextBooking:  s.nextBooking,
		nextStop:     s.nextStop,
		nextSnapshot: s.nextSnapshot,
		bookings:     make(map[int64]models.Booking, len(s.bookings)),
		stops:        make(map[int64]models.BookingStop, len(s.stops)),
		snapshots:    append([]models.RouteSnapshot(nil), s.snapshots...),
		locations:    make(map[int64]models.DriverLocation, len(s.locations)),
		presence:     make(map[presenceKey]models.Presence, len(s.presence)),
	}
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.stops {
		c.stops[k] = v
	}
	for k, v := range s.locations {
		c.locations[k] = v
	}
	for k, v := range s.presence {
		c.presence[k] = v
	}
	return c
}

// MemoryStore keeps everything in process. Transactions are serialized by a
// single mutex, which also stands in for row and advisory locks.
type MemoryStore struct {
	memQueries
	mu sync.Mutex
	st *memState
}

func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{st: newMemState()}
	m.memQueries = memQueries{
		state: func() *memState { return m.st },
		guard: func() func() {
			m.mu.Lock()
			return m.mu.Unlock
		},
	}
	return m
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	backup := m.st.clone()
	tx := &memTx{memQueries{state: func() *memState { return m.st }, guard: noGuard}}
	if err := fn(tx); err != nil {
		m.st = backup
		return err
	}
	if err := ctx.Err(); err != nil {
		m.st = backup
		return err
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error                { return nil }

func noGuard() func() { return func() {} }

type memTx struct {
	memQueries
}

func (t *memTx) LockBooking(ctx context.Context, id int64) (*models.Booking, error) {
	return t.GetBooking(ctx, id)
}

func (t *memTx) LockDriver(context.Context, int64) error { return nil }

func (t *memTx) SwapActiveSnapshot(_ context.Context, snap *models.RouteSnapshot) error {
	st := t.state()
	if _, ok := st.bookings[snap.BookingID]; !ok {
		return ErrNotFound
	}
	for i := range st.snapshots {
		if st.snapshots[i].BookingID == snap.BookingID && st.snapshots[i].Active {
			st.snapshots[i].Active = false
		}
	}
	st.nextSnapshot++
	snap.ID = st.nextSnapshot
	snap.Active = true
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	st.snapshots = append(st.snapshots, *snap)
	return nil
}

// memQueries implements Queries over a memState. guard is a no-op inside a
// transaction, where the store mutex is already held.
type memQueries struct {
	state func() *memState
	guard func() func()
}

func (q memQueries) CreateBooking(_ context.Context, b *models.Booking) error {
	defer q.guard()()
	st := q.state()
	st.nextBooking++
	b.ID = st.nextBooking
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.BookingTime.IsZero() {
		b.BookingTime = b.CreatedAt
	}
	st.bookings[b.ID] = *b
	return nil
}

func (q memQueries) GetBooking(_ context.Context, id int64) (*models.Booking, error) {
	defer q.guard()()
	b, ok := q.state().bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (q memQueries) UpdateBooking(_ context.Context, b *models.Booking) error {
	defer q.guard()()
	st := q.state()
	if _, ok := st.bookings[b.ID]; !ok {
		return ErrNotFound
	}
	st.bookings[b.ID] = *b
	return nil
}

func (q memQueries) ListDriverBookings(_ context.Context, driverID int64, statuses ...models.BookingStatus) ([]*models.Booking, error) {
	defer q.guard()()
	return q.filterBookings(func(b *models.Booking) bool {
		return b.AssignedTo(driverID) && containsStatus(statuses, b.Status)
	}), nil
}

func (q memQueries) ListRiderBookings(_ context.Context, riderID int64, statuses ...models.BookingStatus) ([]*models.Booking, error) {
	defer q.guard()()
	return q.filterBookings(func(b *models.Booking) bool {
		return b.RiderID == riderID && containsStatus(statuses, b.Status)
	}), nil
}

func (q memQueries) UnpaidCompletedBookings(_ context.Context, driverID int64) ([]*models.Booking, error) {
	defer q.guard()()
	out := q.filterBookings(func(b *models.Booking) bool {
		return b.AssignedTo(driverID) && b.Status == models.StatusCompleted && !b.PaymentVerified
	})
	sort.SliceStable(out, func(i, j int) bool {
		ei, ej := endTime(out[i]), endTime(out[j])
		if !ei.Equal(ej) {
			return ei.After(ej)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func endTime(b *models.Booking) time.Time {
	if b.EndTime == nil {
		return time.Time{}
	}
	return *b.EndTime
}

func (q memQueries) filterBookings(keep func(*models.Booking) bool) []*models.Booking {
	var out []*models.Booking
	for _, b := range q.state().bookings {
		b := b
		if keep(&b) {
			out = append(out, &b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (q memQueries) CreateStops(_ context.Context, stops ...*models.BookingStop) error {
	defer q.guard()()
	st := q.state()
	for _, s := range stops {
		if _, ok := st.bookings[s.BookingID]; !ok {
			return ErrNotFound
		}
		for _, existing := range st.stops {
			if existing.BookingID == s.BookingID && existing.Type == s.Type {
				return ErrDuplicateStop
			}
		}
		if s.Token == uuid.Nil {
			s.Token = uuid.New()
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now().UTC()
		}
		st.nextStop++
		s.ID = st.nextStop
		st.stops[s.ID] = *s
	}
	return nil
}

func (q memQueries) ListStops(_ context.Context, bookingID int64) ([]*models.BookingStop, error) {
	defer q.guard()()
	var out []*models.BookingStop
	for _, s := range q.state().stops {
		s := s
		if s.BookingID == bookingID {
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (q memQueries) GetStopByToken(_ context.Context, token uuid.UUID) (*models.BookingStop, error) {
	defer q.guard()()
	for _, s := range q.state().stops {
		if s.Token == token {
			s := s
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

func (q memQueries) UpdateStop(_ context.Context, s *models.BookingStop) error {
	defer q.guard()()
	st := q.state()
	if _, ok := st.stops[s.ID]; !ok {
		return ErrNotFound
	}
	st.stops[s.ID] = *s
	return nil
}

func (q memQueries) DeleteStops(_ context.Context, bookingID int64) error {
	defer q.guard()()
	st := q.state()
	for id, s := range st.stops {
		if s.BookingID == bookingID {
			delete(st.stops, id)
		}
	}
	return nil
}

func (q memQueries) ActiveSnapshot(_ context.Context, bookingID int64) (*models.RouteSnapshot, error) {
	defer q.guard()()
	for _, s := range q.state().snapshots {
		if s.BookingID == bookingID && s.Active {
			s := s
			return &s, nil
		}
	}
	return nil, nil
}

func (q memQueries) ListSnapshots(_ context.Context, bookingID int64) ([]*models.RouteSnapshot, error) {
	defer q.guard()()
	var out []*models.RouteSnapshot
	for _, s := range q.state().snapshots {
		s := s
		if s.BookingID == bookingID {
			out = append(out, &s)
		}
	}
	return out, nil
}

func (q memQueries) UpsertLocation(_ context.Context, loc *models.DriverLocation) error {
	defer q.guard()()
	q.state().locations[loc.DriverID] = *loc
	return nil
}

func (q memQueries) GetLocation(_ context.Context, driverID int64) (*models.DriverLocation, error) {
	defer q.guard()()
	loc, ok := q.state().locations[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	return &loc, nil
}

func (q memQueries) DeleteLocation(_ context.Context, driverID int64) error {
	defer q.guard()()
	delete(q.state().locations, driverID)
	return nil
}

func (q memQueries) GetPresence(_ context.Context, userID int64, role models.Role) (*models.Presence, error) {
	defer q.guard()()
	p, ok := q.state().presence[presenceKey{userID, role}]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (q memQueries) SetPresence(_ context.Context, p *models.Presence) error {
	defer q.guard()()
	q.state().presence[presenceKey{p.UserID, p.Role}] = *p
	return nil
}
