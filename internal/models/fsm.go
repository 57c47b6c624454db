package models

import "fmt"

var transitions = map[BookingStatus]map[BookingStatus]struct{}{
	StatusPending: {
		StatusAccepted:          {},
		StatusCancelledByRider:  {},
		StatusCancelledByDriver: {},
		StatusNoDriverFound:     {},
	},
	StatusAccepted: {
		StatusOnTheWay:          {},
		StatusStarted:           {},
		StatusPending:           {},
		StatusCancelledByRider:  {},
		StatusCancelledByDriver: {},
	},
	StatusOnTheWay: {
		StatusStarted:           {},
		StatusPending:           {},
		StatusCancelledByRider:  {},
		StatusCancelledByDriver: {},
	},
	StatusStarted: {
		StatusCompleted: {},
		StatusPending:   {},
	},
	// completed -> completed is the PIN verification of a trip whose
	// drop-off was already recorded.
	StatusCompleted: {
		StatusCompleted: {},
	},
}

// CanTransition reports whether a booking may move from one status to another.
func CanTransition(from, to BookingStatus) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Terminal reports whether no further transitions leave s.
func (s BookingStatus) Terminal() bool {
	switch s {
	case StatusCancelledByRider, StatusCancelledByDriver, StatusNoDriverFound:
		return true
	}
	return false
}

type TransitionError struct {
	From, To BookingStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move booking from %s to %s", e.From, e.To)
}

// Transition moves b to status to, or returns a *TransitionError.
func (b *Booking) Transition(to BookingStatus) error {
	if !CanTransition(b.Status, to) {
		return &TransitionError{From: b.Status, To: to}
	}
	b.Status = to
	return nil
}
