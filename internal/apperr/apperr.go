// Package apperr classifies failures so the HTTP layer can map them to
// status codes without knowing which component produced them.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindPermission
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error carries a client-facing message. AttemptsRemaining and Details are
// echoed in the response body when set.
type Error struct {
	Kind              Kind
	Message           string
	AttemptsRemaining *int
	Details           map[string]any
	Err               error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values of the same kind and message so sentinel
// errors declared with New work with errors.Is after WithAttempts/WithDetail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func Validation(msg string) *Error { return New(KindValidation, msg) }
func Permission(msg string) *Error { return New(KindPermission, msg) }
func NotFound(msg string) *Error   { return New(KindNotFound, msg) }
func Conflict(msg string) *Error   { return New(KindConflict, msg) }

// WithAttempts returns a copy carrying the remaining PIN attempts.
func (e *Error) WithAttempts(n int) *Error {
	c := *e
	c.AttemptsRemaining = &n
	return &c
}

// WithDetail returns a copy with an extra response field.
func (e *Error) WithDetail(key string, v any) *Error {
	c := *e
	c.Details = make(map[string]any, len(e.Details)+1)
	for k, val := range e.Details {
		c.Details[k] = val
	}
	c.Details[key] = v
	return &c
}

// KindOf returns the kind of the first *Error in err's chain, KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
