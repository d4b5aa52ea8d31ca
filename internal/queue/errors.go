package queue

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors so callers can map them to responses.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindValidation         Kind = "validation"
	KindConflict           Kind = "conflict"
	KindExternalService    Kind = "external_service"
	KindInvariantViolation Kind = "invariant_violation"
)

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("conflict")
	ErrExternalService    = errors.New("external service failure")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrNoEligiblePatient  = &Error{Kind: KindNotFound, Op: "call_next", Msg: "no eligible patient"}
)

// Error is the typed error returned by scheduling operations.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg != "" {
			msg = msg + ": " + e.Err.Error()
		} else {
			msg = e.Err.Error()
		}
	}
	if e.Op == "" {
		return "queue: " + msg
	}
	return fmt.Sprintf("queue: %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match an *Error against the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrExternalService:
		return e.Kind == KindExternalService
	case ErrInvariantViolation:
		return e.Kind == KindInvariantViolation
	}
	if t, ok := target.(*Error); ok {
		return t.Kind == e.Kind && t.Op == e.Op && t.Msg == e.Msg
	}
	return false
}

func NewNotFoundError(op, msg string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: msg}
}

func NewValidationError(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

func NewConflictError(op, msg string) error {
	return &Error{Kind: KindConflict, Op: op, Msg: msg}
}

func NewExternalServiceError(op string, err error) error {
	return &Error{Kind: KindExternalService, Op: op, Err: err}
}

func NewInvariantViolation(op, msg string) error {
	return &Error{Kind: KindInvariantViolation, Op: op, Msg: msg}
}

// KindOf extracts the error kind, or "" for foreign errors.
func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return ""
}

func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
