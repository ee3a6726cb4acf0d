package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers at the HTTP and websocket boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindNotFound
	KindInvalidState
	KindPolicyViolation
	KindDeliveryFailure
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindPolicyViolation:
		return "policy_violation"
	case KindDeliveryFailure:
		return "delivery_failure"
	case KindInvalid:
		return "invalid"
	default:
		return "internal"
	}
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrUnauthorized    = &Error{Kind: KindUnauthorized}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrInvalidState    = &Error{Kind: KindInvalidState}
	ErrPolicyViolation = &Error{Kind: KindPolicyViolation}
	ErrDeliveryFailure = &Error{Kind: KindDeliveryFailure}
	ErrInvalid         = &Error{Kind: KindInvalid}
)

// Error is a classified domain error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels compare by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Unauthorized(op, format string, args ...any) error {
	return newf(KindUnauthorized, op, format, args...)
}

func NotFound(op, format string, args ...any) error {
	return newf(KindNotFound, op, format, args...)
}

func InvalidState(op, format string, args ...any) error {
	return newf(KindInvalidState, op, format, args...)
}

func PolicyViolation(op, format string, args ...any) error {
	return newf(KindPolicyViolation, op, format, args...)
}

func Invalid(op, format string, args ...any) error {
	return newf(KindInvalid, op, format, args...)
}

// DeliveryFailure wraps a channel error.
func DeliveryFailure(op string, err error) error {
	return &Error{Kind: KindDeliveryFailure, Op: op, Msg: "delivery failed", Err: err}
}

// Wrap attaches a kind to an underlying error such as a repository sentinel.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of err, KindInternal when unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code used by the REST handlers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState:
		return http.StatusConflict
	case KindPolicyViolation:
		return http.StatusUnprocessableEntity
	case KindInvalid:
		return http.StatusBadRequest
	case KindDeliveryFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage hides internal error text from clients.
func PublicMessage(err error) string {
	if KindOf(err) == KindInternal {
		return "internal error"
	}
	return err.Error()
}
