// Package apperr classifies failures into a small set of kinds that callers
// can map to transport responses without inspecting internals.
package apperr

import (
	"errors"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindNotFound
	KindInsufficientBalance
	KindInvalidState
	KindConflict
	KindUnauthorized
	KindForbidden
)

// Error carries a Kind, a caller-safe message and an optional cause
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is through arbitrary wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument, Message: "invalid argument"}
	ErrNotFound            = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance, Message: "insufficient balance"}
	ErrInvalidState        = &Error{Kind: KindInvalidState, Message: "invalid state"}
	ErrConflict            = &Error{Kind: KindConflict, Message: "concurrent update conflict"}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrForbidden           = &Error{Kind: KindForbidden, Message: "forbidden"}
)

func InvalidArgument(msg string) error {
	return &Error{Kind: KindInvalidArgument, Message: msg}
}

func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func InsufficientBalance(msg string) error {
	return &Error{Kind: KindInsufficientBalance, Message: msg}
}

func InvalidState(msg string) error {
	return &Error{Kind: KindInvalidState, Message: msg}
}

func Conflict(msg string, err error) error {
	return &Error{Kind: KindConflict, Message: msg, Err: err}
}

func Unauthorized(msg string) error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

func Forbidden(msg string) error {
	return &Error{Kind: KindForbidden, Message: msg}
}

// KindOf returns the kind of the outermost *Error in err's chain,
// or KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the caller-safe message for err. Unclassified errors
// never leak their text.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "an unexpected error occurred"
}

func (k Kind) Code() string {
	switch k {
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	case KindNotFound:
		return "NOT_FOUND"
	case KindInsufficientBalance:
		return "INSUFFICIENT_BALANCE"
	case KindInvalidState:
		return "INVALID_STATE"
	case KindConflict:
		return "CONFLICT"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindForbidden:
		return "FORBIDDEN"
	default:
		return "INTERNAL_ERROR"
	}
}

func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case KindInvalidState, KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
