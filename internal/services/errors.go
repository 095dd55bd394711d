package services

import (
	"errors"
	"fmt"

	"github.com/tierrewards/ledger/internal/repository"
)

// ErrorKind classifies a failure for callers and the HTTP layer.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindNotFound            ErrorKind = "not_found"
	KindConflict            ErrorKind = "conflict"
	KindInsufficientFunds   ErrorKind = "insufficient_funds"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindUnauthorized        ErrorKind = "unauthorized"
	KindInternal            ErrorKind = "internal"
)

// Error is the error type returned by every ledger service.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func ValidationError(format string, args ...any) error {
	return newError(KindValidation, nil, format, args...)
}

func NotFoundError(format string, args ...any) error {
	return newError(KindNotFound, nil, format, args...)
}

func ConflictError(format string, args ...any) error {
	return newError(KindConflict, nil, format, args...)
}

func InsufficientFundsError(format string, args ...any) error {
	return newError(KindInsufficientFunds, nil, format, args...)
}

func UpstreamError(err error, format string, args ...any) error {
	return newError(KindUpstreamUnavailable, err, format, args...)
}

func UnauthorizedError(format string, args ...any) error {
	return newError(KindUnauthorized, nil, format, args...)
}

// KindOf reports the kind of err. Repository sentinels map to their
// service kinds; anything unclassified is internal.
func KindOf(err error) ErrorKind {
	var e *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &e):
		return e.Kind
	case errors.Is(err, repository.ErrNotFound):
		return KindNotFound
	case errors.Is(err, repository.ErrStaleState):
		return KindConflict
	}
	return KindInternal
}

// notFoundAs rewrites repository.ErrNotFound into a NotFound error naming what.
func notFoundAs(err error, what string, id any) error {
	if errors.Is(err, repository.ErrNotFound) {
		return NotFoundError("%s %v not found", what, id)
	}
	return err
}
