// Package idxerr carries the error taxonomy used across the indexer:
// a stable code, a message, whether the error is client-correctable,
// and an optional wrapped cause.
package idxerr

import (
	"errors"
	"fmt"
)

// Code is a stable error code, serialized as a string at the query
// boundary.
type Code string

const (
	// ErrInvalidArgument: bad request shape, unknown script type,
	// out-of-range pagination. Always a user error.
	ErrInvalidArgument Code = "invalid-argument"

	// ErrNotFound: the requested entity does not exist.
	ErrNotFound Code = "not-found"

	// ErrConflict: a write does not apply to the current state, e.g. a
	// block whose prevHash is not the tip. Handled internally by the
	// reorg procedure.
	ErrConflict Code = "conflict"

	// ErrRejected: a mempool transaction whose inputs do not resolve.
	ErrRejected Code = "rejected"

	// ErrInternal: storage faults and other non-user failures.
	ErrInternal Code = "internal"
)

type Error struct {
	code    Code
	message string
	wrapped error
}

func New(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...), wrapped: err}
}

func (e *Error) Error() string {
	if e.wrapped == nil {
		return fmt.Sprintf("%s: %s", e.code, e.message)
	}
	return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.wrapped)
}

func (e *Error) Unwrap() error { return e.wrapped }

func (e *Error) Code() Code      { return e.code }
func (e *Error) Message() string { return e.message }

// IsUserError reports whether the caller can correct the request.
func (e *Error) IsUserError() bool {
	return e.code == ErrInvalidArgument || e.code == ErrNotFound || e.code == ErrRejected
}

// CodeOf extracts the code from err, ErrInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ErrInternal
}

func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

func IsNotFound(err error) bool { return HasCode(err, ErrNotFound) }
func IsConflict(err error) bool { return HasCode(err, ErrConflict) }
