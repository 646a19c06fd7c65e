// Package apperr defines the failure kinds shared by the stores, the lending
// engine and the request layer.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("version conflict")
)

// Error carries a failure kind together with the operation that produced it.
// errors.Is(err, ErrNotFound) holds for an *Error whose Kind is ErrNotFound.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newf(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return newf(ErrNotFound, op, format, args...)
}

func DuplicateKey(op, format string, args ...any) error {
	return newf(ErrDuplicateKey, op, format, args...)
}

func InvalidState(op, format string, args ...any) error {
	return newf(ErrInvalidState, op, format, args...)
}

func Validation(op, format string, args ...any) error {
	return newf(ErrValidation, op, format, args...)
}

func Conflict(op, format string, args ...any) error {
	return newf(ErrConflict, op, format, args...)
}

// Kind reports which of the package sentinels err carries, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrNotFound, ErrDuplicateKey, ErrInvalidState, ErrValidation, ErrConflict} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
