package domain

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies a domain failure so callers can branch on "fix your input",
// "not allowed" and "try again".
type Code string

const (
	CodeValidation Code = "validation"
	CodeNotFound   Code = "not_found"
	CodeForbidden  Code = "forbidden"
	CodeConflict   Code = "conflict"
	CodeTransient  Code = "transient"
)

// Error is the error type returned by every Service and Engine operation.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so errors.Is(err, ErrNotFound) works
// for every not-found failure regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

var (
	// ErrValidation matches malformed input rejected before any write.
	ErrValidation = &Error{Code: CodeValidation}
	// ErrNotFound matches a missing user, family, ledger entry or activity.
	ErrNotFound = &Error{Code: CodeNotFound}
	// ErrForbidden matches an actor acting on something it does not own.
	ErrForbidden = &Error{Code: CodeForbidden}
	// ErrConflict matches uniqueness and membership conflicts.
	ErrConflict = &Error{Code: CodeConflict}
	// ErrTransient matches store failures that are safe to retry.
	ErrTransient = &Error{Code: CodeTransient}
)

// Store-level sentinels. Repositories return these; the service translates them.
var (
	// ErrDuplicate is returned by a store when a unique key already exists.
	ErrDuplicate = errors.New("duplicate key")
	// ErrAlreadyMember is returned by a store when the user already belongs to a family.
	ErrAlreadyMember = errors.New("user already belongs to a family")
)

func validationf(format string, args ...any) error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func notFound(what, id string) error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", what, id)}
}

func forbidden(msg string) error {
	return &Error{Code: CodeForbidden, Message: msg}
}

func conflict(msg string) error {
	return &Error{Code: CodeConflict, Message: msg}
}

// transient wraps a store failure. Domain errors pass through untouched, and a
// cancelled or expired context is always reported as transient.
func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var derr *Error
	if errors.As(err, &derr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Code: CodeTransient, Message: op + " timed out", Err: err}
	}
	return &Error{Code: CodeTransient, Message: op, Err: err}
}

// CodeOf extracts the Code of err, or "" when err is not a domain error.
func CodeOf(err error) Code {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Code
	}
	return ""
}
