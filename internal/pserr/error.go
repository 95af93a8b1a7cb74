// Package pserr defines the uniform error-kind contract (spec.md §7) used
// across every component of the remote mount subsystem.
package pserr

import (
	"errors"
	"fmt"
)

// Code is one of the error kinds spec.md §7 enumerates.
type Code string

const (
	MalformedInput     Code = "MalformedInput"
	InvalidPath        Code = "InvalidPath"
	InvalidType        Code = "InvalidType"
	InvalidPermissions Code = "InvalidPermissions"
	NoSuchPath         Code = "NoSuchPath"
	NoObjectFound      Code = "NoObjectFound"
	Timeout            Code = "Timeout"
	CapacityExceeded   Code = "CapacityExceeded"
	UnknownError       Code = "UnknownError"
)

// Retryable reports the default recovery posture for a code, per the table
// in spec.md §7. Callers may override this on a per-Error basis (e.g. a
// consistency_not_met response is explicitly retryable even though its
// underlying code here is NoSuchPath-adjacent).
func (c Code) Retryable() bool {
	switch c {
	case Timeout, CapacityExceeded, UnknownError, NoSuchPath:
		return true
	default:
		return false
	}
}

// Error is the Expected[T] error arm: {code, message}.
type Error struct {
	Code    Code
	Message string
	// RetryAfterMs is set for CapacityExceeded (notify_backpressure /
	// too_many_waiters) and mirrors the wire ErrorPayload.retry_after_ms.
	RetryAfterMs uint64
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an Error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Retryable reports whether this specific error should be retried.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// Is supports errors.Is comparison against a bare Code sentinel wrapped in
// an *Error with no message, e.g. errors.Is(err, pserr.New(pserr.Timeout, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, otherwise
// returns UnknownError.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return UnknownError
}
