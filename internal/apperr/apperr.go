// Package apperr models the error taxonomy the core reports across its
// operation boundaries: every operation returns a result or one of these
// kinds, never a bare error the caller must pattern-match ad hoc.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the HTTP layer's translation into a
// user-visible message and status code.
type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"
	KindAuthFailed       Kind = "auth_failed"
	KindRateLimited      Kind = "rate_limited"
	KindOtpInvalid       Kind = "otp_invalid"
	KindOtpExpired       Kind = "otp_expired"
	KindOtpExhausted     Kind = "otp_exhausted"
	KindOtpNotFound      Kind = "otp_not_found"
	KindGeoUnavailable   Kind = "geo_unavailable"
	KindModelUnavailable Kind = "model_unavailable"
	KindTransient        Kind = "transient"
	KindFatal            Kind = "fatal"
)

// Error is a typed failure carrying a Kind plus an optional wrapped cause
// and structured metadata (e.g. remaining attempts, retry-after hint).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Meta    map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same Kind, so
// errors.Is(err, apperr.New(apperr.KindX, "")) matches by kind; callers
// more commonly use apperr.KindOf instead.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func WithMeta(kind Kind, message string, meta map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Meta: meta}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, and
// KindTransient's sibling KindFatal otherwise for anything unrecognized.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return KindFatal
}
