// Package ingesterr defines the typed error kinds shared across the
// ingestion pipeline so HTTP handlers and callers can map failures to a
// stable contract without parsing error strings.
package ingesterr

import (
	"errors"
	"fmt"
)

// Kind identifies the class of failure. Every Error carries exactly one.
type Kind string

const (
	ValidationError     Kind = "validation_error"
	ConversionError     Kind = "conversion_error"
	UpstreamUnavailable Kind = "upstream_unavailable"
	UpstreamRejected    Kind = "upstream_rejected"
	NotFound            Kind = "not_found"
	PermissionDenied    Kind = "permission_denied"
	NotReady            Kind = "not_ready"
	InternalError       Kind = "internal_error"
)

// Error is the error type returned across package boundaries in the
// ingestion pipeline. Message is always human-safe; Cause may wrap an
// upstream error that should never reach a caller verbatim.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause. The cause is never
// surfaced in Message; callers that need the detail for logging should log
// cause separately (see internal/logging conventions).
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to InternalError when err
// is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}
