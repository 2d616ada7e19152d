// Package errors defines the stable error-kind taxonomy used across the
// Ignis framework and the mapping from kinds to HTTP status codes. Every
// framework boundary (HTTP middleware, socket event handlers) classifies
// failures through this package.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a framework error.
type Kind string

const (
	// KindConfigInvalid indicates missing or illegal configuration at boot.
	KindConfigInvalid Kind = "config-invalid"
	// KindNotBound indicates a DI lookup miss for a required binding.
	KindNotBound Kind = "not-bound"
	// KindCyclicBinding indicates resolution re-entered an in-progress key.
	KindCyclicBinding Kind = "cyclic-binding"
	// KindQueryInvalid indicates an unknown column, operator, sort direction,
	// JSON path segment, or relation in a filter.
	KindQueryInvalid Kind = "query-invalid"
	// KindUnauthenticated indicates no strategy accepted the request.
	KindUnauthenticated Kind = "unauthenticated"
	// KindForbidden indicates an authenticated caller lacking a capability.
	KindForbidden Kind = "forbidden"
	// KindNotFound indicates a lookup produced no row where one was required.
	KindNotFound Kind = "not-found"
	// KindConflict indicates a constraint violation from the data source.
	KindConflict Kind = "conflict"
	// KindTransportClosed indicates a write on a non-open socket.
	KindTransportClosed Kind = "transport-closed"
	// KindOverflow indicates the HF logger reader detected write-past-read.
	KindOverflow Kind = "overflow"
	// KindInternal indicates an unexpected condition.
	KindInternal Kind = "internal"
)

// Error is a classified framework error. It carries the kind, a
// human-readable message, optional structured details, and the wrapped
// cause for errors.Is/As chains.
type Error struct {
	Kind    Kind        `json:"kind"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// WithDetails attaches structured details and returns the error.
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// New creates a classified error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it as the cause.
// Wrapping nil returns nil.
func Wrap(err error, kind Kind, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// KindOf extracts the kind of a classified error, or KindInternal for
// anything else. KindOf(nil) returns the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified with the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// StatusCode maps an error kind to its HTTP status code. Input, auth and
// not-found failures map to 4xx; configuration and unexpected conditions
// map to 5xx.
func StatusCode(kind Kind) int {
	switch kind {
	case KindQueryInvalid:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindConfigInvalid, KindNotBound, KindCyclicBinding, KindInternal:
		return http.StatusInternalServerError
	case KindTransportClosed, KindOverflow:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the user-visible HTTP error payload.
type Envelope struct {
	StatusCode int         `json:"statusCode"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

// ToEnvelope converts any error into the wire envelope. Unclassified
// errors surface as 500 with their message suppressed to a generic string.
func ToEnvelope(err error) Envelope {
	var e *Error
	if errors.As(err, &e) {
		return Envelope{
			StatusCode: StatusCode(e.Kind),
			Message:    e.Message,
			Details:    e.Details,
		}
	}
	return Envelope{
		StatusCode: http.StatusInternalServerError,
		Message:    "internal server error",
	}
}
