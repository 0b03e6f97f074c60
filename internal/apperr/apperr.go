// Package apperr defines the control plane's error taxonomy: a small set of
// kinds that every domain error collapses into at the HTTP boundary.
package apperr

import (
	"errors"
	"net/http"
)

// Kind categorizes a domain error for the purpose of HTTP status mapping
// and internal handling policy.
type Kind string

const (
	// KindInvalidArgument means the caller supplied a malformed or
	// incomplete request (empty action, empty target list, ...).
	KindInvalidArgument Kind = "invalid_argument"

	// KindUnauthorized means the bearer token was missing or did not match
	// any configured scope.
	KindUnauthorized Kind = "unauthorized"

	// KindNotFound means the referenced job, task, or agent does not exist.
	KindNotFound Kind = "not_found"

	// KindConflict means the operation is a no-op because of the current
	// state (requeue of a non-Running task, duplicate claim).
	KindConflict Kind = "conflict"

	// KindInternal means an unexpected failure, typically wrapping a store
	// or transport error. The caller sees a generic message; the real error
	// goes to the log.
	KindInternal Kind = "internal"
)

// Error is a domain error carrying a Kind and a message safe to return to
// callers. The wrapped cause, if any, is never included in Error() so that
// handlers can log it separately without leaking it to the HTTP response.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// StatusCode returns the net/http status this kind maps to.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func newErr(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// InvalidArgument constructs a KindInvalidArgument error.
func InvalidArgument(message string) *Error {
	return newErr(KindInvalidArgument, message, nil)
}

// Unauthorized constructs a KindUnauthorized error.
func Unauthorized(message string) *Error {
	return newErr(KindUnauthorized, message, nil)
}

// NotFound constructs a KindNotFound error.
func NotFound(message string) *Error {
	return newErr(KindNotFound, message, nil)
}

// Conflict constructs a KindConflict error.
func Conflict(message string) *Error {
	return newErr(KindConflict, message, nil)
}

// Internal constructs a KindInternal error wrapping cause. cause is never
// surfaced through Error() handling in the HTTP layer; it is logged
// separately by the caller.
func Internal(message string, cause error) *Error {
	return newErr(KindInternal, message, cause)
}

// Is reports whether err (or anything it wraps) is an *Error of kind k.
// This lets callers write `apperr.Is(err, apperr.KindNotFound)` instead of
// a type assertion at every call site.
func Is(err error, k Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == k
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to KindInternal for any error
// that isn't an *Error — the HTTP layer uses this to decide the status code
// for errors that were never classified by the domain layer.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}
