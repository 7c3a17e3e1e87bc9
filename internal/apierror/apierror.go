// Package apierror defines the service's error-kind taxonomy and maps it to
// HTTP status codes and JSON error envelopes.
package apierror

import (
	"fmt"
	"net/http"
)

// Kind enumerates the error kinds the service maps onto HTTP status codes.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindUnauthorized    Kind = "unauthorized"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindPaymentRequired Kind = "payment_required"
	KindUpstream        Kind = "upstream"
	KindInternal        Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindValidation:      http.StatusBadRequest,
	KindUnauthorized:    http.StatusUnauthorized,
	KindForbidden:       http.StatusForbidden,
	KindNotFound:        http.StatusNotFound,
	KindConflict:        http.StatusConflict,
	KindPaymentRequired: http.StatusPaymentRequired,
	KindUpstream:        http.StatusBadGateway,
	KindInternal:        http.StatusInternalServerError,
}

// Error is the single error type handlers report; the api package's
// Router.respondError maps it to an HTTP status and JSON body so handlers
// never hand-write error status codes.
type Error struct {
	Kind    Kind
	Message string
	Extra   map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// StatusCode returns the HTTP status code for the error's kind.
func (e *Error) StatusCode() int {
	if code, ok := statusByKind[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind, wrapping cause for logging.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithExtra attaches extra fields to the JSON error body (e.g. {"error":"locked"}).
func (e *Error) WithExtra(key string, value any) *Error {
	if e.Extra == nil {
		e.Extra = map[string]any{}
	}
	e.Extra[key] = value
	return e
}

func Validation(msg string) *Error      { return New(KindValidation, msg) }
func Unauthorized(msg string) *Error    { return New(KindUnauthorized, msg) }
func Forbidden(msg string) *Error       { return New(KindForbidden, msg) }
func NotFound(msg string) *Error        { return New(KindNotFound, msg) }
func Conflict(msg string) *Error        { return New(KindConflict, msg) }
func PaymentRequired(msg string) *Error { return New(KindPaymentRequired, msg) }
func Upstream(msg string, cause error) *Error {
	return Wrap(KindUpstream, msg, cause)
}
func Internal(msg string, cause error) *Error {
	return Wrap(KindInternal, msg, cause)
}
