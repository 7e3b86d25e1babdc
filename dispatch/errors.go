// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is a stable, machine-readable classification of a dispatch
// failure. Kinds cross layer boundaries instead of raw errors so callers
// can branch without string matching.
type ErrorKind string

const (
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindOverloaded         ErrorKind = "overloaded"
	KindNoBackendAvailable ErrorKind = "no_backend_available"
	KindTimeout            ErrorKind = "timeout"
	KindTransport          ErrorKind = "transport"
	KindUpstreamClient     ErrorKind = "upstream_client"
	KindUpstreamServer     ErrorKind = "upstream_server"
	KindMalformedResponse  ErrorKind = "malformed_response"
	KindBatchShortResponse ErrorKind = "batch_short_response"
	KindPoolExhausted      ErrorKind = "pool_exhausted"
	KindCancelled          ErrorKind = "cancelled"
	KindInternal           ErrorKind = "internal"
)

// Retryable reports whether a new attempt may recover from this kind of
// failure. Only timeouts, transport errors and upstream 5xx are retried;
// everything else surfaces immediately.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindTransport, KindUpstreamServer:
		return true
	}
	return false
}

// HTTPStatus maps an error kind to the external status code served to
// northbound callers.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindOverloaded:
		return http.StatusTooManyRequests
	case KindNoBackendAvailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamClient, KindUpstreamServer, KindMalformedResponse, KindBatchShortResponse:
		return http.StatusBadGateway
	case KindCancelled:
		// Closest standard equivalent of nginx's 499.
		return http.StatusRequestTimeout
	case KindPoolExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a kind, a human-readable message and optional backend
// details. Details are kept out of the top-level message so caller-side log
// scraping stays stable.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	wrapped error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// NewError creates an Error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error that wraps an underlying cause.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: cause}
}

// WithDetails returns a copy of the error carrying backend detail text.
func (e *Error) WithDetails(details string) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// KindOf extracts the ErrorKind from err. Unclassified errors report
// KindInternal; a nil error reports the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// AsError normalizes err into an *Error, wrapping unclassified errors as
// KindInternal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Kind: KindInternal, Message: err.Error(), wrapped: err}
}
