// Package errors defines the gateway's error codes and the translation from
// domain errors to HTTP responses. Services wrap infrastructure errors with a
// code here; transports translate codes to status lines in exactly one place.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error class.
type Code string

const (
	CodeInvalidInput Code = "invalid_input"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeCacheMiss    Code = "cache_miss"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeTimeout      Code = "timeout"
	CodeUnavailable  Code = "unavailable"
	CodeInternal     Code = "internal"
)

// GatewayError carries a code plus a human message. It wraps an underlying
// cause when one exists.
type GatewayError struct {
	Code    Code
	Message string
	cause   error
}

func (e GatewayError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e GatewayError) Unwrap() error { return e.cause }

// New creates a GatewayError with no underlying cause.
func New(code Code, message string) error {
	return GatewayError{Code: code, Message: message}
}

// Wrap attaches a code and message to an existing error.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return GatewayError{Code: code, Message: message, cause: err}
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	var ge GatewayError
	if errors.As(err, &ge) {
		return ge.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var ge GatewayError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps error codes to HTTP status codes.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound, CodeCacheMiss:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
