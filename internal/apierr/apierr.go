package apierr

import (
	"errors"
	"fmt"
)

// Code classifies failures so callers can tell credential problems that
// need operator attention apart from transient upstream trouble.
type Code string

const (
	CodeTokenMissing       Code = "TOKEN_MISSING"
	CodeTokenInvalid       Code = "TOKEN_INVALID"
	CodeTokenExpired       Code = "TOKEN_EXPIRED"
	CodeIdentityNotFound   Code = "IDENTITY_NOT_FOUND"
	CodeProviderAPIError   Code = "PROVIDER_API_ERROR"
	CodeSymbolNotFound     Code = "SYMBOL_NOT_FOUND"
	CodeHandshakeTimeout   Code = "UPSTREAM_HANDSHAKE_TIMEOUT"
	CodeUpstreamDisconnect Code = "UPSTREAM_DISCONNECTED"
)

// Error is a classified failure with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Status  int // upstream HTTP status, 0 when not applicable
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error without a cause.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the Code from err, or "" if err is not classified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is lets errors.Is match on code equality.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}
