// Package errors defines the typed error taxonomy shared by all services.
// Every error carries a stable code so callers can translate it without
// inspecting message text; no raw internal error detail crosses the external
// interface.
package errors

import (
	"errors"
	"fmt"
)

// Standard error functions re-exported for convenience
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// Code identifies an error class across process boundaries.
type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodePriceDeviation      Code = "PRICE_DEVIATION"
	CodeNoValidPrice        Code = "NO_VALID_PRICE"
	CodeInvalidPrice        Code = "INVALID_PRICE"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeExternalService     Code = "EXTERNAL_SERVICE_ERROR"
)

// Error is the concrete error type carrying a stable code, a human readable
// message and an optional cause.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a typed error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error preserving the underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the code from an error chain; empty when err is not typed.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Validation reports malformed input.
func Validation(message string) *Error { return New(CodeValidation, message) }

// Validationf reports malformed input with a formatted message.
func Validationf(format string, args ...interface{}) *Error {
	return Newf(CodeValidation, format, args...)
}

// PriceDeviation reports an order price too far from the oracle price.
func PriceDeviation(message string) *Error { return New(CodePriceDeviation, message) }

// NoValidPrice reports that every oracle sample was filtered out.
func NoValidPrice(message string) *Error { return New(CodeNoValidPrice, message) }

// InvalidPrice reports a non-positive aggregated price.
func InvalidPrice(message string) *Error { return New(CodeInvalidPrice, message) }

// NotFound reports an unknown order or user.
func NotFound(message string) *Error { return New(CodeNotFound, message) }

// InvalidState reports an illegal lifecycle transition.
func InvalidState(message string) *Error { return New(CodeInvalidState, message) }

// InsufficientBalance reports an on-chain balance too low for the order.
func InsufficientBalance(message string) *Error { return New(CodeInsufficientBalance, message) }

// ExternalService reports a transient collaborator failure after retries.
func ExternalService(message string, cause error) *Error {
	return Wrap(CodeExternalService, message, cause)
}
