package auth

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrMissingCredential is returned when no credential is present and the
	// configured method requires one
	ErrMissingCredential = "missing_credential"

	// ErrMalformedCredential is returned when a credential is present but
	// structurally invalid for its method
	ErrMalformedCredential = "malformed_credential"

	// ErrInvalidState is returned for an unknown or replayed OAuth state
	ErrInvalidState = "invalid_state"

	// ErrExpiredAuthorization is returned when a pending authorization, code
	// or token has outlived its TTL
	ErrExpiredAuthorization = "expired_authorization"

	// ErrPKCEVerificationFailed is returned when the code verifier does not
	// hash to the stored challenge
	ErrPKCEVerificationFailed = "pkce_verification_failed"

	// ErrExchangeTransient is returned for network-level exchange failures;
	// the caller may restart the flow
	ErrExchangeTransient = "exchange_transient"

	// ErrExchangeRejected is returned when the identity backend refused the
	// exchange
	ErrExchangeRejected = "exchange_rejected"

	// ErrUnsupportedMethod is returned for an unrecognized auth method
	ErrUnsupportedMethod = "unsupported_method"
)

// Error represents an authentication error
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewMissingCredentialError creates a new missing credential error
func NewMissingCredentialError(message string, cause error) *Error {
	return NewError(ErrMissingCredential, message, cause)
}

// NewMalformedCredentialError creates a new malformed credential error
func NewMalformedCredentialError(message string, cause error) *Error {
	return NewError(ErrMalformedCredential, message, cause)
}

// NewInvalidStateError creates a new invalid state error
func NewInvalidStateError(message string, cause error) *Error {
	return NewError(ErrInvalidState, message, cause)
}

// NewExpiredAuthorizationError creates a new expired authorization error
func NewExpiredAuthorizationError(message string, cause error) *Error {
	return NewError(ErrExpiredAuthorization, message, cause)
}

// NewPKCEVerificationFailedError creates a new PKCE verification failed error
func NewPKCEVerificationFailedError(message string, cause error) *Error {
	return NewError(ErrPKCEVerificationFailed, message, cause)
}

// NewExchangeTransientError creates a new transient exchange error
func NewExchangeTransientError(message string, cause error) *Error {
	return NewError(ErrExchangeTransient, message, cause)
}

// NewExchangeRejectedError creates a new rejected exchange error
func NewExchangeRejectedError(message string, cause error) *Error {
	return NewError(ErrExchangeRejected, message, cause)
}

// NewUnsupportedMethodError creates a new unsupported method error
func NewUnsupportedMethodError(message string, cause error) *Error {
	return NewError(ErrUnsupportedMethod, message, cause)
}

// IsType checks whether err is an authentication Error of the given type
func IsType(err error, errorType string) bool {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Type == errorType
	}
	return false
}

// TypeOf returns the type of an authentication Error, or "" for other errors
func TypeOf(err error) string {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Type
	}
	return ""
}
