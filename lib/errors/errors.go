// Package errors provides structured error types for wgcontrol.
// All errors are designed to be safe to return to clients without exposing
// internal implementation details.
//
// This package provides:
//   - Sentinel errors for the control plane failure taxonomy
//   - Error codes for API response categorization
//   - Error wrapping with context preservation
//   - A stable mapping from error codes to HTTP status codes
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes for categorizing errors. The generic codes follow JSON-RPC 2.0
// where applicable, the domain codes live in the -32000 to -32099 range.
const (
	// Generic error codes
	CodeInvalidRequest = -32600 // Invalid request object
	CodeInvalidParams  = -32602 // Invalid method parameters
	CodeInternal       = -32603 // Internal error

	// Application-specific error codes (-32000 to -32099)
	CodeForbidden            = -32002 // Verification failed
	CodeNotFound             = -32003 // Resource not found
	CodeRateLimited          = -32004 // Rate limit exceeded
	CodeTimeout              = -32005 // Operation timeout
	CodeConflict             = -32006 // Resource conflict
	CodeUnavailable          = -32007 // Service unavailable
	CodeParse                = -32011 // Interface definition could not be parsed
	CodeMissingConfiguration = -32012 // Required settings absent
	CodeAddressInUse         = -32013 // Requested address already assigned
	CodeAddressPoolExhausted = -32014 // No free address left in the block
	CodeInvalidIdentity      = -32015 // Malformed public key
	CodePeerNotFound         = -32016 // Peer absent from store or definition
	CodeWeakPassphrase       = -32017 // Passphrase below minimum length
	CodeAuthentication       = -32018 // Ciphertext failed authentication
	CodeExternalCommand      = -32019 // Tunnel engine command failed
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrForbidden indicates the operation is not permitted.
	ErrForbidden = errors.New("forbidden")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrUnavailable indicates a service is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrRateLimited indicates a rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Control plane errors.
var (
	// ErrParse indicates an interface definition file is missing or unusable.
	ErrParse = errors.New("interface definition could not be parsed")

	// ErrMissingConfiguration indicates a required setting is absent.
	ErrMissingConfiguration = fmt.Errorf("missing configuration: %w", ErrConfiguration)

	// ErrAddressInUse indicates the requested address is already assigned.
	ErrAddressInUse = errors.New("address already in use")

	// ErrAddressPoolExhausted indicates no free address is left in the interface block.
	ErrAddressPoolExhausted = errors.New("no free addresses left in interface block")

	// ErrInvalidIdentity indicates a malformed peer public key.
	ErrInvalidIdentity = fmt.Errorf("incorrect public key: %w", ErrInvalidInput)

	// ErrPeerNotFound indicates the peer is unknown.
	ErrPeerNotFound = fmt.Errorf("peer %w", ErrNotFound)

	// ErrUnknownInterface indicates the interface is absent from the current snapshot.
	ErrUnknownInterface = fmt.Errorf("incorrect interface: %w", ErrInvalidInput)
)

// Cryptographic errors. These are never downgraded by callers.
var (
	// ErrWeakPassphrase indicates an encryption passphrase below the minimum length.
	ErrWeakPassphrase = errors.New("encryption passphrase must be at least 8 characters long")

	// ErrAuthenticationFailure indicates a ciphertext that failed authentication.
	ErrAuthenticationFailure = errors.New("secret failed authentication")
)

// Tunnel engine errors.
var (
	// ErrExternalCommand indicates a tunnel engine command exited non-zero or timed out.
	ErrExternalCommand = errors.New("external command failed")
)

// Verification errors.
var (
	// ErrTokenMissing indicates a verification token is missing.
	ErrTokenMissing = fmt.Errorf("verification token missing: %w", ErrForbidden)

	// ErrTokenInvalid indicates a verification token did not match.
	ErrTokenInvalid = fmt.Errorf("verification token invalid: %w", ErrForbidden)
)

// Error is a structured error with a code and safe message.
// It implements the error interface and provides methods for
// error handling and response generation.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a safe, user-facing error message
	Message string `json:"message"`
	// Err is the underlying error (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// SafeMessage returns a client-safe error message without internal details.
func (e *Error) SafeMessage() string {
	return e.Message
}

// New creates a new structured error with the given code and message.
// The message should be safe to return to clients.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and safe message.
// The original error is preserved for debugging but not exposed to clients.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapInternal wraps an internal error with a generic message.
// Use this when the original error contains sensitive information.
func WrapInternal(err error) *Error {
	if err != nil {
		log.WithError(err).Debug("wrapping internal error")
	}
	return &Error{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// FromSentinel creates a structured error from a sentinel error.
// It automatically assigns an appropriate error code based on the error type.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}

	code := CodeFor(err)
	message := err.Error()
	if code == CodeInternal {
		message = "internal error"
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeFor maps sentinel errors to error codes. More specific sentinels are
// checked before the generic ones they wrap.
func CodeFor(err error) int {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Code
	}

	switch {
	case errors.Is(err, ErrParse):
		return CodeParse
	case errors.Is(err, ErrMissingConfiguration):
		return CodeMissingConfiguration
	case errors.Is(err, ErrAddressInUse):
		return CodeAddressInUse
	case errors.Is(err, ErrAddressPoolExhausted):
		return CodeAddressPoolExhausted
	case errors.Is(err, ErrInvalidIdentity):
		return CodeInvalidIdentity
	case errors.Is(err, ErrPeerNotFound):
		return CodePeerNotFound
	case errors.Is(err, ErrWeakPassphrase):
		return CodeWeakPassphrase
	case errors.Is(err, ErrAuthenticationFailure):
		return CodeAuthentication
	case errors.Is(err, ErrExternalCommand):
		return CodeExternalCommand
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrCircuitOpen):
		return CodeUnavailable
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidParams
	case errors.Is(err, ErrConfiguration):
		return CodeMissingConfiguration
	default:
		return CodeInternal
	}
}

// HTTPStatus returns the HTTP status code the web API reports for err.
func HTTPStatus(err error) int {
	switch CodeFor(err) {
	case CodeInvalidRequest, CodeInvalidParams:
		return http.StatusUnprocessableEntity
	case CodeInvalidIdentity:
		return http.StatusUnprocessableEntity
	case CodeAddressInUse:
		return http.StatusBadRequest
	case CodeAddressPoolExhausted, CodeConflict:
		return http.StatusConflict
	case CodeNotFound, CodePeerNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeExternalCommand:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsNotFound returns true if the error indicates a resource was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidInput returns true if the error indicates invalid input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsParse returns true if the error indicates an unusable interface definition.
func IsParse(err error) bool {
	return errors.Is(err, ErrParse)
}

// IsAuthenticationFailure returns true if a ciphertext failed to authenticate.
func IsAuthenticationFailure(err error) bool {
	return errors.Is(err, ErrAuthenticationFailure)
}

// IsExternalCommand returns true if a tunnel engine command failed.
func IsExternalCommand(err error) bool {
	return errors.Is(err, ErrExternalCommand)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
