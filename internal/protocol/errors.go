package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies coordinator failures.
type ErrorKind string

const (
	// KindAuth: invalid or expired admission; refused before any mutation.
	KindAuth ErrorKind = "auth"
	// KindValidation: malformed client message; the session continues.
	KindValidation ErrorKind = "validation"
	// KindConflict: request incompatible with current state; nothing changed.
	KindConflict ErrorKind = "conflict"
	// KindSandbox: asynchronous failure reported by the provisioner.
	KindSandbox ErrorKind = "sandbox"
	// KindDelivery: a single connection could not be written to.
	KindDelivery ErrorKind = "delivery"
)

// Error is the typed error returned by coordinator operations.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewAuthError(code, message string) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: message}
}

func NewValidationError(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func NewConflictError(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

func NewSandboxError(message string, err error) *Error {
	return &Error{Kind: KindSandbox, Code: "sandbox_error", Message: message, Err: err}
}

func NewDeliveryError(message string, err error) *Error {
	return &Error{Kind: KindDelivery, Code: "delivery_failed", Message: message, Err: err}
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsKind reports whether err is a protocol error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	pe, ok := AsError(err)
	return ok && pe.Kind == kind
}

// Admission error codes. The transport maps them to close codes.
const (
	CodeAuthRequired   = "auth_required"
	CodeSessionExpired = "session_expired"
)

// CloseCodeFor returns the close code a connection should end with after
// err, or 0 when the connection may stay open.
func CloseCodeFor(err error) int {
	pe, ok := AsError(err)
	if !ok || pe.Kind != KindAuth {
		return 0
	}
	if pe.Code == CodeSessionExpired {
		return CloseSessionExpired
	}
	return CloseAuthRequired
}
