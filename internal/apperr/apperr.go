// Package apperr defines the error taxonomy shared across every component.
// Internal errors never cross the orchestrator boundary; they are converted
// here into a typed Code the caller can switch on.
package apperr

import "fmt"

// Code is the caller-visible error taxonomy (spec §7).
type Code string

const (
	Unauthorized        Code = "UNAUTHORIZED"
	Forbidden           Code = "FORBIDDEN"
	InvalidCredentials  Code = "INVALID_CREDENTIALS"
	AccountLocked       Code = "ACCOUNT_LOCKED"
	IPBlocked           Code = "IP_BLOCKED"
	ValidationError     Code = "VALIDATION_ERROR"
	UserExists          Code = "USER_EXISTS"
	ServiceError        Code = "SERVICE_ERROR"
	RateLimited         Code = "RATE_LIMITED"
	TokenRevoked        Code = "TOKEN_REVOKED"
	TokenExpired        Code = "TOKEN_EXPIRED"
)

// Error wraps a Code with a human-readable message and an optional
// underlying cause. Only the Code and Message are meant to be shown to
// callers; Cause is for logs.
type Error struct {
	Code    Code
	Message string
	Cause   error

	// LockoutUntil is set on AccountLocked/IPBlocked errors (spec §7).
	LockoutUntil int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a tagged error with no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap tags an underlying error with a Code, for components whose
// transient failures must short-circuit as SERVICE_ERROR at the boundary.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Locked builds an ACCOUNT_LOCKED/IP_BLOCKED error carrying the unlock time.
func Locked(code Code, message string, lockoutUntilUnixMs int64) *Error {
	return &Error{Code: code, Message: message, LockoutUntil: lockoutUntilUnixMs}
}

// CodeOf extracts the Code from err, defaulting to SERVICE_ERROR for
// anything that isn't one of ours — callers at the transport boundary
// should never see a raw Go error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if ok := As(err, &e); ok {
		return e.Code
	}
	return ServiceError
}

// As is a narrow local errors.As to avoid importing errors in every caller
// just for this one check.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
