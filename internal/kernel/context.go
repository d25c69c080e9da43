// Package kernel holds the types shared across every kernel component:
// the request-scoped principal/context the REDESIGN FLAGS call for instead
// of context-value lookups, the domain entities, and the sum-typed error
// result every component returns instead of ad-hoc error strings.
package kernel

import (
	"errors"
	"time"
)

// Principal identifies the caller making a request. Authentication itself is
// out of scope (spec.md §1) — the kernel only receives an already-resolved
// Principal.
type Principal struct {
	TenantID string
	APIKeyID string
	Roles    []string
}

// RequestContext carries the per-call values every component needs
// explicitly, rather than stashing them in a context.Context value bag.
// context.Context is still threaded for cancellation/deadline, but
// observable request data lives here.
type RequestContext struct {
	Principal Principal
	RequestID string
	Deadline  time.Time
}

// ErrorCode is the stable discriminator on a kernel Error.
type ErrorCode string

const (
	ErrNotFound       ErrorCode = "not_found"
	ErrInvalidInput   ErrorCode = "invalid_input"
	ErrRateLimited    ErrorCode = "rate_limited"
	ErrBreakerOpen    ErrorCode = "breaker_open"
	ErrBudgetExceeded ErrorCode = "budget_exceeded"
	ErrUpstream       ErrorCode = "upstream_error"
	ErrTimeout        ErrorCode = "timeout"
	ErrInternal       ErrorCode = "internal"
	ErrConflict       ErrorCode = "conflict"
)

// Error is the sum-typed error value every component returns. Code is the
// stable discriminator callers should switch on; Message is for humans;
// Cause is the wrapped underlying error, if any.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs an Error, wrapping cause if given.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// IsCode reports whether err is, or wraps, a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var kerr *Error
	if !errors.As(err, &kerr) {
		return false
	}
	return kerr.Code == code
}
