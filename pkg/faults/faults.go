// Package faults defines the typed, user-visible error vocabulary of the
// runtime. Every failure that crosses an API or component boundary is an
// *Error carrying one of the Kind constants below; internal plumbing errors
// are wrapped with %w as usual and mapped to a Kind at the seam.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies a failure class. The string values are part of the API
// contract and appear verbatim in responses and chain entries.
type Kind string

const (
	// KindPreconditionUnavailable means the pre-execution chain append or
	// webhook post failed, so the guarded action was never attempted.
	KindPreconditionUnavailable Kind = "precondition_unavailable"

	KindRateLimited        Kind = "rate_limited"
	KindBudgetExceeded     Kind = "budget_exceeded"
	KindApprovalDenied     Kind = "approval_denied"
	KindApprovalTimeout    Kind = "approval_timeout"
	KindModelUnavailable   Kind = "model_unavailable"
	KindAdapterTimeout     Kind = "adapter_timeout"
	KindIntegrityFailed    Kind = "integrity_failed"
	KindEscalationBlocked  Kind = "escalation_blocked"
	KindConfigRefused      Kind = "config_refused"
	KindConflictUnresolved Kind = "conflict_unresolved"
	KindOffline            Kind = "offline"
	KindFatal              Kind = "fatal"
)

// Error is the runtime's result-type replacement for panics and untyped
// errors at component boundaries.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// RetryAfter is set for recoverable kinds (rate_limited, adapter_timeout,
	// offline) to tell the caller when a retry may succeed.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Wrapped holds the underlying cause, if any. Not serialized.
	Wrapped error `json:"-"`
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New creates an Error with the given kind and message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// WithRetryAfter returns a copy of e with RetryAfter set.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = d
	return &cp
}

// KindOf extracts the Kind from an error chain, or KindFatal if the error is
// not a *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindFatal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// Retryable reports whether the error kind is safe to retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindAdapterTimeout, KindOffline, KindModelUnavailable:
		return true
	}
	return false
}
