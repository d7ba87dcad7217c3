// Package apperr defines the error taxonomy shared by the ledger, vote,
// redemption, chat and upload services.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and transport mapping.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindUnauthenticated     Kind = "unauthenticated"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindOutOfStock          Kind = "out_of_stock"
	KindRateLimited         Kind = "rate_limited"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindTimeout             Kind = "timeout"
	KindPersistence         Kind = "persistence"
	KindInternal            Kind = "internal"
)

// SupportMessage is shown whenever a failure carries no user-facing message.
const SupportMessage = "Something went wrong on our side. For help, contact support@citypulse.com or call (555) 123-4567."

// Error carries a kind, a stable operation code and an optional user-facing message.
type Error struct {
	kind    Kind
	code    string
	message string
	err     error
}

// New builds an Error. The message is shown to end users verbatim.
func New(kind Kind, code, message string, cause error) *Error {
	return &Error{kind: kind, code: code, message: message, err: cause}
}

func (e *Error) Error() string {
	switch {
	case e.err != nil && e.message != "":
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.err)
	case e.err != nil:
		return fmt.Sprintf("%s: %v", e.code, e.err)
	case e.message != "":
		return fmt.Sprintf("%s: %s", e.code, e.message)
	default:
		return e.code
	}
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the error classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code returns the operation.reason code.
func (e *Error) Code() string {
	return e.code
}

// Message returns the user-facing message, falling back to SupportMessage.
func (e *Error) Message() string {
	if e.message == "" {
		return SupportMessage
	}
	return e.message
}

// Retryable reports whether a caller may resubmit after a delay.
func (e *Error) Retryable() bool {
	switch e.kind {
	case KindRateLimited, KindUpstreamUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// Validation reports bad input shape or size.
func Validation(code, message string) *Error {
	return New(KindValidation, code, message, nil)
}

// Unauthenticated reports a missing identity binding.
func Unauthenticated(code string) *Error {
	return New(KindUnauthenticated, code, "Please sign in to continue.", nil)
}

// NotFound reports a missing resource.
func NotFound(code, message string) *Error {
	return New(KindNotFound, code, message, nil)
}

// Persistence wraps a storage failure. It never carries a user-facing message.
func Persistence(code string, cause error) *Error {
	return New(KindPersistence, code, "", cause)
}

// Internal wraps an unexpected failure outside storage, such as an empty
// upstream reply. Like Persistence it shows only the support message.
func Internal(code string, cause error) *Error {
	return New(KindInternal, code, "", cause)
}

// KindOf returns the kind of the first Error in the chain, or KindPersistence
// for unclassified errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindPersistence
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.kind == kind
}

// MessageOf returns the user-facing message for err.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	return SupportMessage
}
