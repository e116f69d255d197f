package analysiscache

import (
	"errors"
	"fmt"

	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/entry"
)

// Code classifies a cache failure.
type Code string

const (
	// CodeNotFound means no visible entry exists at the signature.
	CodeNotFound Code = "NOT_FOUND"
	// CodeForbidden means the entry belongs to another caller, including lost claim races.
	CodeForbidden Code = "FORBIDDEN"
	// CodeQuotaExceeded means the caller already holds the maximum number of saved entries.
	CodeQuotaExceeded Code = "QUOTA_EXCEEDED"
	// CodeTransient means the store timed out or was unreachable after bounded retries.
	CodeTransient Code = "TRANSIENT_STORE_ERROR"
	// CodeConstraint means the store rejected a write for a reason not explained above.
	CodeConstraint Code = "CONSTRAINT_VIOLATION"
	// CodeInvalidRequest means the arguments were malformed.
	CodeInvalidRequest Code = "INVALID_REQUEST"
)

// Error is the error type returned by every Cache operation that surfaces failures.
type Error struct {
	Code    Code
	Message string
	// Original error for debugging
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so callers can compare against
// the sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrNotFound       = &Error{Code: CodeNotFound, Message: "analysis not found"}
	ErrForbidden      = &Error{Code: CodeForbidden, Message: "analysis belongs to another user"}
	ErrQuotaExceeded  = &Error{Code: CodeQuotaExceeded, Message: "saved analysis quota reached"}
	ErrTransient      = &Error{Code: CodeTransient, Message: "store unavailable"}
	ErrConstraint     = &Error{Code: CodeConstraint, Message: "store rejected the write"}
	ErrInvalidRequest = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
)

// CodeOf returns the code carried by err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func newError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func invalid(format string, args ...any) *Error {
	return newError(CodeInvalidRequest, fmt.Sprintf(format, args...), nil)
}

// storeError maps a repository failure onto the taxonomy. Failures the
// repository could not classify are reported as transient: they come from the
// store, not from the caller.
func storeError(op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, entry.ErrNotFound):
		return newError(CodeNotFound, "analysis not found", err)
	case entry.IsConstraint(err):
		return newError(CodeConstraint, op+" rejected by store", err)
	default:
		return newError(CodeTransient, op+" failed", err)
	}
}
