// Package errs defines the error kinds the core distinguishes, per the
// propagation policy: validation/auth/not-found/conflict surface to the
// caller unchanged, while timeout/backend/cancelled errors are folded into
// run or step state by the callers that own that policy (internal/workflow,
// internal/gateway).
package errs

import "fmt"

// Kind identifies one of the error categories the core must distinguish.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindResource   Kind = "resource"
	KindTimeout    Kind = "timeout"
	KindBackend    Kind = "backend"
	KindCancelled  Kind = "cancelled"
)

// Error is a typed error carrying one of the Kind values above plus an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	te, ok := err.(*Error)
	return ok && te.Kind == kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func Auth(format string, args ...any) *Error {
	return New(KindAuth, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

func Resource(format string, args ...any) *Error {
	return New(KindResource, fmt.Sprintf(format, args...))
}

func Timeout(format string, args ...any) *Error {
	return New(KindTimeout, fmt.Sprintf(format, args...))
}

func Backend(cause error, format string, args ...any) *Error {
	return Wrap(KindBackend, fmt.Sprintf(format, args...), cause)
}

func Cancelled(format string, args ...any) *Error {
	return New(KindCancelled, fmt.Sprintf(format, args...))
}
