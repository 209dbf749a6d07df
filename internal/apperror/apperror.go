// Package apperror classifies chat server failures into a small taxonomy
// so the wire layer can turn any error into a human-readable reason.
package apperror

import (
	"errors"
)

// Error kinds.
var (
	ErrAuth        = errors.New("auth error")
	ErrSession     = errors.New("session error")
	ErrRoute       = errors.New("route error")
	ErrTransport   = errors.New("transport error")
	ErrPersistence = errors.New("persistence error")
)

// Error pairs a kind with the specific cause and the text shown to users.
type Error struct {
	Kind    error  // one of the Err* kinds above
	Err     error  // specific sentinel or underlying error
	Message string // human-readable reason
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func newError(kind, err error, message string) *Error {
	return &Error{Kind: kind, Err: err, Message: message}
}

// Auth wraps a credential failure.
func Auth(err error, message string) *Error {
	return newError(ErrAuth, err, message)
}

// Session wraps a session registry failure.
func Session(err error, message string) *Error {
	return newError(ErrSession, err, message)
}

// Route wraps a message routing failure.
func Route(err error, message string) *Error {
	return newError(ErrRoute, err, message)
}

// Transport wraps a socket read/write failure.
func Transport(err error, message string) *Error {
	return newError(ErrTransport, err, message)
}

// Persistence wraps a store open/read/write failure.
func Persistence(err error, message string) *Error {
	return newError(ErrPersistence, err, message)
}

// Reason returns the text that may be shown to a client for err.
// Errors outside the taxonomy are reported as "internal error" so raw
// transport or driver messages never leak to the wire.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Error()
	}
	return "internal error"
}
