// Package fault defines the kind-tagged errors the services return. The
// HTTP layer maps kinds to status codes; only messages carried by a fault
// are ever quoted to clients.
package fault

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Validation      Kind = "validation"
	NotFound        Kind = "not_found"
	State           Kind = "state_error"
	Authorization   Kind = "authorization"
	PaymentRequired Kind = "payment_required"
	PaymentInvalid  Kind = "payment_invalid"
	PaymentBackend  Kind = "payment_backend"
	RateLimited     Kind = "rate_limited"
	Internal        Kind = "internal"
)

type Error struct {
	Kind    Kind
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

// New returns a fault with a client-quotable message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and quotable message to an underlying error. The
// underlying error is logged server-side, never sent to clients.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from err, or Internal if err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// MessageOf returns the quotable message for err. Errors that are not
// faults get a generic message.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return "An unexpected error occurred"
}

// Is reports whether err is a fault of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
