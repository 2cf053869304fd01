package errors

import (
	"errors"
	"fmt"
)

// Error is a classified reconciliation error. Address and Op carry the
// resource identity and operation for user-visible failure reports.
type Error struct {
	Kind    Kind
	Message string
	Address string
	Op      string
	Wrapped error
}

func (e *Error) Error() string {
	switch {
	case e.Address != "" && e.Op != "" && e.Wrapped != nil:
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %v", e.Kind, e.Message, e.Address, e.Op, e.Wrapped)
	case e.Address != "" && e.Wrapped != nil:
		return fmt.Sprintf("[%s] %s (resource=%s): %v", e.Kind, e.Message, e.Address, e.Wrapped)
	case e.Address != "":
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Kind, e.Message, e.Address)
	case e.Wrapped != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Wrapped)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is matches on kind so callers can use errors.Is with sentinel kinds.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Wrapped: err}
}

// WithAddress attaches a resource address to the error.
func (e *Error) WithAddress(addr string) *Error {
	e.Address = addr
	return e
}

// WithOp attaches the failed operation name to the error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// KindOf extracts the classification of an error, or KindUnknown for plain
// errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsTransient reports whether an error should be retried by the executor.
func IsTransient(err error) bool {
	return IsKind(err, KindTransientProvider)
}
