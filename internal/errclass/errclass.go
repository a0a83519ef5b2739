// Package errclass classifies failures of the connection core so callers can
// decide between retrying, surfacing, or absorbing them.
package errclass

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the failure category of a ClassifiedError.
type Class int

const (
	// InitializationFailure means setup or protocol negotiation failed. The
	// owning session is marked as errored.
	InitializationFailure Class = iota + 1
	// AuthFailure is the terminal logged-out cause. No retry is attempted.
	AuthFailure
	// TransientDisconnect is retryable; a reconnect is scheduled.
	TransientDisconnect
	// CommandParseFailure never escapes the parser; input degrades to a
	// free-form command instead.
	CommandParseFailure
	// HandlerFailure is raised by a command handler and rendered as an apology.
	HandlerFailure
	// PersistenceFailure is an I/O error writing session metadata.
	PersistenceFailure
)

func (c Class) String() string {
	switch c {
	case InitializationFailure:
		return "initialization"
	case AuthFailure:
		return "auth"
	case TransientDisconnect:
		return "transient_disconnect"
	case CommandParseFailure:
		return "command_parse"
	case HandlerFailure:
		return "handler"
	case PersistenceFailure:
		return "persistence"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this class should be retried.
func (c Class) Retryable() bool {
	return c == TransientDisconnect
}

// ClassifiedError wraps an error with its class and the place it happened.
type ClassifiedError struct {
	Class     Class
	Component string
	Operation string
	Err       error
}

func (e *ClassifiedError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(".")
			b.WriteString(e.Operation)
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Class.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Wrap classifies err. A nil err stays nil.
func Wrap(class Class, component, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Component: component,
		Operation: operation,
		Err:       err,
	}
}

// Wrapf classifies a freshly formatted error.
func Wrapf(class Class, component, operation, format string, args ...any) error {
	return Wrap(class, component, operation, fmt.Errorf(format, args...))
}

// ClassOf returns the outermost class found in err's chain.
func ClassOf(err error) (Class, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

// Is reports whether err carries class anywhere in its chain.
func Is(err error, class Class) bool {
	for err != nil {
		var ce *ClassifiedError
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Class == class {
			return true
		}
		err = ce.Err
	}
	return false
}
