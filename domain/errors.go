package domain

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Every error produced by the domain and service
// layers wraps exactly one of them, so callers classify with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInactive            = errors.New("user is inactive")
	ErrTransport           = errors.New("transport failure")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// Error carries the failing operation and a human readable message on top of
// one of the sentinel kinds.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validationf reports bad input.
func Validationf(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing entity.
func NotFound(op, entity string, id any) error {
	return &Error{Kind: ErrNotFound, Op: op, Msg: fmt.Sprintf("%s %v not found", entity, id)}
}

// Unauthorized reports that the actor lacks the role or relationship required.
func Unauthorized(op, msg string) error {
	return &Error{Kind: ErrUnauthorized, Op: op, Msg: msg}
}

// Inactive reports a disabled target user.
func Inactive(op string, userID int64) error {
	return &Error{Kind: ErrInactive, Op: op, Msg: fmt.Sprintf("user %d is inactive", userID)}
}

// Transport wraps a connection or reconnect failure.
func Transport(op string, err error) error {
	return &Error{Kind: ErrTransport, Op: op, Err: err}
}

// Conflict wraps a concurrency conflict raised by persistence.
func Conflict(op string, err error) error {
	return &Error{Kind: ErrConcurrencyConflict, Op: op, Err: err}
}

// UserMessage returns the message shown to end users for err.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		var de *Error
		if errors.As(err, &de) && de.Msg != "" {
			return de.Msg
		}
		return "The request is invalid."
	case errors.Is(err, ErrNotFound):
		return "The requested item no longer exists."
	case errors.Is(err, ErrUnauthorized):
		return "You are not allowed to do that."
	case errors.Is(err, ErrInactive):
		return "The selected user is disabled."
	case errors.Is(err, ErrConcurrencyConflict):
		return "Someone else changed this item. Reload and try again."
	case errors.Is(err, ErrTransport):
		return "Reconnecting..."
	default:
		return "Something went wrong."
	}
}
