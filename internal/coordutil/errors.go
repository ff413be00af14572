// Package coordutil provides the error-kind taxonomy shared by every coordinator component.
package coordutil

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error kinds the coordinator distinguishes.
// Handlers switch on Kind, never on error strings.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindUnauthorized       Kind = "unauthorized"
	KindPreconditionFailed Kind = "precondition_failed"
	KindAgentFailure       Kind = "agent_failure"
	KindBrokerRejected     Kind = "broker_rejected"
	KindTransient          Kind = "transient"
	KindFatal              Kind = "fatal"
)

// Error wraps an underlying cause with a coordinator error Kind.
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

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NotFound builds a KindNotFound error.
func NotFound(message string) *Error { return New(KindNotFound, message) }

// Unauthorized builds a KindUnauthorized error.
func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }

// PreconditionFailed builds a KindPreconditionFailed error.
func PreconditionFailed(message string) *Error { return New(KindPreconditionFailed, message) }

// AgentFailure builds a KindAgentFailure error.
func AgentFailure(message string) *Error { return New(KindAgentFailure, message) }

// BrokerRejected builds a KindBrokerRejected error wrapping the broker's own error.
func BrokerRejected(message string, cause error) *Error {
	return Wrap(KindBrokerRejected, message, cause)
}

// Transient builds a KindTransient error wrapping the underlying network/5xx cause.
func Transient(message string, cause error) *Error {
	return Wrap(KindTransient, message, cause)
}

// Fatal builds a KindFatal error wrapping the underlying cause.
func Fatal(message string, cause error) *Error {
	return Wrap(KindFatal, message, cause)
}

// KindOf extracts the Kind from err, or "" if err does not wrap a *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Is reports whether err's Kind matches k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
