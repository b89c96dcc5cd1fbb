package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure. The executor recovers from all of
// these locally: the offending step is marked failed and the run continues.
type ErrorKind string

const (
	KindNetwork   ErrorKind = "network"
	KindAuth      ErrorKind = "auth"
	KindRateLimit ErrorKind = "rate_limit"
	KindNotFound  ErrorKind = "not_found"
	KindInvalid   ErrorKind = "invalid"
)

// Error is a classified provider failure. Auth errors are constructed with a
// fixed message at the client boundary so raw credentials or provider
// exception text never reach a run result.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("provider: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("provider: %s: %s: %s", e.Op, e.Kind, e.Msg)
}

// NewError builds a classified provider error.
func NewError(kind ErrorKind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// NewAuthError builds a redacted authentication error. The underlying
// provider response is deliberately discarded.
func NewAuthError(op string) *Error {
	return &Error{Kind: KindAuth, Op: op, Msg: "authentication rejected (redacted)"}
}

// KindOf extracts the error kind, defaulting to network for unclassified
// failures (transport errors, timeouts).
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindNetwork
}

// ErrTaskNotFound signals that the provider no longer knows a task ID; crash
// recovery falls back to fingerprint matching before giving up.
var ErrTaskNotFound = &Error{Kind: KindNotFound, Op: "poll_deep_task", Msg: "task not found"}
