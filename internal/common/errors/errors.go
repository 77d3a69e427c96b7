// Package errors provides the application error kinds used across kynetic.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by recovery behavior rather than by origin type.
type Kind string

const (
	KindProtocol   Kind = "protocol"   // bad wire data; logged, not fatal
	KindRemote     Kind = "remote"     // JSON-RPC error response from the agent
	KindConnection Kind = "connection" // stream ended / child exited
	KindSpawn      Kind = "spawn"      // agent failed to start
	KindHealth     Kind = "health"     // failed health predicate
	KindRouting    Kind = "routing"    // unroutable message
	KindStorage    Kind = "storage"    // turn/event persistence failure, non-fatal
	KindCoalescer  Kind = "coalescer"  // platform send/edit failed mid-stream
	KindEscalation Kind = "escalation" // unrecoverable agent state
)

// AppError carries a kind alongside the wrapped cause.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError of the given kind.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Wrap creates an AppError of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or an empty Kind when err is not an AppError.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// Is reports whether err is an AppError of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
