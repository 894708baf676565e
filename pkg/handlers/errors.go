package handlers

import (
	"errors"
	"fmt"
)

// Handler error taxonomy. Each is caught per service by the kernel,
// surfaced as an error-level event, and leaves the rest of the tick
// untouched.
var (
	// ErrUnknownPrimitiveType reports a document referencing a type with
	// no registered handler. Fatal to load, never seen mid-run.
	ErrUnknownPrimitiveType = errors.New("unknown primitive type")

	// ErrSourceUnavailable reports a failed external resolution or
	// side-effect delivery (connector fetch, adapter notify).
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrExpressionFailed reports a failing pipe, check, or condition.
	ErrExpressionFailed = errors.New("expression failed")

	// ErrSecretUnavailable reports an unresolvable secret reference.
	ErrSecretUnavailable = errors.New("secret unavailable")

	// ErrHandlerTimeout reports an invocation that exceeded its deadline.
	// The service is treated as a failed fire: no patch, no lifecycle
	// advance.
	ErrHandlerTimeout = errors.New("handler timeout")
)

// ExpressionError names the offending pipe when a processor expression
// fails. Matches ErrExpressionFailed under errors.Is.
type ExpressionError struct {
	PipeIndex int
	Err       error
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("pipe %d: %v", e.PipeIndex, e.Err)
}

func (e *ExpressionError) Unwrap() error { return e.Err }

func (e *ExpressionError) Is(target error) bool { return target == ErrExpressionFailed }
