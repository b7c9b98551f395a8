// Package engineerrors provides structured error types for workflow execution
// failures. EngineError carries a failure kind used by the scheduler to route
// errors to retry and try/catch recovery, preserves cause chains, and supports
// errors.Is/As while remaining JSON-serializable for execution records.
package engineerrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a workflow execution failure. The scheduler consults the
// kind to decide whether an error may be retried by an enclosing retry node
// or converted into a catch envelope by an enclosing try/catch node.
type Kind string

const (
	// KindConfig indicates invalid node parameters, a missing credential, a
	// malformed template, an unknown node type, or a bad handle. Config errors
	// are never retried and never caught: configuration cannot fix itself at
	// runtime, so the execution fails immediately.
	KindConfig Kind = "config"

	// KindExec indicates a runtime failure inside an executor's own work
	// (HTTP status failure, script error, provider error). Retryable and
	// catchable.
	KindExec Kind = "exec"

	// KindTimeout indicates a node or execution deadline expired. Retryable
	// and catchable.
	KindTimeout Kind = "timeout"

	// KindCancelled indicates cooperative cancellation. Never retried and
	// never caught; the cancellation surfaces as the execution outcome.
	KindCancelled Kind = "cancelled"

	// KindRateLimited indicates admission was refused by a rate-limit node in
	// reject mode. Catchable, and retryable when the retry predicate matches.
	KindRateLimited Kind = "rate_limited"

	// KindRegistry indicates an executor registration conflict detected at
	// startup. The engine refuses to run with an ambiguous registry.
	KindRegistry Kind = "registry"
)

// EngineError represents a structured execution failure that preserves kind,
// message and causal context while implementing the standard error interface.
// Errors may be nested via Cause to retain diagnostics across retries and
// try/catch hops.
type EngineError struct {
	// Kind classifies the failure for recovery routing.
	Kind Kind
	// NodeID names the node whose execution produced the failure, when known.
	NodeID string
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying error, enabling chains with errors.Is/As.
	Cause *EngineError
}

// New constructs an EngineError of the given kind.
func New(kind Kind, message string) *EngineError {
	if message == "" {
		message = string(kind) + " error"
	}
	return &EngineError{Kind: kind, Message: message}
}

// Newf constructs an EngineError of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *EngineError {
	return New(kind, fmt.Sprintf(format, args...))
}

// NewWithCause constructs an EngineError that wraps an underlying error. The
// cause is converted into an EngineError chain so diagnostics survive
// serialization while still supporting errors.Is/As through Unwrap.
func NewWithCause(kind Kind, message string, cause error) *EngineError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &EngineError{Kind: kind, Message: message, Cause: FromError(cause)}
}

// Config constructs a config-kind error naming the offending node and field.
func Config(nodeID, field, message string) *EngineError {
	e := Newf(KindConfig, "node %q: field %q: %s", nodeID, field, message)
	e.NodeID = nodeID
	return e
}

// FromError converts an arbitrary error into an EngineError chain. Errors
// that already carry an EngineError anywhere in their chain are returned
// as-is; everything else becomes an exec-kind error.
func FromError(err error) *EngineError {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return &EngineError{
		Kind:    KindExec,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// KindOf reports the kind of err. Plain errors map to KindExec; context
// cancellation maps to KindCancelled and deadline expiry to KindTimeout so
// executors can return raw context errors at I/O boundaries.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindExec
}

// Retryable reports whether an enclosing retry node may re-run the failed
// work.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindExec, KindTimeout, KindRateLimited:
		return true
	default:
		return false
	}
}

// Catchable reports whether an enclosing try/catch node may convert the
// failure into a catch envelope.
func Catchable(err error) bool {
	return Retryable(err)
}

// WithNode returns a copy of e attributed to the given node. The original is
// not mutated so shared sentinel errors stay immutable.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	if e == nil {
		return nil
	}
	clone := *e
	if clone.NodeID == "" {
		clone.NodeID = nodeID
	}
	return &clone
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying error to support errors.Is/As.
func (e *EngineError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
