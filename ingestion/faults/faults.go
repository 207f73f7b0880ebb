// Package faults classifies pipeline errors so stages can decide between
// retry, reject, drop and dead-letter without string matching.
package faults

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// TransientExternal is retried with backoff; when retries are exhausted
	// it is reported as a hard failure against the source.
	TransientExternal Kind = iota
	// PermanentExternal is a hard failure, never retried.
	PermanentExternal
	// SchemaViolation rejects the candidate with a reason; soft failure on
	// the collector.
	SchemaViolation
	// DuplicateContent is silently dropped at the collector. Not an error
	// condition for source health.
	DuplicateContent
	// DuplicateSemantic routes to merge or review.
	DuplicateSemantic
	// InternalInvariant crashes the owning task; other tasks are unaffected.
	InternalInvariant
	// QueueFull is a backpressure signal to the producer, not logged as an
	// error.
	QueueFull
)

func (k Kind) String() string {
	switch k {
	case TransientExternal:
		return "transient_external"
	case PermanentExternal:
		return "permanent_external"
	case SchemaViolation:
		return "schema_violation"
	case DuplicateContent:
		return "duplicate_content"
	case DuplicateSemantic:
		return "duplicate_semantic"
	case InternalInvariant:
		return "internal_invariant"
	case QueueFull:
		return "queue_full"
	default:
		return "unknown"
	}
}

// Error carries a kind, the stage that produced it, and an optional cause.
type Error struct {
	Kind  Kind
	Stage string
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Stage, e.Msg, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Stage, e.Msg, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, stage, msg string) *Error {
	return &Error{Kind: kind, Stage: stage, Msg: msg}
}

func Wrap(kind Kind, stage, msg string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, Msg: msg, Cause: cause}
}

// KindOf extracts the fault kind from err. Unclassified errors are treated as
// transient so they get the retry path rather than an immediate hard failure.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return TransientExternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// Retryable reports whether the error should be retried with backoff.
func Retryable(err error) bool {
	return KindOf(err) == TransientExternal
}
