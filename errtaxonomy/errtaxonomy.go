// Package errtaxonomy classifies runtime errors into a closed set of kinds
// so callers can branch on "is this retryable" / "does this end the run"
// without string-matching error messages, following this codebase's
// sentinel-error convention (run.ErrNotFound) and its jittered-backoff
// retry shape.
package errtaxonomy

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Kind is the closed set of error kinds the runtime classifies failures into.
type Kind string

const (
	KindTransportRetryable Kind = "transport_retryable"
	KindRateLimited        Kind = "rate_limited"
	KindValidation         Kind = "validation"
	KindRemoteTool         Kind = "remote_tool"
	KindRunTerminatedByUser Kind = "run_terminated_by_user"
	KindRunFatal           Kind = "run_fatal"
	KindOrphanRun          Kind = "orphan_run"
)

// Error wraps an underlying error with its taxonomy Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given Kind. A nil err is still wrapped, allowing
// Kind-only sentinels.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err (or any error it wraps) was classified as kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// Retryable reports whether the error kind is eligible for the
// TransportRetryable/Timeout retry path.
func Retryable(err error) bool {
	return Is(err, KindTransportRetryable)
}

// RunContinues reports whether the error kind should surface as a failed
// tool result while the run continues, as opposed to terminating the run.
func RunContinues(err error) bool {
	return Is(err, KindValidation) || Is(err, KindRemoteTool)
}

// Backoff computes a jittered exponential backoff delay for attempt
// (0-based), with a 0.5s base and a factor of 2.
func Backoff(attempt int) time.Duration {
	base := 500 * time.Millisecond
	delay := base * time.Duration(1<<attempt)
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay/2 + jitter
}

// RateLimitDelay is the fixed delay honored before retrying a RateLimited
// error.
const RateLimitDelay = 30 * time.Second
