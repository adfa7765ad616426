package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TransientError marks an export failure worth retrying: network errors,
// 5xx-class responses, gRPC Unavailable and friends.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as retryable.
func NewTransientError(err error) *TransientError { return &TransientError{Err: err} }

// TerminalError marks an export failure that must not be retried: auth and
// 4xx-class responses, or a retry budget exhausted on transient failures.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// NewTerminalError wraps err as non-retryable.
func NewTerminalError(err error) *TerminalError { return &TerminalError{Err: err} }

// IsTransient reports whether err should be retried. Unknown errors default
// to transient; context cancellation never retries.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// DrainTimeoutError records that shutdown exceeded the grace period and the
// named work was abandoned.
type DrainTimeoutError struct {
	Pipeline SignalType
	Timeout  time.Duration
	Pending  int
}

func (e *DrainTimeoutError) Error() string {
	return fmt.Sprintf("pipeline %s: drain timed out after %s with %d dispatches outstanding",
		e.Pipeline, e.Timeout, e.Pending)
}

// ErrNotRunning is returned by Offer when the pipeline is not accepting
// signals (not yet started, or draining).
var ErrNotRunning = errors.New("pipeline not running")

// ErrQueueFull is returned by Offer when the intake queue is saturated.
var ErrQueueFull = errors.New("pipeline intake queue full")
