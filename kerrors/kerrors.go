// Package kerrors defines the error taxonomy shared by every kernel
// component: construction-time failures (BadTrack, BadConfig, BadGrid),
// per-tick failures (NumericalBlowup, InvariantViolation), and the
// classification helpers used to decide whether a tick may be retried.
package kerrors

import (
	"fmt"
	"time"
)

// Kind identifies a category of kernel error. Kinds are closed: callers
// switch on them rather than doing string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindBadTrack
	KindBadConfig
	KindBadGrid
	KindNumericalBlowup
	KindInvariantViolation
)

// String returns a human-readable label for the error kind.
func (k Kind) String() string {
	switch k {
	case KindBadTrack:
		return "bad_track"
	case KindBadConfig:
		return "bad_config"
	case KindBadGrid:
		return "bad_grid"
	case KindNumericalBlowup:
		return "numerical_blowup"
	case KindInvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// KernelError is the concrete error type returned across the kernel's
// public boundary. It never escapes as a bare string: callers can
// inspect Kind and Context without parsing messages.
type KernelError struct {
	Kind      Kind
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
}

// Error implements the error interface.
func (e *KernelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause, if any, to errors.Is/errors.As.
func (e *KernelError) Unwrap() error {
	return e.Cause
}

// New constructs a KernelError of the given kind with an optional cause.
func New(kind Kind, message string, cause error) *KernelError {
	return &KernelError{
		Kind:      kind,
		Message:   message,
		Cause:     cause,
		Context:   make(map[string]any),
		Timestamp: time.Now(),
	}
}

// WithContext attaches a key/value pair to the error for diagnostics and
// returns the error for chaining.
func (e *KernelError) WithContext(key string, value any) *KernelError {
	e.Context[key] = value
	return e
}

// Recoverable reports whether the race may be resumed with further Tick
// calls after this error, once the caller has acknowledged it (spec.md
// 7). Construction errors (BadTrack, BadConfig, BadGrid) mean the race
// was never successfully built and are never recoverable.
// NumericalBlowup and InvariantViolation are raised only after the
// integrator has rolled the tick back to its pre-tick snapshot, so
// every agent, the clock and the safety-car bookkeeping are left as
// they were before the failed tick (the RNG sub-streams are not
// rewound): the caller may acknowledge the error and call Tick again.
func (e *KernelError) Recoverable() bool {
	switch e.Kind {
	case KindBadTrack, KindBadConfig, KindBadGrid:
		return false
	case KindNumericalBlowup, KindInvariantViolation:
		return true
	default:
		return false
	}
}
