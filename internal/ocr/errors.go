package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureClass categorizes engine failures by how the pipeline should
// react to them.
type FailureClass int

const (
	// FailurePermanent indicates bad input or a misconfigured engine;
	// retrying cannot help and the owning unit is marked failed.
	FailurePermanent FailureClass = iota
	// FailureTransient indicates an external blip that an outer retry
	// policy may resolve. The pipeline itself does not retry these.
	FailureTransient
	// FailureResource indicates device or memory pressure, or a timeout.
	// In Phase 2 this triggers the invalidate, fallback, reload, retry
	// sequence.
	FailureResource
)

func (c FailureClass) String() string {
	switch c {
	case FailurePermanent:
		return "permanent"
	case FailureTransient:
		return "transient"
	case FailureResource:
		return "resource"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// EngineError records an engine failure with enough detail to act on:
// which engine, which device, what operation, and how it is classified.
type EngineError struct {
	Engine string
	Device string
	Op     string
	Class  FailureClass
	Err    error
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s engine: %s failed", e.Engine, e.Op)
	if e.Device != "" {
		msg += " on " + e.Device
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Classify maps an error to a FailureClass. Typed EngineErrors carry
// their own class; context deadlines count as resource failures because a
// Phase 2 timeout gets the same fallback treatment as memory pressure.
// Everything else is matched on message patterns, defaulting to
// permanent so unknown failures never trigger a pointless model reload.
func Classify(err error) FailureClass {
	if err == nil {
		return FailurePermanent
	}

	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureResource
	}
	if errors.Is(err, context.Canceled) {
		return FailurePermanent
	}

	return classifyMessage(strings.ToLower(err.Error()))
}

// classifyMessage is the pattern fallback for errors from collaborators
// that do not produce typed errors.
func classifyMessage(errLower string) FailureClass {
	switch {
	case strings.Contains(errLower, "out of memory") ||
		strings.Contains(errLower, "resource exhausted") ||
		strings.Contains(errLower, "cuda error") ||
		strings.Contains(errLower, "insufficient memory") ||
		strings.Contains(errLower, "deadline exceeded") ||
		strings.Contains(errLower, "timeout"):
		return FailureResource

	case strings.Contains(errLower, "connection") ||
		strings.Contains(errLower, "network") ||
		strings.Contains(errLower, "unavailable") ||
		strings.Contains(errLower, "dial") ||
		strings.Contains(errLower, "no such host") ||
		strings.Contains(errLower, "rate limit"):
		return FailureTransient

	default:
		return FailurePermanent
	}
}

// IsRetryableResource reports whether the error should trigger the Phase 2
// device-fallback retry.
func IsRetryableResource(err error) bool {
	return err != nil && Classify(err) == FailureResource
}
