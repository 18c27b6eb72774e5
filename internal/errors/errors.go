// Package errors defines the closed failure taxonomy used to drive job state
// transitions. A RunError is produced once at the error-detection boundary
// (clone, spawn, protocol, tracker call) and downstream logic switches on its
// Kind instead of re-matching error strings.
package errors

import (
	"errors"
	"fmt"
)

// Kind is the top-level failure classification.
type Kind string

const (
	// KindTransient marks infrastructure failures worth retrying.
	KindTransient Kind = "transient"
	// KindFatal marks failures that must not be retried.
	KindFatal Kind = "fatal"
	// KindTimeout marks the internal wall-clock timeout cancellation.
	KindTimeout Kind = "timeout"
	// KindUserStopped marks an external stop command.
	KindUserStopped Kind = "user_stopped"
	// KindUserInterrupted marks a soft interruption by a new operator message.
	KindUserInterrupted Kind = "user_interrupted"
)

// TransientSubkind narrows a transient failure for logs and metrics.
type TransientSubkind string

const (
	// TransientNetwork covers connection resets, timeouts, and DNS failures.
	TransientNetwork TransientSubkind = "network"
	// TransientRateLimited covers HTTP 429 and rate-limit responses.
	TransientRateLimited TransientSubkind = "rate_limited"
	// TransientServer covers upstream 5xx responses.
	TransientServer TransientSubkind = "server"
	// TransientClone covers git clone/fetch failures.
	TransientClone TransientSubkind = "clone"
	// TransientSpawn covers agent subprocess start failures.
	TransientSpawn TransientSubkind = "spawn"
)

// RunError is the tagged failure carried through a run.
type RunError struct {
	Kind    Kind
	Subkind TransientSubkind // set only when Kind == KindTransient
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is / errors.As.
func (e *RunError) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is worth another attempt.
func (e *RunError) Retryable() bool { return e.Kind == KindTransient }

// Transient creates a retryable failure with the given subkind.
func Transient(subkind TransientSubkind, message string, cause error) *RunError {
	return &RunError{Kind: KindTransient, Subkind: subkind, Message: message, Cause: cause}
}

// Fatal creates a non-retryable failure.
func Fatal(message string, cause error) *RunError {
	return &RunError{Kind: KindFatal, Message: message, Cause: cause}
}

// Fatalf creates a non-retryable failure with a formatted message.
func Fatalf(format string, args ...any) *RunError {
	return &RunError{Kind: KindFatal, Message: fmt.Sprintf(format, args...)}
}

// Timeout creates the wall-clock timeout failure.
func Timeout(message string) *RunError {
	return &RunError{Kind: KindTimeout, Message: message}
}

// UserStopped marks an externally issued stop.
func UserStopped() *RunError {
	return &RunError{Kind: KindUserStopped, Message: "stopped by operator"}
}

// UserInterrupted marks a soft interruption that requeues the job.
func UserInterrupted() *RunError {
	return &RunError{Kind: KindUserInterrupted, Message: "interrupted by new message"}
}

// KindOf extracts the Kind from an error chain, or "" when no RunError is present.
func KindOf(err error) Kind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsRetryable reports whether the error chain carries a transient RunError.
func IsRetryable(err error) bool {
	var re *RunError
	return errors.As(err, &re) && re.Retryable()
}

// Label returns a stable string for metrics/log tagging.
func (e *RunError) Label() string {
	if e.Kind == KindTransient && e.Subkind != "" {
		return string(e.Kind) + "_" + string(e.Subkind)
	}
	return string(e.Kind)
}
