// Package apperr defines the error kinds shared across the orchestration plane.
// Callers classify failures with errors.Is against these sentinels; the gateway
// maps them to HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates input that fails schema validation.
	ErrValidation = errors.New("validation error")
	// ErrNotFound indicates a missing session, log stream, or file.
	ErrNotFound = errors.New("not found")
	// ErrResourceExhausted indicates no port is available or the queue is saturated.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrReadinessTimeout indicates a sandbox never became ready within the probe deadline.
	ErrReadinessTimeout = errors.New("readiness timeout")
	// ErrStore indicates a coordination store transport failure.
	ErrStore = errors.New("store error")
	// ErrSandbox indicates a container create/start/stop/remove failure.
	ErrSandbox = errors.New("sandbox error")
	// ErrAgent indicates the external agent collaborator failed.
	ErrAgent = errors.New("agent error")
	// ErrPublish indicates a pub/sub transport failure during publish.
	ErrPublish = errors.New("publish error")
	// ErrFatal subsumes uncaught panics and out-of-invariant states.
	ErrFatal = errors.New("fatal error")
)

// Wrap annotates err with a message while keeping kind visible to errors.Is.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// WrapCause keeps both the kind and the underlying cause in the chain.
func WrapCause(kind, cause error, msg string) error {
	return fmt.Errorf("%s: %w", msg, errors.Join(kind, cause))
}

// IsNotFound reports whether err carries ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Kind returns the sentinel matched by err, or nil if none matches.
func Kind(err error) error {
	for _, k := range []error{
		ErrValidation, ErrNotFound, ErrResourceExhausted, ErrReadinessTimeout,
		ErrStore, ErrSandbox, ErrAgent, ErrPublish, ErrFatal,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
