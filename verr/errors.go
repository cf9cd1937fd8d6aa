// Package verr defines the closed set of error sentinels used across the
// virtual-microphone engine, mirroring the original's small error-kind
// enumeration (Success, Custom, InvalidArgument, BadState, BadAlloc) plus a
// passthrough wrapper for backend-reported negative error codes.
package verr

import (
	"errors"
	"fmt"
)

var (
	// ErrCustom reports an operation that reached a terminal but
	// non-successful state for a reason not covered by a more specific
	// sentinel below.
	ErrCustom = errors.New("virtualmic: custom failure")

	// ErrInvalidArgument reports a caller-supplied value that violates an
	// operation's preconditions (e.g. an empty or Unspecified-format
	// buffer pushed to the queue).
	ErrInvalidArgument = errors.New("virtualmic: invalid argument")

	// ErrBadState reports an operation attempted from a state that does
	// not support it (e.g. taking a reference on an already-destructed
	// component).
	ErrBadState = errors.New("virtualmic: bad state")

	// ErrAlloc reports that a backend async operation could not even be
	// created (the backend equivalent of an allocation failure).
	ErrAlloc = errors.New("virtualmic: allocation failure")
)

// BackendError wraps a negative error code reported by the audio-server
// backend, passed through unmodified rather than translated into one of the
// sentinels above.
type BackendError struct {
	Code int
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("virtualmic: backend error %d", e.Code)
}

// NewBackendError wraps code as a BackendError.
func NewBackendError(code int) error {
	return &BackendError{Code: code}
}
