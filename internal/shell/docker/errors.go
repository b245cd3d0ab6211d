package docker

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Container errors
	ErrContainerNotFound      = errors.New("container not found")
	ErrContainerAlreadyExists = errors.New("container already exists")
	ErrContainerNotRunning    = errors.New("container is not running")

	// Network errors
	ErrNetworkNotFound = errors.New("network not found")
	ErrNetworkInUse    = errors.New("network has active endpoints")

	// Volume errors
	ErrVolumeNotFound = errors.New("volume not found")
	ErrVolumeInUse    = errors.New("volume is in use")

	// Image errors
	ErrImageNotFound  = errors.New("image not found")
	ErrPullFailed     = errors.New("image pull failed")
	ErrBuildFailed    = errors.New("image build failed")
	ErrInvalidContext = errors.New("invalid build context")

	// Runtime errors
	ErrPortAllocated    = errors.New("port is already allocated")
	ErrConnectionFailed = errors.New("runtime connection failed")
	ErrUnhealthy        = errors.New("container unhealthy")
)

// RuntimeError wraps a runtime failure with the operation and the resource it
// concerned.
type RuntimeError struct {
	Op      string // operation that failed
	Kind    string // "container", "network", "volume", "image"
	Ref     string // resource name or id when known
	Message string
	Err     error
}

func (e *RuntimeError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Kind, e.Ref, e.Message)
	}
	if e.Kind != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError.
func NewRuntimeError(op, kind, ref, message string, err error) *RuntimeError {
	return &RuntimeError{
		Op:      op,
		Kind:    kind,
		Ref:     ref,
		Message: message,
		Err:     err,
	}
}
