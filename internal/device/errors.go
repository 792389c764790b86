package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrFaultNotFound is returned when a fault ID does not exist.
	ErrFaultNotFound = errors.New("device: fault not found")

	// ErrTaskNotFound is returned when a task ID does not exist.
	ErrTaskNotFound = errors.New("device: task not found")

	// ErrInvalidTask is returned when task validation fails.
	ErrInvalidTask = errors.New("device: invalid task")

	// ErrSessionNotFound is returned when a suspended session does not
	// exist or has expired.
	ErrSessionNotFound = errors.New("device: session not found")

	// ErrInvalidDeviceID is returned when an Inform lacks the identity
	// fields a device ID is built from.
	ErrInvalidDeviceID = errors.New("device: invalid device identity")

	// ErrInvalidPath is returned when a stored or requested parameter path
	// cannot be parsed.
	ErrInvalidPath = errors.New("device: invalid parameter path")
)
