package core

import (
	"errors"

	"github.com/devblok/starforge/device"
)

// Errors returned while setting up or tearing down the context.
var (
	ErrInstanceCreationFailed = errors.New("instance creation failed")
	ErrNoSuitableDevice       = errors.New("no suitable device")
	ErrDeviceCreationFailed   = errors.New("device creation failed")
	ErrAllocatorInitFailed    = errors.New("allocator initialisation failed")
	ErrContextInUse           = errors.New("context still in use")
)

// Errors surfaced from the frame cycle. They are the backend sentinels,
// so errors.Is works against either name.
var (
	ErrOutOfDate   = device.ErrOutOfDate
	ErrSurfaceLost = device.ErrSurfaceLost
	ErrTimeout     = device.ErrTimeout
	ErrDeviceLost  = device.ErrDeviceLost
)

var fatal = []error{
	ErrInstanceCreationFailed,
	ErrNoSuitableDevice,
	ErrDeviceCreationFailed,
	ErrAllocatorInitFailed,
	ErrDeviceLost,
}

var recoverable = []error{
	ErrOutOfDate,
	ErrSurfaceLost,
	ErrTimeout,
}

// IsFatal reports whether err leaves the GPU unusable until the context
// is recreated.
func IsFatal(err error) bool {
	for _, e := range fatal {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// IsRecoverable reports whether err is cleared by reconfiguring the
// output or retrying the frame.
func IsRecoverable(err error) bool {
	for _, e := range recoverable {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
