package handoff

import (
	"errors"
	"fmt"
)

var (
	// ErrGPUResource wraps any failure to create a texture, view or shared
	// handle. Callers should treat it as unrecoverable.
	ErrGPUResource = errors.New("handoff: gpu resource failure")
	// ErrDeviceCreation wraps a failure to create the decoder device.
	ErrDeviceCreation = errors.New("handoff: decoder device creation failed")

	ErrAlreadyInitialized = errors.New("handoff: already initialized")
	ErrNotInitialized     = errors.New("handoff: device not initialized")
	ErrNoBuffers          = errors.New("handoff: buffers not allocated")
	ErrInvalidSize        = errors.New("handoff: invalid output size")
	ErrNoHostDevice       = errors.New("handoff: no host device")
)

func gpuError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrGPUResource, err)
}
