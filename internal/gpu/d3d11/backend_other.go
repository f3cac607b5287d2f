//go:build !windows

// Package d3d11 is the Direct3D 11 backend. It is only functional on
// Windows; elsewhere it registers a backend that always fails to open.
package d3d11

import (
	"github.com/breeze-rmm/texbridge/internal/gpu"
)

type Device struct{}

func New() (gpu.Backend, error) { return nil, gpu.ErrNotSupported }

func WrapDevice(devicePtr uintptr) (*Device, error) { return nil, gpu.ErrNotSupported }

func init() {
	gpu.Register("d3d11", New, true)
}
