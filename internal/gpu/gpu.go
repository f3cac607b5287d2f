// Package gpu defines the device capabilities the handoff core needs from a
// graphics API: devices and their immediate contexts, shareable textures,
// shared handles and the two view kinds. Backends live in subpackages.
package gpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
)

var (
	ErrNotSupported     = errors.New("gpu: backend not supported on this platform")
	ErrUnknownBackend   = errors.New("gpu: unknown backend")
	ErrReleased         = errors.New("gpu: resource already released")
	ErrHandleClosed     = errors.New("gpu: shared handle already closed")
	ErrInvalidHandle    = errors.New("gpu: invalid shared handle")
	ErrInvalidDimension = errors.New("gpu: invalid texture dimensions")
	ErrForeignResource  = errors.New("gpu: resource belongs to another device")
)

// Backend creates devices for one graphics technology.
type Backend interface {
	Name() string
	CreateDevice(opts DeviceOptions) (Device, error)
}

type DeviceOptions struct {
	// VideoSupport requests a device usable by hardware video decoders.
	VideoSupport bool
	Debug        bool
}

// Device is a logical GPU device with a single immediate context.
type Device interface {
	CreateTexture(desc TextureDesc) (Texture, error)
	// OpenSharedTexture opens a texture exported by another device on the
	// same adapter. The handle stays owned by the caller.
	OpenSharedTexture(handle SharedHandle) (Texture, error)
	CreateSampleView(tex Texture) (View, error)
	CreateRenderTargetView(tex Texture) (View, error)
	Context() Context
	Release()
}

// MultithreadProtector is implemented by devices that can serialise access
// to their immediate context across threads.
type MultithreadProtector interface {
	SetMultithreadProtected(enable bool) error
}

type Context interface {
	// Flush submits all queued commands to the GPU.
	Flush()
	SetRenderTarget(view View) error
	ClearRenderTarget(view View, color gputypes.Color) error
}

type TextureDesc struct {
	Width  int
	Height int
	Format gputypes.TextureFormat
	Usage  gputypes.TextureUsage
	// Shared requests a texture exportable through an NT handle.
	Shared bool
}

func (d TextureDesc) Validate() error {
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimension, d.Width, d.Height)
	}
	return nil
}

type Texture interface {
	Width() int
	Height() int
	Format() gputypes.TextureFormat
	// ExportSharedHandle creates a new handle to the texture's memory.
	// The caller owns the handle and must Close it exactly once.
	ExportSharedHandle() (SharedHandle, error)
	Release()
}

type SharedHandle interface {
	Value() uintptr
	Close() error
}

// View is a sample (shader resource) or render target view. Handle returns
// the native pointer handed to the host renderer or the decoder.
type View interface {
	Handle() uintptr
	Release()
}

// Opaque black, the clear colour for a freshly bound back buffer.
var Black = gputypes.Color{R: 0, G: 0, B: 0, A: 1}
