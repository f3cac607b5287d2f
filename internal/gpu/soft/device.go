package soft

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/breeze-rmm/texbridge/internal/gpu"
)

// memory is the pixel storage behind one or more textures.
type memory struct {
	mu     sync.RWMutex
	width  int
	height int
	pix    []byte
}

func (m *memory) fill(c gputypes.Color) {
	px := [4]byte{unorm8(c.R), unorm8(c.G), unorm8(c.B), unorm8(c.A)}
	m.mu.Lock()
	for i := 0; i < len(m.pix); i += 4 {
		copy(m.pix[i:i+4], px[:])
	}
	m.mu.Unlock()
}

func unorm8(v float64) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return byte(v*255 + 0.5)
}

type Device struct {
	adapter   *Adapter
	opts      gpu.DeviceOptions
	ctx       *Context
	released  atomic.Bool
	protected atomic.Bool
}

var (
	_ gpu.Device               = (*Device)(nil)
	_ gpu.MultithreadProtector = (*Device)(nil)
)

func (d *Device) Options() gpu.DeviceOptions { return d.opts }
func (d *Device) Context() gpu.Context       { return d.ctx }

// SoftContext returns the context with its inspection methods.
func (d *Device) SoftContext() *Context { return d.ctx }

func (d *Device) SetMultithreadProtected(enable bool) error {
	d.protected.Store(enable)
	return nil
}

func (d *Device) MultithreadProtected() bool { return d.protected.Load() }

func (d *Device) Released() bool { return d.released.Load() }

func (d *Device) Release() {
	if d.released.Swap(true) {
		return
	}
	d.adapter.track(func(c *Counts) { c.Devices-- })
}

func (d *Device) CreateTexture(desc gpu.TextureDesc) (gpu.Texture, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if desc.Format != gputypes.TextureFormatRGBA8Unorm {
		return nil, fmt.Errorf("soft: unsupported format %s", desc.Format)
	}
	if err := d.adapter.check(OpCreateTexture); err != nil {
		return nil, err
	}
	mem := &memory{
		width:  desc.Width,
		height: desc.Height,
		pix:    make([]byte, desc.Width*desc.Height*4),
	}
	return d.newTexture(mem, desc.Format, desc.Shared), nil
}

func (d *Device) OpenSharedTexture(handle gpu.SharedHandle) (gpu.Texture, error) {
	if handle == nil {
		return nil, gpu.ErrInvalidHandle
	}
	if err := d.adapter.check(OpOpenShared); err != nil {
		return nil, err
	}
	mem, ok := d.adapter.lookup(handle.Value())
	if !ok {
		return nil, fmt.Errorf("%w: %#x", gpu.ErrInvalidHandle, handle.Value())
	}
	return d.newTexture(mem, gputypes.TextureFormatRGBA8Unorm, true), nil
}

func (d *Device) newTexture(mem *memory, format gputypes.TextureFormat, shared bool) *Texture {
	t := &Texture{dev: d, mem: mem, format: format, shared: shared}
	t.refs.Store(1)
	d.adapter.track(func(c *Counts) { c.Textures++ })
	return t
}

func (d *Device) CreateSampleView(tex gpu.Texture) (gpu.View, error) {
	return d.createView(tex, SampleView, OpCreateSampleView)
}

func (d *Device) CreateRenderTargetView(tex gpu.Texture) (gpu.View, error) {
	return d.createView(tex, RenderTargetView, OpCreateRenderTargetView)
}

func (d *Device) createView(tex gpu.Texture, kind ViewKind, op Op) (gpu.View, error) {
	t, ok := tex.(*Texture)
	if !ok || t.dev != d {
		return nil, gpu.ErrForeignResource
	}
	if t.refs.Load() <= 0 {
		return nil, gpu.ErrReleased
	}
	if err := d.adapter.check(op); err != nil {
		return nil, err
	}
	t.addRef()
	v := &View{kind: kind, tex: t, handle: d.adapter.id()}
	d.adapter.track(func(c *Counts) { c.Views++ })
	return v, nil
}

// Texture is reference counted; views hold a reference so the caller may
// release its own as soon as the view exists.
type Texture struct {
	dev    *Device
	mem    *memory
	format gputypes.TextureFormat
	shared bool
	refs   atomic.Int32
}

var _ gpu.Texture = (*Texture)(nil)

func (t *Texture) Width() int                     { return t.mem.width }
func (t *Texture) Height() int                    { return t.mem.height }
func (t *Texture) Format() gputypes.TextureFormat { return t.format }

func (t *Texture) ExportSharedHandle() (gpu.SharedHandle, error) {
	if !t.shared {
		return nil, fmt.Errorf("soft: texture was not created shareable")
	}
	if t.refs.Load() <= 0 {
		return nil, gpu.ErrReleased
	}
	if err := t.dev.adapter.check(OpExportHandle); err != nil {
		return nil, err
	}
	return &Handle{adapter: t.dev.adapter, value: t.dev.adapter.publish(t.mem)}, nil
}

func (t *Texture) addRef() { t.refs.Add(1) }

func (t *Texture) Release() {
	if t.refs.Add(-1) == 0 {
		t.dev.adapter.track(func(c *Counts) { c.Textures-- })
	}
}

type Handle struct {
	adapter *Adapter
	value   uintptr
	closed  atomic.Bool
}

var _ gpu.SharedHandle = (*Handle)(nil)

func (h *Handle) Value() uintptr { return h.value }

func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return gpu.ErrHandleClosed
	}
	h.adapter.unpublish(h.value)
	return nil
}

type ViewKind int

const (
	SampleView ViewKind = iota
	RenderTargetView
)

type View struct {
	kind     ViewKind
	tex      *Texture
	handle   uintptr
	released atomic.Bool
}

var _ gpu.View = (*View)(nil)

func (v *View) Handle() uintptr  { return v.handle }
func (v *View) Kind() ViewKind   { return v.kind }
func (v *View) Released() bool   { return v.released.Load() }
func (v *View) Device() *Device  { return v.tex.dev }
func (v *View) Size() (int, int) { return v.tex.mem.width, v.tex.mem.height }

// SameMemory reports whether both views are backed by the same pixels.
func (v *View) SameMemory(other *View) bool { return v.tex.mem == other.tex.mem }

func (v *View) Release() {
	if v.released.Swap(true) {
		return
	}
	v.tex.dev.adapter.track(func(c *Counts) { c.Views-- })
	v.tex.Release()
}

// Pixel returns the RGBA value at (x, y) as currently visible to the GPU.
func (v *View) Pixel(x, y int) [4]byte {
	if v.released.Load() {
		panic("soft: read through released view")
	}
	m := v.tex.mem
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := (y*m.width + x) * 4
	var px [4]byte
	copy(px[:], m.pix[i:i+4])
	return px
}
