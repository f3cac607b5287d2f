//go:build windows

package d3d11

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gogpu/gputypes"
	"golang.org/x/sys/windows"

	"github.com/breeze-rmm/texbridge/internal/gpu"
	"github.com/breeze-rmm/texbridge/internal/logging"
)

var log = logging.L("d3d11")

// Backend creates hardware D3D11 devices on the default adapter.
type Backend struct{}

func New() (*Backend, error) {
	if err := procD3D11CreateDevice.Find(); err != nil {
		return nil, fmt.Errorf("%w: %v", gpu.ErrNotSupported, err)
	}
	return &Backend{}, nil
}

func (b *Backend) Name() string { return "d3d11" }

func (b *Backend) CreateDevice(opts gpu.DeviceOptions) (gpu.Device, error) {
	var flags uintptr
	if opts.VideoSupport {
		flags |= d3d11CreateDeviceVideoSupport
	}
	if opts.Debug {
		flags |= d3d11CreateDeviceDebug
	}

	var device, context uintptr
	hr, _, _ := procD3D11CreateDevice.Call(
		0,                                // pAdapter (NULL = default)
		uintptr(d3dDriverTypeHardware),   // DriverType
		0,                                // Software
		flags,                            // Flags
		0,                                // pFeatureLevels (NULL = default list)
		0,                                // FeatureLevels count
		uintptr(d3d11SDKVersion),         // SDKVersion
		uintptr(unsafe.Pointer(&device)), // ppDevice
		0,                                // pFeatureLevel
		uintptr(unsafe.Pointer(&context)),
	)
	if int32(hr) < 0 {
		return nil, fmt.Errorf("D3D11CreateDevice flags=%#x: 0x%08X", flags, uint32(hr))
	}
	return &Device{device: device, context: &Context{ctx: context}}, nil
}

// WrapDevice adopts a device created by someone else, e.g. a host engine's
// ID3D11Device pointer. The wrapper takes its own reference, so Release
// balances only that reference.
func WrapDevice(devicePtr uintptr) (*Device, error) {
	if devicePtr == 0 {
		return nil, fmt.Errorf("d3d11: nil device pointer")
	}
	comAddRef(devicePtr)
	var context uintptr
	comCallVoid(devicePtr, d3d11DeviceGetImmediateContext, uintptr(unsafe.Pointer(&context)))
	if context == 0 {
		comRelease(devicePtr)
		return nil, fmt.Errorf("d3d11: device has no immediate context")
	}
	return &Device{device: devicePtr, context: &Context{ctx: context}}, nil
}

type Device struct {
	mu      sync.Mutex
	device  uintptr // ID3D11Device
	context *Context
}

var (
	_ gpu.Device               = (*Device)(nil)
	_ gpu.MultithreadProtector = (*Device)(nil)
)

// Ptr returns the raw ID3D11Device pointer.
func (d *Device) Ptr() uintptr { return d.device }

func (d *Device) Context() gpu.Context { return d.context }

func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.context != nil {
		comRelease(d.context.ctx)
		d.context.ctx = 0
	}
	comRelease(d.device)
	d.device = 0
}

func (d *Device) SetMultithreadProtected(enable bool) error {
	mt, err := comQueryInterface(d.device, iidID3D10Multithread)
	if err != nil {
		return fmt.Errorf("QueryInterface ID3D10Multithread: %w", err)
	}
	defer comRelease(mt)
	var b uintptr
	if enable {
		b = 1
	}
	// Returns the previous protection state, not an HRESULT.
	comCallVoid(mt, d3d10MultithreadSetProtected, b)
	return nil
}

func (d *Device) CreateTexture(desc gpu.TextureDesc) (gpu.Texture, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	format, err := dxgiFormat(desc.Format)
	if err != nil {
		return nil, err
	}
	td := d3d11Texture2DDesc{
		Width:       uint32(desc.Width),
		Height:      uint32(desc.Height),
		MipLevels:   1,
		ArraySize:   1,
		Format:      format,
		SampleCount: 1,
		Usage:       d3d11UsageDefault,
		BindFlags:   bindFlags(desc.Usage),
	}
	if desc.Shared {
		td.MiscFlags = d3d11MiscShared | d3d11MiscSharedNTHandle
	}

	var tex uintptr
	if _, err := comCall(d.device, d3d11DeviceCreateTexture2D,
		uintptr(unsafe.Pointer(&td)),
		0,
		uintptr(unsafe.Pointer(&tex)),
	); err != nil {
		return nil, fmt.Errorf("CreateTexture2D %dx%d: %w", desc.Width, desc.Height, err)
	}
	return &Texture{tex: tex, desc: td, format: desc.Format}, nil
}

func (d *Device) OpenSharedTexture(handle gpu.SharedHandle) (gpu.Texture, error) {
	if handle == nil || handle.Value() == 0 {
		return nil, gpu.ErrInvalidHandle
	}
	dev1, err := comQueryInterface(d.device, iidID3D11Device1)
	if err != nil {
		return nil, fmt.Errorf("QueryInterface ID3D11Device1: %w", err)
	}
	defer comRelease(dev1)

	var tex uintptr
	if _, err := comCall(dev1, d3d11Device1OpenSharedResource1,
		handle.Value(),
		uintptr(unsafe.Pointer(iidID3D11Texture2D)),
		uintptr(unsafe.Pointer(&tex)),
	); err != nil {
		return nil, fmt.Errorf("OpenSharedResource1 handle=%#x: %w", handle.Value(), err)
	}

	var td d3d11Texture2DDesc
	comCallVoid(tex, d3d11Texture2DGetDesc, uintptr(unsafe.Pointer(&td)))
	return &Texture{tex: tex, desc: td, format: gpuFormat(td.Format)}, nil
}

func (d *Device) CreateSampleView(tex gpu.Texture) (gpu.View, error) {
	t, ok := tex.(*Texture)
	if !ok {
		return nil, gpu.ErrForeignResource
	}
	desc := d3d11SRVDesc{
		Format:        t.desc.Format,
		ViewDimension: d3d11SRVDimensionTex2D,
		MipLevels:     1,
	}
	var view uintptr
	if _, err := comCall(d.device, d3d11DeviceCreateShaderResourceView,
		t.tex,
		uintptr(unsafe.Pointer(&desc)),
		uintptr(unsafe.Pointer(&view)),
	); err != nil {
		return nil, fmt.Errorf("CreateShaderResourceView: %w", err)
	}
	return &View{view: view}, nil
}

func (d *Device) CreateRenderTargetView(tex gpu.Texture) (gpu.View, error) {
	t, ok := tex.(*Texture)
	if !ok {
		return nil, gpu.ErrForeignResource
	}
	desc := d3d11RTVDesc{
		Format:        t.desc.Format,
		ViewDimension: d3d11RTVDimensionTex2D,
	}
	var view uintptr
	if _, err := comCall(d.device, d3d11DeviceCreateRenderTargetView,
		t.tex,
		uintptr(unsafe.Pointer(&desc)),
		uintptr(unsafe.Pointer(&view)),
	); err != nil {
		return nil, fmt.Errorf("CreateRenderTargetView: %w", err)
	}
	return &View{view: view}, nil
}

// Context wraps an ID3D11DeviceContext.
type Context struct {
	ctx uintptr
}

var _ gpu.Context = (*Context)(nil)

// Ptr returns the raw ID3D11DeviceContext pointer handed to decoders.
func (c *Context) Ptr() uintptr { return c.ctx }

func (c *Context) Flush() {
	if c.ctx != 0 {
		comCallVoid(c.ctx, d3d11CtxFlush)
	}
}

func (c *Context) SetRenderTarget(view gpu.View) error {
	v, ok := view.(*View)
	if !ok {
		return gpu.ErrForeignResource
	}
	rtv := v.view
	comCallVoid(c.ctx, d3d11CtxOMSetRenderTargets, 1, uintptr(unsafe.Pointer(&rtv)), 0)
	return nil
}

func (c *Context) ClearRenderTarget(view gpu.View, color gputypes.Color) error {
	v, ok := view.(*View)
	if !ok {
		return gpu.ErrForeignResource
	}
	rgba := [4]float32{float32(color.R), float32(color.G), float32(color.B), float32(color.A)}
	comCallVoid(c.ctx, d3d11CtxClearRenderTargetView, v.view, uintptr(unsafe.Pointer(&rgba[0])))
	return nil
}

type Texture struct {
	tex    uintptr // ID3D11Texture2D
	desc   d3d11Texture2DDesc
	format gputypes.TextureFormat
}

var _ gpu.Texture = (*Texture)(nil)

func (t *Texture) Width() int                     { return int(t.desc.Width) }
func (t *Texture) Height() int                    { return int(t.desc.Height) }
func (t *Texture) Format() gputypes.TextureFormat { return t.format }

func (t *Texture) ExportSharedHandle() (gpu.SharedHandle, error) {
	res, err := comQueryInterface(t.tex, iidIDXGIResource1)
	if err != nil {
		return nil, fmt.Errorf("QueryInterface IDXGIResource1: %w", err)
	}
	defer comRelease(res)

	var h windows.Handle
	if _, err := comCall(res, dxgiResource1CreateSharedHandle,
		0, // pAttributes
		uintptr(dxgiSharedResourceRead|dxgiSharedResourceWrite),
		0, // lpName
		uintptr(unsafe.Pointer(&h)),
	); err != nil {
		return nil, fmt.Errorf("CreateSharedHandle: %w", err)
	}
	return &Handle{h: h}, nil
}

func (t *Texture) Release() {
	comRelease(t.tex)
	t.tex = 0
}

// Handle is an NT handle to shared texture memory.
type Handle struct {
	mu sync.Mutex
	h  windows.Handle
}

var _ gpu.SharedHandle = (*Handle)(nil)

func (h *Handle) Value() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uintptr(h.h)
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.h == 0 {
		return gpu.ErrHandleClosed
	}
	value := h.h
	err := windows.CloseHandle(value)
	h.h = 0
	if err != nil {
		log.Warn("CloseHandle failed", logging.KeyHandle, uintptr(value), logging.KeyError, err)
		return fmt.Errorf("CloseHandle: %w", err)
	}
	return nil
}

// View wraps an ID3D11ShaderResourceView or ID3D11RenderTargetView.
type View struct {
	view uintptr
}

var _ gpu.View = (*View)(nil)

func (v *View) Handle() uintptr { return v.view }

func (v *View) Release() {
	comRelease(v.view)
	v.view = 0
}

func dxgiFormat(f gputypes.TextureFormat) (uint32, error) {
	switch f {
	case gputypes.TextureFormatRGBA8Unorm:
		return dxgiFormatR8G8B8A8Unorm, nil
	case gputypes.TextureFormatBGRA8Unorm:
		return dxgiFormatB8G8R8A8Unorm, nil
	}
	return 0, fmt.Errorf("d3d11: unsupported texture format %s", f)
}

func gpuFormat(f uint32) gputypes.TextureFormat {
	switch f {
	case dxgiFormatB8G8R8A8Unorm:
		return gputypes.TextureFormatBGRA8Unorm
	}
	return gputypes.TextureFormatRGBA8Unorm
}

func bindFlags(u gputypes.TextureUsage) uint32 {
	var flags uint32
	if u.Contains(gputypes.TextureUsageTextureBinding) {
		flags |= d3d11BindShaderResource
	}
	if u.Contains(gputypes.TextureUsageRenderAttachment) {
		flags |= d3d11BindRenderTarget
	}
	return flags
}

func init() {
	gpu.Register("d3d11", func() (gpu.Backend, error) {
		b, err := New()
		if err != nil {
			return nil, err
		}
		return b, nil
	}, true)
}
