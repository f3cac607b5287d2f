//go:build windows

// Package d3d11 is the Direct3D 11 backend, driving ID3D11Device through
// pure Go vtable calls.
package d3d11

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"
)

var (
	d3d11DLL = windows.NewLazySystemDLL("d3d11.dll")

	procD3D11CreateDevice = d3d11DLL.NewProc("D3D11CreateDevice")
)

const (
	d3dDriverTypeHardware = 1
	d3d11SDKVersion       = 7

	// D3D11CreateDevice flags
	d3d11CreateDeviceDebug        = 0x2
	d3d11CreateDeviceVideoSupport = 0x800

	d3d11UsageDefault       = 0
	d3d11BindShaderResource = 0x8
	d3d11BindRenderTarget   = 0x20
	d3d11MiscShared         = 0x2
	d3d11MiscSharedNTHandle = 0x800
	d3d11SRVDimensionTex2D  = 4
	d3d11RTVDimensionTex2D  = 4
	dxgiSharedResourceRead  = 0x80000000
	dxgiSharedResourceWrite = 1
	dxgiFormatR8G8B8A8Unorm = 28
	dxgiFormatB8G8R8A8Unorm = 87
)

// COM vtable indices, fixed by the ABI.
// IUnknown: 0=QueryInterface, 1=AddRef, 2=Release
const (
	vtblQueryInterface = 0
	vtblAddRef         = 1

	d3d11DeviceCreateTexture2D          = 5
	d3d11DeviceCreateShaderResourceView = 7
	d3d11DeviceCreateRenderTargetView   = 9
	d3d11DeviceGetImmediateContext      = 40
	d3d11Device1OpenSharedResource1     = 48

	d3d11CtxOMSetRenderTargets      = 33
	d3d11CtxClearRenderTargetView   = 50
	d3d11CtxFlush                   = 111
	d3d11Texture2DGetDesc           = 10
	dxgiResource1CreateSharedHandle = 13
	d3d10MultithreadSetProtected    = 5
)

var (
	iidID3D10Multithread = ole.NewGUID("{9B7E4E00-342C-4106-A19F-4F2704F689F0}")
	iidIDXGIResource1    = ole.NewGUID("{30961379-4609-4A41-998E-54FE567EE0C1}")
	iidID3D11Device1     = ole.NewGUID("{A04BFB29-08EF-43D6-A49C-A9BDBDCBE686}")
	iidID3D11Texture2D   = ole.NewGUID("{6F15AAF2-D208-4E89-9AB4-489535D34F9C}")
)

// d3d11Texture2DDesc matches D3D11_TEXTURE2D_DESC (44 bytes).
type d3d11Texture2DDesc struct {
	Width          uint32
	Height         uint32
	MipLevels      uint32
	ArraySize      uint32
	Format         uint32
	SampleCount    uint32
	SampleQuality  uint32
	Usage          uint32
	BindFlags      uint32
	CPUAccessFlags uint32
	MiscFlags      uint32
}

// d3d11SRVDesc matches D3D11_SHADER_RESOURCE_VIEW_DESC with the Texture2D
// union member; the union is 16 bytes.
type d3d11SRVDesc struct {
	Format          uint32
	ViewDimension   uint32
	MostDetailedMip uint32
	MipLevels       uint32
	_               [2]uint32
}

// d3d11RTVDesc matches D3D11_RENDER_TARGET_VIEW_DESC with the Texture2D
// union member; the union is 12 bytes.
type d3d11RTVDesc struct {
	Format        uint32
	ViewDimension uint32
	MipSlice      uint32
	_             [2]uint32
}

// comCall invokes a COM vtable method returning an HRESULT.
// obj is a pointer to a COM interface (pointer to pointer to vtable).
func comCall(obj uintptr, vtableIdx int, args ...uintptr) (uintptr, error) {
	ret := comCallVoid(obj, vtableIdx, args...)
	if int32(ret) < 0 {
		return ret, fmt.Errorf("COM vtable[%d]: %w", vtableIdx, ole.NewError(ret))
	}
	return ret, nil
}

// comCallVoid invokes a vtable method whose return value is not an HRESULT.
func comCallVoid(obj uintptr, vtableIdx int, args ...uintptr) uintptr {
	vtablePtr := *(*uintptr)(unsafe.Pointer(obj))
	fnPtr := *(*uintptr)(unsafe.Pointer(vtablePtr + uintptr(vtableIdx)*unsafe.Sizeof(uintptr(0))))
	allArgs := make([]uintptr, 0, 1+len(args))
	allArgs = append(allArgs, obj)
	allArgs = append(allArgs, args...)
	ret, _, _ := syscall.SyscallN(fnPtr, allArgs...)
	return ret
}

func comQueryInterface(obj uintptr, iid *ole.GUID) (uintptr, error) {
	var out uintptr
	if _, err := comCall(obj, vtblQueryInterface,
		uintptr(unsafe.Pointer(iid)),
		uintptr(unsafe.Pointer(&out)),
	); err != nil {
		return 0, err
	}
	return out, nil
}

func comAddRef(obj uintptr) {
	if obj != 0 {
		comCallVoid(obj, vtblAddRef)
	}
}

// comRelease calls IUnknown::Release (vtable index 2).
func comRelease(obj uintptr) {
	if obj != 0 {
		comCallVoid(obj, 2)
	}
}
