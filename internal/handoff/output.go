package handoff

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/breeze-rmm/texbridge/internal/gpu"
	"github.com/breeze-rmm/texbridge/internal/logging"
)

var log = logging.L("handoff")

// VideoOutput is what a decoder drives to render into the shared buffers.
// Implementations are bound to one device technology.
type VideoOutput interface {
	// Setup returns the decoder device and context to render with.
	Setup(cfg DeviceConfig) (DeviceSetup, error)
	// UpdateOutput sizes the buffers for the decoder's output and reports
	// the pixel format it must render in.
	UpdateOutput(cfg OutputConfig) (OutputFormat, error)
	Cleanup()
	// Resize registers notify and calls it with the current size before
	// returning. A nil notify unregisters.
	Resize(notify SizeNotifier)
	Swap() error
	StartRendering(enter bool, hdr *HDR10Metadata) bool
	SelectPlane(plane int) bool
}

// SizeNotifier receives the output size. It is called with the size lock
// held and must not call Resize.
type SizeNotifier func(width, height int)

// DeviceConfig is the decoder's device request.
type DeviceConfig struct {
	HardwareDecoding bool
}

type DeviceSetup struct {
	Device  gpu.Device
	Context gpu.Context
}

// OutputConfig is the decoder's requested output.
type OutputConfig struct {
	Width     int
	Height    int
	BitDepth  int
	FullRange bool
}

type ColorSpace int

const (
	ColorSpaceBT601 ColorSpace = iota + 1
	ColorSpaceBT709
	ColorSpaceBT2020
)

type ColorPrimaries int

const (
	PrimariesBT601_525 ColorPrimaries = iota + 1
	PrimariesBT601_625
	PrimariesBT709
	PrimariesBT2020
)

type TransferFunc int

const (
	TransferLinear TransferFunc = iota + 1
	TransferSRGB
	TransferPQ
	TransferHLG
)

// OutputFormat is the format the decoder must render in.
type OutputFormat struct {
	Format     gputypes.TextureFormat
	FullRange  bool
	ColorSpace ColorSpace
	Primaries  ColorPrimaries
	Transfer   TransferFunc
}

// Fixed output: one packed RGBA plane, full range, BT.709, linear.
var outputFormat = OutputFormat{
	Format:     gputypes.TextureFormatRGBA8Unorm,
	FullRange:  true,
	ColorSpace: ColorSpaceBT709,
	Primaries:  PrimariesBT709,
	Transfer:   TransferLinear,
}

// HDR10Metadata accompanies StartRendering for HDR sources. It is accepted
// and ignored.
type HDR10Metadata struct {
	RedPrimary       [2]uint16
	GreenPrimary     [2]uint16
	BluePrimary      [2]uint16
	WhitePoint       [2]uint16
	MaxMasteringLuma uint32
	MinMasteringLuma uint32
	MaxContentLight  uint16
	MaxFrameAverage  uint16
}

// HostEvent is a host renderer device lifecycle event.
type HostEvent int

const (
	EventInitialize HostEvent = iota
	EventShutdown
	EventBeforeReset
	EventAfterReset
)

func (e HostEvent) String() string {
	switch e {
	case EventInitialize:
		return "initialize"
	case EventShutdown:
		return "shutdown"
	case EventBeforeReset:
		return "before_reset"
	case EventAfterReset:
		return "after_reset"
	}
	return fmt.Sprintf("HostEvent(%d)", int(e))
}
