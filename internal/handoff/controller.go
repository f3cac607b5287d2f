package handoff

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/texbridge/internal/gpu"
	"github.com/breeze-rmm/texbridge/internal/logging"
)

type State int32

const (
	StateUninitialized State = iota
	StateDeviceReady
	StateBuffersReady
	StateActive
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateDeviceReady:
		return "device_ready"
	case StateBuffersReady:
		return "buffers_ready"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting_down"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// FatalHandler is called when a GPU resource or device cannot be created.
// The error is also returned to the caller.
type FatalHandler func(op string, err error)

type Options struct {
	DefaultWidth  int
	DefaultHeight int
	// Debug enables the graphics API debug layer on the decoder device.
	Debug   bool
	OnFatal FatalHandler
	Metrics *Metrics
}

func (o Options) withDefaults() Options {
	if o.DefaultWidth <= 0 {
		o.DefaultWidth = 100
	}
	if o.DefaultHeight <= 0 {
		o.DefaultHeight = 100
	}
	return o
}

// Controller drives the bridge and double buffer from host lifecycle events
// and decoder calls. It implements VideoOutput.
//
// The output lock (buffers.mu) guards the bridge and buffer pair. sizeMu
// guards the notifier and the reported size. The two are never held
// together.
type Controller struct {
	opts    Options
	bridge  *DeviceBridge
	buffers *DoubleBuffer
	state   atomic.Int32

	sizeMu sync.Mutex
	notify SizeNotifier
	width  int
	height int
}

var _ VideoOutput = (*Controller)(nil)

func NewController(backend gpu.Backend, opts Options) *Controller {
	opts = opts.withDefaults()
	bridge := NewDeviceBridge(backend, opts.Debug)
	return &Controller{
		opts:    opts,
		bridge:  bridge,
		buffers: NewDoubleBuffer(bridge, opts.Metrics),
	}
}

func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		log.Debug("state change", "from", old.String(), logging.KeyState, s.String())
	}
}

// ProcessDeviceEvent handles a host lifecycle event. host is only used by
// EventInitialize.
func (c *Controller) ProcessDeviceEvent(ev HostEvent, host gpu.Device) error {
	switch ev {
	case EventInitialize:
		return c.initialize(host)
	case EventShutdown:
		c.shutdown()
		return nil
	default:
		log.Debug("ignoring host event", "event", ev.String())
		return nil
	}
}

func (c *Controller) initialize(host gpu.Device) error {
	w, h := c.opts.DefaultWidth, c.opts.DefaultHeight

	c.buffers.mu.Lock()
	if c.State() != StateUninitialized {
		c.buffers.mu.Unlock()
		return ErrAlreadyInitialized
	}
	if err := c.bridge.Initialize(host); err != nil {
		c.buffers.mu.Unlock()
		return c.fail("initialize", err)
	}
	c.setState(StateDeviceReady)
	if err := c.buffers.resizeLocked(w, h); err != nil {
		c.buffers.mu.Unlock()
		return c.fail("initial resize", err)
	}
	c.setState(StateBuffersReady)
	c.buffers.mu.Unlock()

	c.storeSize(w, h)
	log.Info("handoff initialized",
		logging.KeyBackend, c.bridge.Backend(),
		logging.KeyWidth, w,
		logging.KeyHeight, h)
	return nil
}

func (c *Controller) shutdown() {
	c.setState(StateShuttingDown)
	c.buffers.mu.Lock()
	c.buffers.releaseLocked()
	c.bridge.Shutdown()
	c.buffers.mu.Unlock()
	c.setState(StateUninitialized)
	log.Info("handoff shut down")
}

// fail logs a fatal GPU failure, hands it to the FatalHandler and returns it.
func (c *Controller) fail(op string, err error) error {
	log.Error("fatal gpu failure", logging.KeyOp, op, logging.KeyError, err)
	if c.opts.OnFatal != nil && (errors.Is(err, ErrGPUResource) || errors.Is(err, ErrDeviceCreation)) {
		c.opts.OnFatal(op, err)
	}
	return err
}

func (c *Controller) Setup(cfg DeviceConfig) (DeviceSetup, error) {
	c.buffers.mu.Lock()
	defer c.buffers.mu.Unlock()
	if !c.bridge.Ready() {
		return DeviceSetup{}, ErrNotInitialized
	}
	log.Debug("decoder setup", "hardware_decoding", cfg.HardwareDecoding)
	return DeviceSetup{Device: c.bridge.Decoder(), Context: c.bridge.DecoderContext()}, nil
}

func (c *Controller) UpdateOutput(cfg OutputConfig) (OutputFormat, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return OutputFormat{}, fmt.Errorf("%w: %dx%d", ErrInvalidSize, cfg.Width, cfg.Height)
	}
	if err := c.resizeTo("update output", cfg.Width, cfg.Height, true); err != nil {
		return OutputFormat{}, err
	}
	log.Info("output configured", logging.KeyWidth, cfg.Width, logging.KeyHeight, cfg.Height)
	return outputFormat, nil
}

// SetSize resizes the buffers on behalf of the host, e.g. when its window
// changes size, and notifies the registered SizeNotifier.
func (c *Controller) SetSize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	return c.resizeTo("set size", width, height, false)
}

func (c *Controller) resizeTo(op string, width, height int, activate bool) error {
	c.buffers.mu.Lock()
	if !c.bridge.Ready() {
		c.buffers.mu.Unlock()
		return ErrNotInitialized
	}
	if c.buffers.front == nil || c.buffers.width != width || c.buffers.height != height {
		if err := c.buffers.resizeLocked(width, height); err != nil {
			c.buffers.mu.Unlock()
			return c.fail(op, err)
		}
	}
	if activate {
		c.setState(StateActive)
	} else if c.State() == StateDeviceReady {
		c.setState(StateBuffersReady)
	}
	c.buffers.mu.Unlock()

	c.storeSize(width, height)
	return nil
}

func (c *Controller) Cleanup() {
	log.Debug("decoder cleanup")
}

func (c *Controller) Resize(notify SizeNotifier) {
	c.sizeMu.Lock()
	defer c.sizeMu.Unlock()
	c.notify = notify
	if notify != nil {
		log.Debug("reporting initial size", logging.KeyWidth, c.width, logging.KeyHeight, c.height)
		notify(c.width, c.height)
	}
}

// storeSize records the size and notifies on change. Must not be called
// with the output lock held.
func (c *Controller) storeSize(width, height int) {
	c.sizeMu.Lock()
	defer c.sizeMu.Unlock()
	if c.width == width && c.height == height {
		return
	}
	c.width, c.height = width, height
	if c.notify != nil {
		c.notify(width, height)
	}
}

// Size returns the last size reported to the decoder.
func (c *Controller) Size() (int, int) {
	c.sizeMu.Lock()
	defer c.sizeMu.Unlock()
	return c.width, c.height
}

func (c *Controller) Swap() error {
	return c.buffers.Swap()
}

func (c *Controller) StartRendering(enter bool, hdr *HDR10Metadata) bool {
	if !enter {
		return true
	}
	if err := c.buffers.BindBack(true); err != nil {
		log.Warn("start rendering", logging.KeyError, err)
		return false
	}
	return true
}

func (c *Controller) SelectPlane(plane int) bool {
	if plane != 0 {
		return false
	}
	if err := c.buffers.BindBack(false); err != nil {
		log.Warn("select plane", logging.KeyError, err)
		return false
	}
	return true
}

// GetVideoFrame returns the host sample view of the front buffer and
// whether the decoder has swapped at least once.
func (c *Controller) GetVideoFrame() (gpu.View, bool) {
	return c.buffers.ReadFront()
}

// WithVideoFrame is GetVideoFrame with fn run under the output lock, so the
// view cannot be released by a concurrent resize while fn uses it.
func (c *Controller) WithVideoFrame(fn func(view gpu.View, updated bool)) {
	c.buffers.WithFront(fn)
}

func (c *Controller) DecoderContext() gpu.Context {
	c.buffers.mu.Lock()
	defer c.buffers.mu.Unlock()
	return c.bridge.DecoderContext()
}

func (c *Controller) Buffers() *DoubleBuffer { return c.buffers }
