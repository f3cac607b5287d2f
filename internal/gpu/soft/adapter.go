// Package soft is a software GPU backend. Devices created from the same
// Adapter share memory through NT-style handles, contexts queue commands
// until Flush, and every resource is counted so tests can check for leaks.
package soft

import (
	"errors"
	"fmt"
	"sync"

	"github.com/breeze-rmm/texbridge/internal/gpu"
)

// Op names an adapter operation that can be made to fail.
type Op int

const (
	OpCreateDevice Op = iota
	OpCreateTexture
	OpExportHandle
	OpOpenShared
	OpCreateSampleView
	OpCreateRenderTargetView
)

func (o Op) String() string {
	switch o {
	case OpCreateDevice:
		return "CreateDevice"
	case OpCreateTexture:
		return "CreateTexture"
	case OpExportHandle:
		return "ExportSharedHandle"
	case OpOpenShared:
		return "OpenSharedTexture"
	case OpCreateSampleView:
		return "CreateSampleView"
	case OpCreateRenderTargetView:
		return "CreateRenderTargetView"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

var ErrInjected = errors.New("soft: injected failure")

// Counts is a snapshot of live resources on an adapter.
type Counts struct {
	Devices  int
	Textures int
	Views    int
	Handles  int
}

func (c Counts) Zero() bool { return c == Counts{} }

func (c Counts) String() string {
	return fmt.Sprintf("devices=%d textures=%d views=%d handles=%d", c.Devices, c.Textures, c.Views, c.Handles)
}

// Adapter is one simulated physical GPU.
type Adapter struct {
	mu      sync.Mutex
	next    uintptr
	handles map[uintptr]*memory
	live    Counts
	// failures maps an op to the number of calls left before it fails.
	failures map[Op]int
}

func NewAdapter() *Adapter {
	return &Adapter{
		next:     0x100,
		handles:  make(map[uintptr]*memory),
		failures: make(map[Op]int),
	}
}

// Live reports the resources currently alive on the adapter.
func (a *Adapter) Live() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// FailAfter makes op fail once, after n more successful calls.
func (a *Adapter) FailAfter(op Op, n int) {
	a.mu.Lock()
	a.failures[op] = n
	a.mu.Unlock()
}

func (a *Adapter) check(op Op) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.failures[op]
	if !ok {
		return nil
	}
	if n > 0 {
		a.failures[op] = n - 1
		return nil
	}
	delete(a.failures, op)
	return fmt.Errorf("%w: %s", ErrInjected, op)
}

func (a *Adapter) id() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next += 4
	return a.next
}

func (a *Adapter) track(f func(c *Counts)) {
	a.mu.Lock()
	f(&a.live)
	a.mu.Unlock()
}

func (a *Adapter) publish(mem *memory) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next += 4
	a.handles[a.next] = mem
	a.live.Handles++
	return a.next
}

func (a *Adapter) lookup(h uintptr) (*memory, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	mem, ok := a.handles[h]
	return mem, ok
}

func (a *Adapter) unpublish(h uintptr) {
	a.mu.Lock()
	delete(a.handles, h)
	a.live.Handles--
	a.mu.Unlock()
}

// Backend creates devices on a single adapter.
type Backend struct {
	adapter *Adapter
}

func New(adapter *Adapter) *Backend {
	if adapter == nil {
		adapter = NewAdapter()
	}
	return &Backend{adapter: adapter}
}

func (b *Backend) Name() string      { return "soft" }
func (b *Backend) Adapter() *Adapter { return b.adapter }

func (b *Backend) CreateDevice(opts gpu.DeviceOptions) (gpu.Device, error) {
	return b.NewDevice(opts)
}

// NewDevice is CreateDevice returning the concrete type.
func (b *Backend) NewDevice(opts gpu.DeviceOptions) (*Device, error) {
	if err := b.adapter.check(OpCreateDevice); err != nil {
		return nil, err
	}
	d := &Device{adapter: b.adapter, opts: opts}
	d.ctx = &Context{dev: d}
	b.adapter.track(func(c *Counts) { c.Devices++ })
	return d, nil
}

func init() {
	gpu.Register("soft", func() (gpu.Backend, error) { return New(nil), nil }, false)
}
