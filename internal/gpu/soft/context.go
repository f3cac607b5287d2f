package soft

import (
	"errors"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/breeze-rmm/texbridge/internal/gpu"
)

var ErrWrongViewKind = errors.New("soft: view cannot be used as a render target")

// Context is a device's immediate context. Draws are queued and only reach
// memory on Flush.
type Context struct {
	dev *Device

	mu      sync.Mutex
	target  *View
	pending []func()
	flushes int
}

var _ gpu.Context = (*Context)(nil)

func (c *Context) SetRenderTarget(view gpu.View) error {
	v, err := c.renderTarget(view)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.target = v
	c.mu.Unlock()
	return nil
}

func (c *Context) ClearRenderTarget(view gpu.View, color gputypes.Color) error {
	v, err := c.renderTarget(view)
	if err != nil {
		return err
	}
	mem := v.tex.mem
	c.mu.Lock()
	c.pending = append(c.pending, func() { mem.fill(color) })
	c.mu.Unlock()
	return nil
}

// Draw fills the bound render target, standing in for a decoder's draw.
func (c *Context) Draw(color gputypes.Color) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target == nil {
		return errors.New("soft: no render target bound")
	}
	if c.target.Released() {
		return gpu.ErrReleased
	}
	mem := c.target.tex.mem
	c.pending = append(c.pending, func() { mem.fill(color) })
	return nil
}

func (c *Context) Flush() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.flushes++
	c.mu.Unlock()

	for _, cmd := range pending {
		cmd()
	}
}

func (c *Context) RenderTarget() *View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *Context) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Context) renderTarget(view gpu.View) (*View, error) {
	v, ok := view.(*View)
	if !ok || v.tex.dev != c.dev {
		return nil, gpu.ErrForeignResource
	}
	if v.kind != RenderTargetView {
		return nil, ErrWrongViewKind
	}
	if v.Released() {
		return nil, gpu.ErrReleased
	}
	return v, nil
}
