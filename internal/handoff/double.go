package handoff

import (
	"sync"

	"github.com/breeze-rmm/texbridge/internal/gpu"
	"github.com/breeze-rmm/texbridge/internal/logging"
)

// Stats counts double buffer activity since creation.
type Stats struct {
	Swaps   uint64
	Reads   uint64
	Dropped uint64
	Resizes uint64
}

// DoubleBuffer owns the front and back TextureBuffer. The decoder renders
// into back; Swap exposes it as front for the host to sample. Frames the
// host never reads are overwritten by the next swap.
//
// mu is the output lock. It guards the buffer pair, the size and the
// updated flag.
type DoubleBuffer struct {
	bridge  *DeviceBridge
	metrics *Metrics

	mu            sync.Mutex
	front         *TextureBuffer
	back          *TextureBuffer
	width         int
	height        int
	updated       bool
	readSinceSwap bool
	stats         Stats
}

func NewDoubleBuffer(bridge *DeviceBridge, metrics *Metrics) *DoubleBuffer {
	return &DoubleBuffer{bridge: bridge, metrics: metrics}
}

// Resize tears down both buffers and allocates a new pair.
func (d *DoubleBuffer) Resize(width, height int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resizeLocked(width, height)
}

// resizeLocked must be called with mu held. On failure the pair is left
// empty.
func (d *DoubleBuffer) resizeLocked(width, height int) error {
	if width <= 0 || height <= 0 {
		return ErrInvalidSize
	}
	if !d.bridge.Ready() {
		return ErrNotInitialized
	}
	d.releaseBuffersLocked()

	host, decoder := d.bridge.Host(), d.bridge.Decoder()
	front, err := newTextureBuffer(host, decoder, width, height)
	if err != nil {
		d.metrics.resizeFailed()
		return err
	}
	back, err := newTextureBuffer(host, decoder, width, height)
	if err != nil {
		front.Release()
		d.metrics.resizeFailed()
		return err
	}

	d.front, d.back = front, back
	d.width, d.height = width, height
	d.stats.Resizes++
	d.metrics.resized(width, height)
	log.Debug("buffers allocated",
		logging.KeyWidth, width,
		logging.KeyHeight, height,
		"front_handle", front.SharedHandle().Value(),
		"back_handle", back.SharedHandle().Value())
	return nil
}

func (d *DoubleBuffer) releaseBuffersLocked() {
	d.front.Release()
	d.back.Release()
	d.front, d.back = nil, nil
	d.width, d.height = 0, 0
}

// Swap flushes the decoder context so the back buffer's contents are
// complete, then exchanges front and back.
func (d *DoubleBuffer) Swap() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.front == nil || d.back == nil {
		return ErrNoBuffers
	}

	d.bridge.DecoderContext().Flush()
	d.front, d.back = d.back, d.front
	d.updated = true

	if d.stats.Swaps > 0 && !d.readSinceSwap {
		d.stats.Dropped++
		d.metrics.dropped()
	}
	d.readSinceSwap = false
	d.stats.Swaps++
	d.metrics.swapped()
	return nil
}

// ReadFront returns the front buffer's sample view and whether any swap has
// happened yet. The view is only guaranteed live until the next resize; use
// WithFront to sample under the lock.
func (d *DoubleBuffer) ReadFront() (gpu.View, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readFrontLocked()
}

// WithFront calls fn with the front view while holding the output lock.
// fn must not call back into the DoubleBuffer.
func (d *DoubleBuffer) WithFront(fn func(view gpu.View, updated bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.readFrontLocked())
}

func (d *DoubleBuffer) readFrontLocked() (gpu.View, bool) {
	if d.front == nil {
		return nil, false
	}
	d.readSinceSwap = true
	d.stats.Reads++
	d.metrics.read()
	return d.front.SampleView(), d.updated
}

// BindBack binds the back buffer's write view as the decoder's render
// target, clearing it to opaque black when clear is set.
func (d *DoubleBuffer) BindBack(clear bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.back == nil {
		return ErrNoBuffers
	}
	ctx := d.bridge.DecoderContext()
	rtv := d.back.WriteView()
	if err := ctx.SetRenderTarget(rtv); err != nil {
		return err
	}
	if clear {
		return ctx.ClearRenderTarget(rtv, gpu.Black)
	}
	return nil
}

// Release frees both buffers and resets the updated flag.
func (d *DoubleBuffer) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releaseLocked()
}

func (d *DoubleBuffer) releaseLocked() {
	d.releaseBuffersLocked()
	d.updated = false
	d.readSinceSwap = false
}

func (d *DoubleBuffer) Size() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width, d.height
}

func (d *DoubleBuffer) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Buffers returns the current pair. Intended for diagnostics.
func (d *DoubleBuffer) Buffers() (front, back *TextureBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.front, d.back
}
