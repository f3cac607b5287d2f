package handoff

import (
	"sync"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/breeze-rmm/texbridge/internal/gpu"
	"github.com/breeze-rmm/texbridge/internal/gpu/soft"
)

func TestTextureBufferReleaseIdempotent(t *testing.T) {
	backend := soft.New(nil)
	host, _ := backend.NewDevice(gpu.DeviceOptions{})
	dec, _ := backend.NewDevice(gpu.DeviceOptions{})

	b, err := newTextureBuffer(host, dec, 8, 8)
	if err != nil {
		t.Fatalf("newTextureBuffer: %v", err)
	}
	if !b.Valid() {
		t.Fatal("new buffer not valid")
	}
	if b.SharedHandle().Value() == 0 {
		t.Fatal("shared handle is zero")
	}

	b.Release()
	b.Release()
	if b.Valid() {
		t.Fatal("released buffer still valid")
	}

	host.Release()
	dec.Release()
	if live := backend.Adapter().Live(); !live.Zero() {
		t.Fatalf("leaked: %s", live)
	}
}

// plainDevice hides the MultithreadProtector capability.
type plainDevice struct {
	gpu.Device
}

func TestBridgeWithoutMultithreadProtection(t *testing.T) {
	backend := soft.New(nil)
	host, _ := backend.NewDevice(gpu.DeviceOptions{})

	bridge := NewDeviceBridge(backend, false)
	bridge.Shutdown()
	if err := bridge.Initialize(plainDevice{host}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !bridge.Ready() {
		t.Fatal("bridge not ready")
	}
	if host.MultithreadProtected() {
		t.Fatal("hidden capability was used")
	}
	dec := bridge.Decoder().(*soft.Device)
	if !dec.Options().VideoSupport {
		t.Fatal("decoder device created without video support")
	}

	bridge.Shutdown()
	bridge.Shutdown()
	if bridge.Ready() || bridge.DecoderContext() != nil {
		t.Fatal("bridge ready after shutdown")
	}
	if !dec.Released() {
		t.Fatal("decoder device not released")
	}
}

func TestBridgeRejectsNilHost(t *testing.T) {
	bridge := NewDeviceBridge(soft.New(nil), true)
	if err := bridge.Initialize(nil); err != ErrNoHostDevice {
		t.Fatalf("Initialize(nil) = %v, want ErrNoHostDevice", err)
	}
}

func TestDoubleBufferRequiresBridge(t *testing.T) {
	d := NewDoubleBuffer(NewDeviceBridge(soft.New(nil), false), nil)
	if err := d.Resize(10, 10); err != ErrNotInitialized {
		t.Fatalf("Resize = %v, want ErrNotInitialized", err)
	}
	if err := d.BindBack(true); err != ErrNoBuffers {
		t.Fatalf("BindBack = %v, want ErrNoBuffers", err)
	}
	d.WithFront(func(view gpu.View, updated bool) {
		if view != nil || updated {
			t.Fatal("WithFront saw a frame on an empty pair")
		}
	})
}

// Swaps, resizes and reads race on separate goroutines. A reader holding
// the front view under the output lock must never see it released.
func TestConcurrentSwapResizeRead(t *testing.T) {
	r := newRig(t, Options{DefaultWidth: 8, DefaultHeight: 8})
	r.init(t)
	ctx := r.decoderContext(t)

	const iterations = 300
	sizes := [][2]int{{8, 8}, {16, 4}, {3, 5}, {32, 32}}

	var wg sync.WaitGroup
	wg.Add(5)

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			r.ctrl.StartRendering(true, nil)
			ctx.Draw(gputypes.Color{R: float64(i%2), A: 1})
			r.ctrl.Swap()
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < iterations/10; i++ {
			s := sizes[i%len(sizes)]
			if err := r.ctrl.SetSize(s[0], s[1]); err != nil {
				t.Errorf("SetSize: %v", err)
				return
			}
		}
	}()

	for n := 0; n < 2; n++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				r.ctrl.WithVideoFrame(func(view gpu.View, updated bool) {
					if view == nil {
						return
					}
					v := view.(*soft.View)
					if v.Released() {
						t.Error("front view released while held under the output lock")
						return
					}
					w, h := v.Size()
					v.Pixel(w-1, h-1)
				})
			}
		}()
	}

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			r.ctrl.GetVideoFrame()
			r.ctrl.SelectPlane(i % 2)
		}
	}()

	wg.Wait()

	// Whatever the interleaving, the pair ends up consistent.
	w, h := r.ctrl.Buffers().Size()
	checkPair(t, r.ctrl.Buffers(), w, h)
	if got := r.adapter.Live(); got.Views != 4 || got.Handles != 2 {
		t.Fatalf("live after stress: %s", got)
	}
}

func TestConcurrentNotifierAndSwap(t *testing.T) {
	r := newRig(t, Options{})
	r.init(t)

	block := make(chan struct{})
	entered := make(chan struct{})
	go r.ctrl.Resize(func(w, h int) {
		close(entered)
		<-block
	})
	<-entered

	// A notifier stuck under the size lock must not hold up swaps or reads.
	for i := 0; i < 10; i++ {
		if err := r.ctrl.Swap(); err != nil {
			t.Fatalf("Swap: %v", err)
		}
		if _, updated := r.ctrl.GetVideoFrame(); !updated {
			t.Fatal("updated = false")
		}
	}
	close(block)
}
