package handoff

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/breeze-rmm/texbridge/internal/gpu"
	"github.com/breeze-rmm/texbridge/internal/gpu/soft"
)

type testRig struct {
	ctrl    *Controller
	adapter *soft.Adapter
	host    *soft.Device
	fatals  []string
}

func newRig(t *testing.T, opts Options) *testRig {
	t.Helper()
	backend := soft.New(nil)
	host, err := backend.NewDevice(gpu.DeviceOptions{})
	if err != nil {
		t.Fatalf("host device: %v", err)
	}
	r := &testRig{adapter: backend.Adapter(), host: host}
	opts.OnFatal = func(op string, err error) { r.fatals = append(r.fatals, op) }
	r.ctrl = NewController(backend, opts)
	return r
}

func (r *testRig) init(t *testing.T) {
	t.Helper()
	if err := r.ctrl.ProcessDeviceEvent(EventInitialize, r.host); err != nil {
		t.Fatalf("initialize: %v", err)
	}
}

func (r *testRig) decoderContext(t *testing.T) *soft.Context {
	t.Helper()
	setup, err := r.ctrl.Setup(DeviceConfig{HardwareDecoding: true})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return setup.Context.(*soft.Context)
}

func checkPair(t *testing.T, d *DoubleBuffer, w, h int) {
	t.Helper()
	front, back := d.Buffers()
	if !front.Valid() || !back.Valid() {
		t.Fatalf("buffers not valid after resize to %dx%d", w, h)
	}
	for _, b := range []*TextureBuffer{front, back} {
		if bw, bh := b.Size(); bw != w || bh != h {
			t.Fatalf("buffer size = %dx%d, want %dx%d", bw, bh, w, h)
		}
		sv, wv := b.SampleView().(*soft.View), b.WriteView().(*soft.View)
		if !sv.SameMemory(wv) {
			t.Fatal("sample and write views do not share memory")
		}
		if vw, vh := sv.Size(); vw != w || vh != h {
			t.Fatalf("texture size = %dx%d, want %dx%d", vw, vh, w, h)
		}
	}
	if front.SampleView() == back.SampleView() {
		t.Fatal("front and back share a view")
	}
}

func TestInitializeDefaultSize(t *testing.T) {
	r := newRig(t, Options{})
	r.init(t)

	if got := r.ctrl.State(); got != StateBuffersReady {
		t.Fatalf("state = %s, want buffers_ready", got)
	}
	checkPair(t, r.ctrl.Buffers(), 100, 100)
	if w, h := r.ctrl.Size(); w != 100 || h != 100 {
		t.Fatalf("Size = %dx%d, want 100x100", w, h)
	}
	if !r.host.MultithreadProtected() {
		t.Fatal("host device not marked multithread protected")
	}
	if got := r.adapter.Live(); got.Devices != 2 || got.Textures != 4 || got.Views != 4 || got.Handles != 2 {
		t.Fatalf("live after init: %s", got)
	}
}

func TestResizeSequence(t *testing.T) {
	r := newRig(t, Options{DefaultWidth: 32, DefaultHeight: 16})
	r.init(t)
	checkPair(t, r.ctrl.Buffers(), 32, 16)

	sizes := [][2]int{{1920, 1080}, {1, 1}, {640, 480}, {640, 480}, {17, 3}}
	for _, s := range sizes {
		if err := r.ctrl.Buffers().Resize(s[0], s[1]); err != nil {
			t.Fatalf("Resize(%d, %d): %v", s[0], s[1], err)
		}
		checkPair(t, r.ctrl.Buffers(), s[0], s[1])
		if got := r.adapter.Live(); got.Views != 4 || got.Handles != 2 {
			t.Fatalf("old buffers leaked after resize: %s", got)
		}
	}
}

func TestSecondInitializeRejected(t *testing.T) {
	r := newRig(t, Options{})
	r.init(t)
	if err := r.ctrl.ProcessDeviceEvent(EventInitialize, r.host); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second initialize = %v, want ErrAlreadyInitialized", err)
	}
	if got := r.adapter.Live().Devices; got != 2 {
		t.Fatalf("devices = %d, want 2", got)
	}
}

func TestResetEventsIgnored(t *testing.T) {
	r := newRig(t, Options{})
	r.init(t)
	for _, ev := range []HostEvent{EventBeforeReset, EventAfterReset} {
		if err := r.ctrl.ProcessDeviceEvent(ev, nil); err != nil {
			t.Fatalf("%s: %v", ev, err)
		}
	}
	if got := r.ctrl.State(); got != StateBuffersReady {
		t.Fatalf("state = %s after reset events", got)
	}
}

func TestSwapExposesBackBuffer(t *testing.T) {
	r := newRig(t, Options{})
	r.init(t)

	if _, updated := r.ctrl.GetVideoFrame(); updated {
		t.Fatal("updated before any swap")
	}

	_, back := r.ctrl.Buffers().Buffers()
	wantView := back.SampleView()
	flushes := r.decoderContext(t).Flushes()

	if err := r.ctrl.Swap(); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	view, updated := r.ctrl.GetVideoFrame()
	if !updated {
		t.Fatal("updated = false after swap")
	}
	if view != wantView {
		t.Fatal("front view is not the previous back buffer")
	}
	if got := r.decoderContext(t).Flushes(); got != flushes+1 {
		t.Fatalf("flushes = %d, want %d", got, flushes+1)
	}

	// The flag is not cleared by reads.
	if _, updated := r.ctrl.GetVideoFrame(); !updated {
		t.Fatal("updated flag cleared by read")
	}
}

func TestDroppedFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := newRig(t, Options{Metrics: m})
	r.init(t)

	for i := 0; i < 3; i++ {
		if err := r.ctrl.Swap(); err != nil {
			t.Fatalf("Swap: %v", err)
		}
	}
	r.ctrl.GetVideoFrame()
	if err := r.ctrl.Swap(); err != nil {
		t.Fatalf("Swap: %v", err)
	}

	st := r.ctrl.Buffers().Stats()
	if st.Swaps != 4 || st.Dropped != 2 || st.Reads != 1 {
		t.Fatalf("stats = %+v, want 4 swaps, 2 dropped, 1 read", st)
	}
	if got := testutil.ToFloat64(m.droppedFrames); got != 2 {
		t.Fatalf("dropped_frames_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.swaps); got != 4 {
		t.Fatalf("swaps_total = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.width); got != 100 {
		t.Fatalf("output_width_pixels = %v, want 100", got)
	}
}

func TestSelectPlane(t *testing.T) {
	r := newRig(t, Options{})
	r.init(t)
	ctx := r.decoderContext(t)

	if !r.ctrl.SelectPlane(0) {
		t.Fatal("SelectPlane(0) = false")
	}
	_, back := r.ctrl.Buffers().Buffers()
	bound := ctx.RenderTarget()
	if bound == nil || gpu.View(bound) != back.WriteView() {
		t.Fatal("SelectPlane(0) did not bind the back buffer")
	}

	if err := r.ctrl.Swap(); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	for _, plane := range []int{1, 2, -1} {
		if r.ctrl.SelectPlane(plane) {
			t.Fatalf("SelectPlane(%d) = true", plane)
		}
		if ctx.RenderTarget() != bound {
			t.Fatalf("SelectPlane(%d) changed the render target", plane)
		}
	}
}

func TestResizeNotifierCalledOnRegistration(t *testing.T) {
	r := newRig(t, Options{})
	r.init(t)
	if err := r.ctrl.SetSize(640, 480); err != nil {
		t.Fatalf("SetSize: %v", err)
	}

	var calls [][2]int
	r.ctrl.Resize(func(w, h int) { calls = append(calls, [2]int{w, h}) })
	if len(calls) != 1 || calls[0] != [2]int{640, 480} {
		t.Fatalf("notifier calls = %v, want one call with 640x480", calls)
	}
}

func TestResizeNotifierOnSizeChange(t *testing.T) {
	r := newRig(t, Options{})
	r.init(t)

	var calls [][2]int
	r.ctrl.Resize(func(w, h int) {
		// Runs without the output lock held.
		r.ctrl.GetVideoFrame()
		calls = append(calls, [2]int{w, h})
	})

	if _, err := r.ctrl.UpdateOutput(OutputConfig{Width: 1280, Height: 720}); err != nil {
		t.Fatalf("UpdateOutput: %v", err)
	}
	if _, err := r.ctrl.UpdateOutput(OutputConfig{Width: 1280, Height: 720}); err != nil {
		t.Fatalf("UpdateOutput: %v", err)
	}
	if err := r.ctrl.SetSize(320, 200); err != nil {
		t.Fatalf("SetSize: %v", err)
	}

	want := [][2]int{{100, 100}, {1280, 720}, {320, 200}}
	if len(calls) != len(want) {
		t.Fatalf("notifier calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("notifier calls = %v, want %v", calls, want)
		}
	}

	r.ctrl.Resize(nil)
	if err := r.ctrl.SetSize(10, 10); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	if len(calls) != len(want) {
		t.Fatal("notifier called after unregistering")
	}
}

func TestFullScenario(t *testing.T) {
	r := newRig(t, Options{})
	r.init(t)
	checkPair(t, r.ctrl.Buffers(), 100, 100)

	format, err := r.ctrl.UpdateOutput(OutputConfig{Width: 1920, Height: 1080, BitDepth: 8})
	if err != nil {
		t.Fatalf("UpdateOutput: %v", err)
	}
	if format.Format != gputypes.TextureFormatRGBA8Unorm || !format.FullRange ||
		format.ColorSpace != ColorSpaceBT709 || format.Primaries != PrimariesBT709 ||
		format.Transfer != TransferLinear {
		t.Fatalf("unexpected output format %+v", format)
	}
	if got := r.ctrl.State(); got != StateActive {
		t.Fatalf("state = %s, want active", got)
	}
	checkPair(t, r.ctrl.Buffers(), 1920, 1080)

	ctx := r.decoderContext(t)
	if !r.ctrl.StartRendering(true, nil) {
		t.Fatal("StartRendering(true) = false")
	}
	_, back := r.ctrl.Buffers().Buffers()
	if gpu.View(ctx.RenderTarget()) != back.WriteView() {
		t.Fatal("StartRendering did not bind the back buffer")
	}
	if ctx.Pending() != 1 {
		t.Fatalf("pending commands = %d, want the clear", ctx.Pending())
	}

	// Decoder renders a frame.
	if err := ctx.Draw(gputypes.Color{R: 0, G: 1, B: 0, A: 1}); err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if !r.ctrl.StartRendering(false, &HDR10Metadata{MaxContentLight: 1000}) {
		t.Fatal("StartRendering(false) = false")
	}
	if err := r.ctrl.Swap(); err != nil {
		t.Fatalf("Swap: %v", err)
	}

	view, updated := r.ctrl.GetVideoFrame()
	if !updated {
		t.Fatal("updated = false")
	}
	if view != back.SampleView() {
		t.Fatal("GetVideoFrame did not return the rendered buffer")
	}
	if px := view.(*soft.View).Pixel(1919, 1079); px != [4]byte{0, 255, 0, 255} {
		t.Fatalf("pixel = %v, want opaque green", px)
	}
}

func TestStartRenderingClearsToOpaqueBlack(t *testing.T) {
	r := newRig(t, Options{DefaultWidth: 4, DefaultHeight: 4})
	r.init(t)
	ctx := r.decoderContext(t)

	// Paint the back buffer, then start a new frame on it.
	r.ctrl.SelectPlane(0)
	ctx.Draw(gputypes.Color{R: 1, G: 1, B: 1, A: 1})
	ctx.Flush()

	if !r.ctrl.StartRendering(true, nil) {
		t.Fatal("StartRendering(true) = false")
	}
	if err := r.ctrl.Swap(); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	view, _ := r.ctrl.GetVideoFrame()
	if px := view.(*soft.View).Pixel(0, 0); px != [4]byte{0, 0, 0, 255} {
		t.Fatalf("pixel = %v, want opaque black", px)
	}
}

func TestDoubleShutdownLeavesNothing(t *testing.T) {
	r := newRig(t, Options{})
	r.init(t)
	if _, err := r.ctrl.UpdateOutput(OutputConfig{Width: 64, Height: 64}); err != nil {
		t.Fatalf("UpdateOutput: %v", err)
	}
	r.ctrl.Swap()

	for i := 0; i < 2; i++ {
		if err := r.ctrl.ProcessDeviceEvent(EventShutdown, nil); err != nil {
			t.Fatalf("shutdown %d: %v", i, err)
		}
	}
	if got := r.ctrl.State(); got != StateUninitialized {
		t.Fatalf("state = %s, want uninitialized", got)
	}
	if view, updated := r.ctrl.GetVideoFrame(); view != nil || updated {
		t.Fatal("frame available after shutdown")
	}

	r.host.Release()
	if live := r.adapter.Live(); !live.Zero() {
		t.Fatalf("leaked after shutdown: %s", live)
	}
}

func TestShutdownBeforeInitialize(t *testing.T) {
	r := newRig(t, Options{})
	if err := r.ctrl.ProcessDeviceEvent(EventShutdown, nil); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	r.init(t)
	checkPair(t, r.ctrl.Buffers(), 100, 100)
}

func TestReinitializeAfterShutdown(t *testing.T) {
	r := newRig(t, Options{})
	r.init(t)
	r.ctrl.ProcessDeviceEvent(EventShutdown, nil)
	r.init(t)
	if got := r.adapter.Live(); got.Devices != 2 || got.Handles != 2 {
		t.Fatalf("live after reinit: %s", got)
	}
}

func TestCallsBeforeInitialize(t *testing.T) {
	r := newRig(t, Options{})
	if _, err := r.ctrl.Setup(DeviceConfig{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Setup = %v, want ErrNotInitialized", err)
	}
	if _, err := r.ctrl.UpdateOutput(OutputConfig{Width: 10, Height: 10}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("UpdateOutput = %v, want ErrNotInitialized", err)
	}
	if err := r.ctrl.Swap(); !errors.Is(err, ErrNoBuffers) {
		t.Fatalf("Swap = %v, want ErrNoBuffers", err)
	}
	if r.ctrl.StartRendering(true, nil) {
		t.Fatal("StartRendering before init = true")
	}
	if r.ctrl.SelectPlane(0) {
		t.Fatal("SelectPlane before init = true")
	}
	if view, updated := r.ctrl.GetVideoFrame(); view != nil || updated {
		t.Fatal("GetVideoFrame before init returned a frame")
	}
	r.ctrl.Cleanup()
}

func TestUpdateOutputRejectsEmptySize(t *testing.T) {
	r := newRig(t, Options{})
	r.init(t)
	if _, err := r.ctrl.UpdateOutput(OutputConfig{Width: 0, Height: 720}); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("UpdateOutput = %v, want ErrInvalidSize", err)
	}
	checkPair(t, r.ctrl.Buffers(), 100, 100)
}

func TestDecoderDeviceFailure(t *testing.T) {
	r := newRig(t, Options{})
	r.adapter.FailAfter(soft.OpCreateDevice, 0)

	err := r.ctrl.ProcessDeviceEvent(EventInitialize, r.host)
	if !errors.Is(err, ErrDeviceCreation) {
		t.Fatalf("initialize = %v, want ErrDeviceCreation", err)
	}
	if len(r.fatals) != 1 {
		t.Fatalf("fatal handler calls = %v, want 1", r.fatals)
	}
	if got := r.ctrl.State(); got != StateUninitialized {
		t.Fatalf("state = %s, want uninitialized", got)
	}
	r.init(t)
}

func TestResizeFailureReleasesEverything(t *testing.T) {
	ops := []soft.Op{
		soft.OpCreateTexture,
		soft.OpExportHandle,
		soft.OpOpenShared,
		soft.OpCreateSampleView,
		soft.OpCreateRenderTargetView,
	}
	for _, op := range ops {
		t.Run(op.String(), func(t *testing.T) {
			r := newRig(t, Options{})
			r.init(t)

			// Fail while creating the second buffer of the pair.
			r.adapter.FailAfter(op, 1)
			_, err := r.ctrl.UpdateOutput(OutputConfig{Width: 800, Height: 600})
			if !errors.Is(err, ErrGPUResource) {
				t.Fatalf("UpdateOutput = %v, want ErrGPUResource", err)
			}
			if len(r.fatals) != 1 || r.fatals[0] != "update output" {
				t.Fatalf("fatal handler calls = %v", r.fatals)
			}
			if got := r.adapter.Live(); got.Textures != 0 || got.Views != 0 || got.Handles != 0 {
				t.Fatalf("partial buffers leaked: %s", got)
			}
			if view, _ := r.ctrl.GetVideoFrame(); view != nil {
				t.Fatal("frame available after failed resize")
			}
			if r.ctrl.StartRendering(true, nil) {
				t.Fatal("StartRendering succeeded without buffers")
			}

			if _, err := r.ctrl.UpdateOutput(OutputConfig{Width: 800, Height: 600}); err != nil {
				t.Fatalf("retry UpdateOutput: %v", err)
			}
			checkPair(t, r.ctrl.Buffers(), 800, 600)
		})
	}
}
