package playback

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/texbridge/internal/config"
	"github.com/breeze-rmm/texbridge/internal/gpu"
	"github.com/breeze-rmm/texbridge/internal/handoff"
	"github.com/breeze-rmm/texbridge/internal/logging"
)

// Drawer is implemented by decoder contexts that can fill the bound render
// target, standing in for real decoder output.
type Drawer interface {
	Draw(color gputypes.Color) error
}

// Report summarises one soak run.
type Report struct {
	Frames      int
	Elapsed     time.Duration
	Swaps       uint64
	Reads       uint64
	Dropped     uint64
	Resizes     uint64
	Notified    uint64
	FramesSeen  uint64
	RSSBefore   uint64
	RSSAfter    uint64
	FinalWidth  int
	FinalHeight int
}

// RSSGrowth is the resident set size change over the run in bytes.
func (r Report) RSSGrowth() int64 { return int64(r.RSSAfter) - int64(r.RSSBefore) }

type Runner struct {
	cfg   config.PlaybackConfig
	sizes [][2]int
	out   handoff.VideoOutput
	ctrl  *handoff.Controller
}

func NewRunner(cfg config.PlaybackConfig, ctrl *handoff.Controller) (*Runner, error) {
	r := &Runner{cfg: cfg, out: ctrl, ctrl: ctrl}
	for _, s := range cfg.Sizes {
		w, h, err := config.ParseSize(s)
		if err != nil {
			return nil, err
		}
		r.sizes = append(r.sizes, [2]int{w, h})
	}
	if cfg.ResizeEvery > 0 && len(r.sizes) == 0 {
		return nil, fmt.Errorf("playback: resize_every set without sizes")
	}
	if r.cfg.FPS <= 0 {
		r.cfg.FPS = 60
	}
	if r.cfg.Readers <= 0 {
		r.cfg.Readers = 1
	}
	return r, nil
}

// Run drives the decoder for cfg.Frames frames while cfg.Readers host
// goroutines sample the front buffer at the same rate.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	logger := logging.WithOp(logging.FromContext(ctx), "soak")
	rep := Report{Frames: r.cfg.Frames, RSSBefore: rss()}
	before := r.ctrl.Buffers().Stats()

	setup, err := r.out.Setup(handoff.DeviceConfig{HardwareDecoding: true})
	if err != nil {
		return rep, err
	}
	drawer, _ := setup.Context.(Drawer)

	var notified atomic.Uint64
	r.out.Resize(func(w, h int) {
		notified.Add(1)
		log.Debug("size reported", logging.KeyWidth, w, logging.KeyHeight, h)
	})
	defer r.out.Resize(nil)

	if len(r.sizes) > 0 {
		if err := r.negotiate(r.sizes[0]); err != nil {
			return rep, err
		}
	}

	logger.Info("soak started", "frames", r.cfg.Frames, "fps", r.cfg.FPS, "readers", r.cfg.Readers)
	start := time.Now()
	interval := time.Second / time.Duration(r.cfg.FPS)
	done := make(chan struct{})
	var seen atomic.Uint64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		return r.decode(gctx, interval, drawer)
	})
	for i := 0; i < r.cfg.Readers; i++ {
		g.Go(func() error {
			r.render(gctx, done, interval, &seen)
			return nil
		})
	}
	err = g.Wait()

	after := r.ctrl.Buffers().Stats()
	rep.Elapsed = time.Since(start)
	rep.Swaps = after.Swaps - before.Swaps
	rep.Reads = after.Reads - before.Reads
	rep.Dropped = after.Dropped - before.Dropped
	rep.Resizes = after.Resizes - before.Resizes
	rep.Notified = notified.Load()
	rep.FramesSeen = seen.Load()
	rep.FinalWidth, rep.FinalHeight = r.ctrl.Buffers().Size()
	rep.RSSAfter = rss()
	logger.Info("soak finished",
		"swaps", rep.Swaps,
		"dropped", rep.Dropped,
		"resizes", rep.Resizes,
		"elapsed", rep.Elapsed,
		logging.KeyError, err)
	return rep, err
}

func (r *Runner) negotiate(size [2]int) error {
	_, err := r.out.UpdateOutput(handoff.OutputConfig{Width: size[0], Height: size[1], BitDepth: 8, FullRange: true})
	return err
}

// decode plays the decoder thread: renegotiate when due, start rendering,
// draw, swap.
func (r *Runner) decode(ctx context.Context, interval time.Duration, drawer Drawer) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next := 1
	for frame := 0; frame < r.cfg.Frames; frame++ {
		if r.cfg.ResizeEvery > 0 && frame > 0 && frame%r.cfg.ResizeEvery == 0 {
			if err := r.negotiate(r.sizes[next%len(r.sizes)]); err != nil {
				return fmt.Errorf("frame %d: %w", frame, err)
			}
			next++
		}

		if !r.out.StartRendering(true, nil) {
			return fmt.Errorf("frame %d: start rendering rejected", frame)
		}
		if !r.out.SelectPlane(0) {
			return fmt.Errorf("frame %d: plane 0 rejected", frame)
		}
		if drawer != nil {
			if err := drawer.Draw(frameColor(frame)); err != nil {
				return fmt.Errorf("frame %d: draw: %w", frame, err)
			}
		}
		r.out.StartRendering(false, nil)
		if err := r.out.Swap(); err != nil {
			return fmt.Errorf("frame %d: swap: %w", frame, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// render plays the host render thread until the decoder finishes.
func (r *Runner) render(ctx context.Context, done <-chan struct{}, interval time.Duration, seen *atomic.Uint64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last uintptr
	for {
		r.ctrl.WithVideoFrame(func(view gpu.View, updated bool) {
			if view == nil || !updated {
				return
			}
			if h := view.Handle(); h != last {
				last = h
				seen.Add(1)
			}
		})

		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func frameColor(frame int) gputypes.Color {
	v := float64(frame%256) / 255
	return gputypes.Color{R: v, G: 1 - v, B: 0.5, A: 1}
}

func rss() uint64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Debug("process lookup failed", logging.KeyError, err)
		return 0
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		log.Debug("memory info failed", logging.KeyError, err)
		return 0
	}
	return mem.RSS
}
