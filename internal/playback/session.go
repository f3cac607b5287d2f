// Package playback simulates the two collaborators of the handoff: a host
// renderer that owns a device and samples the front buffer, and a decoder
// that renders frames and swaps.
package playback

import (
	"fmt"

	"github.com/breeze-rmm/texbridge/internal/gpu"
	"github.com/breeze-rmm/texbridge/internal/handoff"
	"github.com/breeze-rmm/texbridge/internal/logging"
)

var log = logging.L("playback")

// Session plays the host engine: it owns the host device and delivers the
// initialize and shutdown lifecycle events.
type Session struct {
	backend gpu.Backend
	host    gpu.Device
	ctrl    *handoff.Controller
}

func Open(backend gpu.Backend, opts handoff.Options) (*Session, error) {
	host, err := backend.CreateDevice(gpu.DeviceOptions{})
	if err != nil {
		return nil, fmt.Errorf("create host device: %w", err)
	}
	s := &Session{
		backend: backend,
		host:    host,
		ctrl:    handoff.NewController(backend, opts),
	}
	if err := s.ctrl.ProcessDeviceEvent(handoff.EventInitialize, host); err != nil {
		host.Release()
		return nil, err
	}
	return s, nil
}

func (s *Session) Controller() *handoff.Controller { return s.ctrl }
func (s *Session) Host() gpu.Device                { return s.host }
func (s *Session) Backend() gpu.Backend            { return s.backend }

// Close delivers the shutdown event and releases the host device.
func (s *Session) Close() {
	if err := s.ctrl.ProcessDeviceEvent(handoff.EventShutdown, nil); err != nil {
		log.Warn("shutdown event", logging.KeyError, err)
	}
	if s.host != nil {
		s.host.Release()
		s.host = nil
	}
}

// ProbeResult describes one freshly negotiated buffer pair.
type ProbeResult struct {
	Backend     string
	Width       int
	Height      int
	Format      handoff.OutputFormat
	FrontHandle uintptr
	BackHandle  uintptr
	FrontView   uintptr
	BackView    uintptr
}

// Probe negotiates an output of the given size and reports the shared
// handles and views backing the pair.
func (s *Session) Probe(width, height int) (ProbeResult, error) {
	format, err := s.ctrl.UpdateOutput(handoff.OutputConfig{Width: width, Height: height})
	if err != nil {
		return ProbeResult{}, err
	}
	front, back := s.ctrl.Buffers().Buffers()
	if !front.Valid() || !back.Valid() {
		return ProbeResult{}, handoff.ErrNoBuffers
	}
	return ProbeResult{
		Backend:     s.backend.Name(),
		Width:       width,
		Height:      height,
		Format:      format,
		FrontHandle: front.SharedHandle().Value(),
		BackHandle:  back.SharedHandle().Value(),
		FrontView:   front.SampleView().Handle(),
		BackView:    back.SampleView().Handle(),
	}, nil
}
