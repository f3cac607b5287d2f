package handoff

import (
	"fmt"

	"github.com/breeze-rmm/texbridge/internal/gpu"
	"github.com/breeze-rmm/texbridge/internal/logging"
)

// DeviceBridge pairs the host's device with a decoder device created on the
// same backend. The host device is borrowed; the decoder device is owned.
// Callers serialise access (the controller holds the output lock).
type DeviceBridge struct {
	backend gpu.Backend
	debug   bool

	host    gpu.Device
	decoder gpu.Device
}

func NewDeviceBridge(backend gpu.Backend, debug bool) *DeviceBridge {
	return &DeviceBridge{backend: backend, debug: debug}
}

// Initialize creates the decoder device and marks the host device safe for
// use from several threads. Only decoder device creation can fail.
func (b *DeviceBridge) Initialize(host gpu.Device) error {
	if host == nil {
		return ErrNoHostDevice
	}
	if b.decoder != nil {
		return ErrAlreadyInitialized
	}

	decoder, err := b.backend.CreateDevice(gpu.DeviceOptions{VideoSupport: true, Debug: b.debug})
	if err != nil {
		return fmt.Errorf("%s: %w: %w", b.backend.Name(), ErrDeviceCreation, err)
	}

	if mt, ok := host.(gpu.MultithreadProtector); ok {
		if err := mt.SetMultithreadProtected(true); err != nil {
			log.Warn("host device multithread protection failed, continuing",
				logging.KeyBackend, b.backend.Name(),
				logging.KeyError, err)
		}
	} else {
		log.Warn("host device does not support multithread protection, continuing",
			logging.KeyBackend, b.backend.Name())
	}

	b.host = host
	b.decoder = decoder
	log.Info("decoder device created", logging.KeyBackend, b.backend.Name(), "debug", b.debug)
	return nil
}

// Shutdown releases the decoder device and forgets the host device.
// It is a no-op when not initialized.
func (b *DeviceBridge) Shutdown() {
	if b.decoder != nil {
		b.decoder.Release()
		b.decoder = nil
		log.Info("decoder device released", logging.KeyBackend, b.backend.Name())
	}
	b.host = nil
}

func (b *DeviceBridge) Ready() bool         { return b.decoder != nil && b.host != nil }
func (b *DeviceBridge) Host() gpu.Device    { return b.host }
func (b *DeviceBridge) Decoder() gpu.Device { return b.decoder }
func (b *DeviceBridge) Backend() string     { return b.backend.Name() }

func (b *DeviceBridge) DecoderContext() gpu.Context {
	if b.decoder == nil {
		return nil
	}
	return b.decoder.Context()
}
