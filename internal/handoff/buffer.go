package handoff

import (
	"github.com/gogpu/gputypes"

	"github.com/breeze-rmm/texbridge/internal/gpu"
	"github.com/breeze-rmm/texbridge/internal/logging"
)

// sharedUsage lets the host sample the image and the decoder render into it.
const sharedUsage = gputypes.TextureUsageTextureBinding | gputypes.TextureUsageRenderAttachment

// TextureBuffer is one GPU image visible to both devices: the host samples
// it through hostSampleView, the decoder renders into the same memory
// through decoderWriteView.
type TextureBuffer struct {
	hostImage        gpu.Texture
	hostSampleView   gpu.View
	decoderWriteView gpu.View
	sharedHandle     gpu.SharedHandle
	width            int
	height           int
}

// newTextureBuffer creates the host image, exports it, opens it on the
// decoder device and creates one view per side. On failure everything
// created so far is released.
func newTextureBuffer(host, decoder gpu.Device, width, height int) (*TextureBuffer, error) {
	b := &TextureBuffer{width: width, height: height}

	img, err := host.CreateTexture(gpu.TextureDesc{
		Width:  width,
		Height: height,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  sharedUsage,
		Shared: true,
	})
	if err != nil {
		return nil, gpuError("create host image", err)
	}
	b.hostImage = img

	if b.sharedHandle, err = img.ExportSharedHandle(); err != nil {
		b.Release()
		return nil, gpuError("export shared handle", err)
	}

	opened, err := decoder.OpenSharedTexture(b.sharedHandle)
	if err != nil {
		b.Release()
		return nil, gpuError("open shared texture", err)
	}
	// The write view keeps its own reference to the opened texture.
	defer opened.Release()

	if b.hostSampleView, err = host.CreateSampleView(img); err != nil {
		b.Release()
		return nil, gpuError("create sample view", err)
	}
	if b.decoderWriteView, err = decoder.CreateRenderTargetView(opened); err != nil {
		b.Release()
		return nil, gpuError("create render target view", err)
	}
	return b, nil
}

// Valid reports whether both views exist.
func (b *TextureBuffer) Valid() bool {
	return b != nil && b.hostSampleView != nil && b.decoderWriteView != nil
}

func (b *TextureBuffer) SampleView() gpu.View           { return b.hostSampleView }
func (b *TextureBuffer) WriteView() gpu.View            { return b.decoderWriteView }
func (b *TextureBuffer) SharedHandle() gpu.SharedHandle { return b.sharedHandle }
func (b *TextureBuffer) Size() (int, int)               { return b.width, b.height }

// Release frees views, then the image, then closes the shared handle.
// Safe to call more than once.
func (b *TextureBuffer) Release() {
	if b == nil {
		return
	}
	if b.decoderWriteView != nil {
		b.decoderWriteView.Release()
		b.decoderWriteView = nil
	}
	if b.hostSampleView != nil {
		b.hostSampleView.Release()
		b.hostSampleView = nil
	}
	if b.hostImage != nil {
		b.hostImage.Release()
		b.hostImage = nil
	}
	if b.sharedHandle != nil {
		if err := b.sharedHandle.Close(); err != nil {
			log.Warn("closing shared handle",
				logging.KeyHandle, b.sharedHandle.Value(),
				logging.KeyError, err)
		}
		b.sharedHandle = nil
	}
}
