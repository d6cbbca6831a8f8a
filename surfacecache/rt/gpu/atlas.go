package gpu

import (
	"fmt"
	"image"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/gekko3d/lumen/surfacecache/rt/capture"
)

// AtlasFormat is the texel format of every surface cache layer.
const AtlasFormat = wgpu.TextureFormatRGBA8Unorm

// Atlas holds the persistent and capture textures of every layer. The
// persistent textures are sampled by lighting and written only by copies from
// the capture textures.
type Atlas struct {
	PhysicalSize image.Point
	CaptureSize  image.Point

	Persistent     [capture.NumLayers]*wgpu.Texture
	PersistentView [capture.NumLayers]*wgpu.TextureView
	Capture        [capture.NumLayers]*wgpu.Texture
	CaptureView    [capture.NumLayers]*wgpu.TextureView
}

func (m *Manager) createLayer(label string, size image.Point, usage wgpu.TextureUsage) (*wgpu.Texture, *wgpu.TextureView, error) {
	tex, err := m.Device.CreateTexture(&wgpu.TextureDescriptor{
		Label:         label,
		Size:          wgpu.Extent3D{Width: uint32(size.X), Height: uint32(size.Y), DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        AtlasFormat,
		Usage:         usage,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %w", label, err)
	}
	view, err := tex.CreateView(&wgpu.TextureViewDescriptor{
		Label:           label + " View",
		Format:          AtlasFormat,
		Dimension:       wgpu.TextureViewDimension2D,
		BaseMipLevel:    0,
		MipLevelCount:   1,
		BaseArrayLayer:  0,
		ArrayLayerCount: 1,
		Aspect:          wgpu.TextureAspectAll,
	})
	if err != nil {
		tex.Release()
		return nil, nil, fmt.Errorf("failed to create %s view: %w", label, err)
	}
	return tex, view, nil
}

// SetupPersistent (re)creates the persistent layers. Their contents are lost.
func (m *Manager) SetupPersistent(size image.Point) error {
	a := &m.Atlas
	for l := range a.Persistent {
		releaseLayer(&a.Persistent[l], &a.PersistentView[l])
		tex, view, err := m.createLayer(fmt.Sprintf("SurfaceCache %s", capture.Layer(l)), size,
			wgpu.TextureUsageTextureBinding|wgpu.TextureUsageCopyDst|wgpu.TextureUsageCopySrc)
		if err != nil {
			return err
		}
		a.Persistent[l], a.PersistentView[l] = tex, view
	}
	a.PhysicalSize = size
	m.Backend.invalidateBindGroups()
	return nil
}

// SetupCapture (re)creates the capture layers.
func (m *Manager) SetupCapture(size image.Point) error {
	a := &m.Atlas
	for l := range a.Capture {
		releaseLayer(&a.Capture[l], &a.CaptureView[l])
		tex, view, err := m.createLayer(fmt.Sprintf("SurfaceCache Capture %s", capture.Layer(l)), size,
			wgpu.TextureUsageStorageBinding|wgpu.TextureUsageTextureBinding|wgpu.TextureUsageRenderAttachment|
				wgpu.TextureUsageCopySrc|wgpu.TextureUsageCopyDst)
		if err != nil {
			return err
		}
		a.Capture[l], a.CaptureView[l] = tex, view
	}
	a.CaptureSize = size
	m.Backend.invalidateBindGroups()
	return nil
}

func releaseLayer(tex **wgpu.Texture, view **wgpu.TextureView) {
	if *view != nil {
		(*view).Release()
		*view = nil
	}
	if *tex != nil {
		(*tex).Release()
		*tex = nil
	}
}

func (a *Atlas) release() {
	for l := range a.Persistent {
		releaseLayer(&a.Persistent[l], &a.PersistentView[l])
		releaseLayer(&a.Capture[l], &a.CaptureView[l])
	}
}

func imageCopy(tex *wgpu.Texture, at image.Point) *wgpu.ImageCopyTexture {
	return &wgpu.ImageCopyTexture{
		Texture:  tex,
		MipLevel: 0,
		Origin:   wgpu.Origin3D{X: uint32(at.X), Y: uint32(at.Y), Z: 0},
		Aspect:   wgpu.TextureAspectAll,
	}
}

func extentOf(r image.Rectangle) *wgpu.Extent3D {
	return &wgpu.Extent3D{Width: uint32(r.Dx()), Height: uint32(r.Dy()), DepthOrArrayLayers: 1}
}
