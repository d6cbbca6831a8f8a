package gpu

import (
	"fmt"
	"image"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/gekko3d/lumen/surfacecache/rt/capture"
	"github.com/gekko3d/lumen/surfacecache/rt/core"
)

const (
	// BlitStride is the size of one resample blit in the blit buffer.
	BlitStride = 48
	// Storage buffer bindings must start on this boundary.
	storageOffsetAlignment = 256
	// Rows of a buffer to texture copy must be aligned to this.
	copyRowAlignment  = 256
	resampleGroupSize = 8
)

// MeshDrawer renders the material layers of pages into their capture rects.
type MeshDrawer interface {
	DrawCards(enc *wgpu.CommandEncoder, atlas *Atlas, pages []core.CardPageRenderData) error
}

type opKind int

const (
	opResample opKind = iota
	opStage
	opDraw
	opPersist
)

// frameOp is one recorded capture step. Steps are encoded in order at
// EndFrame, once the per-frame buffers have been uploaded.
type frameOp struct {
	kind opKind

	// opResample
	layers     []capture.Layer
	blitOffset int
	blitCount  int
	groups     image.Point

	// opStage
	layer         capture.Layer
	stagingOffset int
	bytesPerRow   int
	rect          image.Rectangle

	// opDraw
	pages []core.CardPageRenderData

	// opPersist
	blits []core.AtlasBlit
}

// Backend runs capture frames on the GPU. Material draws go to Drawer when
// set; otherwise Painter rasterizes pages on the CPU and they are staged into
// the capture atlas in command order.
type Backend struct {
	m *Manager

	Drawer  MeshDrawer
	Painter capture.CardPainter

	ResamplePipeline *wgpu.ComputePipeline
	BlitBuf          *wgpu.Buffer
	layerBindGroups  map[capture.Layer]*wgpu.BindGroup

	frame   uint32
	ops     []frameOp
	blits   []byte
	staging []byte
}

var (
	_ capture.Backend = (*Backend)(nil)
	_ capture.Resizer = (*Backend)(nil)
)

func newBackend(m *Manager) *Backend {
	return &Backend{
		m:               m,
		Painter:         capture.FlatPainter,
		layerBindGroups: make(map[capture.Layer]*wgpu.BindGroup),
	}
}

// CreateResamplePipeline compiles the resample compute shader.
func (b *Backend) CreateResamplePipeline(shaderCode string) error {
	module, err := b.m.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "SurfaceCacheResample",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaderCode},
	})
	if err != nil {
		return fmt.Errorf("failed to create resample shader module: %w", err)
	}
	defer module.Release()

	b.ResamplePipeline, err = b.m.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: "SurfaceCacheResamplePipeline",
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create resample pipeline: %w", err)
	}
	return nil
}

func (b *Backend) invalidateBindGroups() {
	for k, bg := range b.layerBindGroups {
		bg.Release()
		delete(b.layerBindGroups, k)
	}
}

func (b *Backend) Resize(physical, captureSize image.Point) error {
	return b.m.Resize(physical, captureSize)
}

func (b *Backend) BeginFrame(frame uint32) error {
	b.frame = frame
	b.ops = b.ops[:0]
	b.blits = b.blits[:0]
	b.staging = b.staging[:0]
	return nil
}

// ClearCaptureRects zeroes the rects through the queue. Queue writes land
// before the frame's command buffer.
func (b *Backend) ClearCaptureRects(rects []image.Rectangle) error {
	var zero []byte
	for _, r := range rects {
		if r.Empty() {
			continue
		}
		n := r.Dx() * r.Dy() * 4
		if len(zero) < n {
			zero = make([]byte, n)
		}
		for l := range b.m.Atlas.Capture {
			err := b.m.Queue.WriteTexture(imageCopy(b.m.Atlas.Capture[l], r.Min), zero[:n],
				&wgpu.TextureDataLayout{Offset: 0, BytesPerRow: uint32(r.Dx() * 4), RowsPerImage: uint32(r.Dy())},
				extentOf(r))
			if err != nil {
				return fmt.Errorf("clear %s %v: %w", capture.Layer(l), r, err)
			}
		}
	}
	return nil
}

// Resample records a compute pass per layer from the persistent atlas into
// the capture atlas.
func (b *Backend) Resample(layers []capture.Layer, blits []core.AtlasBlit) error {
	if len(blits) == 0 {
		return nil
	}
	if b.ResamplePipeline == nil {
		return fmt.Errorf("resample pipeline not created")
	}
	for len(b.blits)%storageOffsetAlignment != 0 {
		b.blits = append(b.blits, 0)
	}
	offset := len(b.blits)
	b.blits = AppendBlits(b.blits, blits)
	b.ops = append(b.ops, frameOp{
		kind:       opResample,
		layers:     layers,
		blitOffset: offset,
		blitCount:  len(blits),
		groups:     DispatchGroups(blits),
	})
	return nil
}

func (b *Backend) CopyShared(blits []core.AtlasBlit) error {
	return b.Resample(capture.AllLayers, blits)
}

func (b *Backend) DrawCards(pages []core.CardPageRenderData) error {
	if b.Drawer != nil {
		b.ops = append(b.ops, frameOp{kind: opDraw, pages: append([]core.CardPageRenderData(nil), pages...)})
		return nil
	}
	for i := range pages {
		r := pages[i].CaptureAtlasRect
		if r.Empty() {
			continue
		}
		for _, l := range capture.MaterialLayers {
			img := image.NewRGBA(r)
			b.Painter.PaintCard(l, &pages[i], img, r)
			var rowBytes int
			b.staging, rowBytes = AppendStaging(b.staging, img)
			b.ops = append(b.ops, frameOp{
				kind:          opStage,
				layer:         l,
				stagingOffset: len(b.staging) - rowBytes*r.Dy(),
				bytesPerRow:   rowBytes,
				rect:          r,
			})
		}
	}
	return nil
}

func (b *Backend) CopyToPersistent(blits []core.AtlasBlit) error {
	b.ops = append(b.ops, frameOp{kind: opPersist, blits: append([]core.AtlasBlit(nil), blits...)})
	return nil
}

// EndFrame uploads the frame's blit and staging data, encodes every recorded
// step and submits.
func (b *Backend) EndFrame() error {
	if len(b.ops) == 0 {
		return nil
	}
	if len(b.blits) > 0 {
		recreated, err := b.m.ensureBuffer("SurfaceCacheBlits", &b.BlitBuf, b.blits, wgpu.BufferUsageStorage, HeadroomBlits)
		if err != nil {
			return err
		}
		if recreated {
			b.invalidateBindGroups()
		}
	}

	var staging *wgpu.Buffer
	if len(b.staging) > 0 {
		var err error
		staging, err = b.m.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
			Label:    "SurfaceCacheStaging",
			Contents: b.staging,
			Usage:    wgpu.BufferUsageCopySrc,
		})
		if err != nil {
			return fmt.Errorf("failed to create staging buffer: %w", err)
		}
		defer staging.Release()
	}

	encoder, err := b.m.Device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("failed to create capture encoder: %w", err)
	}
	atlas := &b.m.Atlas
	for i := range b.ops {
		op := &b.ops[i]
		switch op.kind {
		case opResample:
			if err := b.encodeResample(encoder, op); err != nil {
				return err
			}
		case opStage:
			encoder.CopyBufferToTexture(
				&wgpu.ImageCopyBuffer{
					Buffer: staging,
					Layout: wgpu.TextureDataLayout{
						Offset:       uint64(op.stagingOffset),
						BytesPerRow:  uint32(op.bytesPerRow),
						RowsPerImage: uint32(op.rect.Dy()),
					},
				},
				imageCopy(atlas.Capture[op.layer], op.rect.Min),
				extentOf(op.rect),
			)
		case opDraw:
			if err := b.Drawer.DrawCards(encoder, atlas, op.pages); err != nil {
				return fmt.Errorf("mesh draw: %w", err)
			}
		case opPersist:
			for l := range atlas.Persistent {
				for _, bl := range op.blits {
					if bl.Src.Empty() || bl.Src.Size() != bl.Dst.Size() {
						continue
					}
					encoder.CopyTextureToTexture(
						imageCopy(atlas.Capture[l], bl.Src.Min),
						imageCopy(atlas.Persistent[l], bl.Dst.Min),
						extentOf(bl.Src),
					)
				}
			}
		}
	}

	cmd, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("failed to finish capture encoder: %w", err)
	}
	b.m.Queue.Submit(cmd)
	return nil
}

func (b *Backend) encodeResample(encoder *wgpu.CommandEncoder, op *frameOp) error {
	blitsBG, err := b.m.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "SurfaceCacheBlits",
		Layout: b.ResamplePipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: b.BlitBuf, Offset: uint64(op.blitOffset), Size: uint64(op.blitCount * BlitStride)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create blit bind group: %w", err)
	}
	defer blitsBG.Release()

	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(b.ResamplePipeline)
	pass.SetBindGroup(0, blitsBG, nil)
	for _, l := range op.layers {
		bg, err := b.layerBindGroup(l)
		if err != nil {
			pass.End()
			return err
		}
		pass.SetBindGroup(1, bg, nil)
		pass.DispatchWorkgroups(uint32(op.groups.X), uint32(op.groups.Y), uint32(op.blitCount))
	}
	pass.End()
	return nil
}

// layerBindGroup binds the persistent layer as source and the capture layer
// as destination.
func (b *Backend) layerBindGroup(l capture.Layer) (*wgpu.BindGroup, error) {
	if bg, ok := b.layerBindGroups[l]; ok {
		return bg, nil
	}
	bg, err := b.m.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  fmt.Sprintf("SurfaceCacheResample %s", l),
		Layout: b.ResamplePipeline.GetBindGroupLayout(1),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, TextureView: b.m.Atlas.PersistentView[l]},
			{Binding: 1, TextureView: b.m.Atlas.CaptureView[l]},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resample bind group for %s: %w", l, err)
	}
	b.layerBindGroups[l] = bg
	return bg, nil
}

func (b *Backend) release() {
	b.invalidateBindGroups()
	if b.BlitBuf != nil {
		b.BlitBuf.Release()
		b.BlitBuf = nil
	}
	if b.ResamplePipeline != nil {
		b.ResamplePipeline.Release()
		b.ResamplePipeline = nil
	}
}

// AppendBlits packs blits in the layout of the resample shader's Blit struct.
func AppendBlits(dst []byte, blits []core.AtlasBlit) []byte {
	for _, bl := range blits {
		var rec [BlitStride]byte
		putF32(rec[:], 0, float32(bl.Src.Min.X))
		putF32(rec[:], 4, float32(bl.Src.Min.Y))
		putF32(rec[:], 8, float32(bl.Src.Max.X))
		putF32(rec[:], 12, float32(bl.Src.Max.Y))
		putU32(rec[:], 16, uint32(int32(bl.Dst.Min.X)))
		putU32(rec[:], 20, uint32(int32(bl.Dst.Min.Y)))
		putU32(rec[:], 24, uint32(int32(bl.Dst.Max.X)))
		putU32(rec[:], 28, uint32(int32(bl.Dst.Max.Y)))
		putU32(rec[:], 32, boolBit(bl.FlipX, 1))
		dst = append(dst, rec[:]...)
	}
	return dst
}

// DispatchGroups covers the largest destination rect of blits.
func DispatchGroups(blits []core.AtlasBlit) image.Point {
	var size image.Point
	for _, bl := range blits {
		size.X = max(size.X, bl.Dst.Dx())
		size.Y = max(size.Y, bl.Dst.Dy())
	}
	return image.Pt((size.X+resampleGroupSize-1)/resampleGroupSize, (size.Y+resampleGroupSize-1)/resampleGroupSize)
}

// AppendStaging appends img row by row with rows padded to the copy
// alignment and returns the padded row size.
func AppendStaging(dst []byte, img *image.RGBA) ([]byte, int) {
	r := img.Bounds()
	row := r.Dx() * 4
	padded := (row + copyRowAlignment - 1) &^ (copyRowAlignment - 1)
	for len(dst)%copyRowAlignment != 0 {
		dst = append(dst, 0)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		start := img.PixOffset(r.Min.X, y)
		dst = append(dst, img.Pix[start:start+row]...)
		for i := row; i < padded; i++ {
			dst = append(dst, 0)
		}
	}
	return dst, padded
}
