package capture

import (
	"image"
	"image/color"

	"github.com/gekko3d/lumen/surfacecache/rt/core"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// CardPainter renders one material layer of a page. It stands in for the mesh
// draws of the card capture pass.
type CardPainter interface {
	PaintCard(layer Layer, page *core.CardPageRenderData, dst xdraw.Image, rect image.Rectangle)
}

type CardPainterFunc func(layer Layer, page *core.CardPageRenderData, dst xdraw.Image, rect image.Rectangle)

func (f CardPainterFunc) PaintCard(layer Layer, page *core.CardPageRenderData, dst xdraw.Image, rect image.Rectangle) {
	f(layer, page, dst, rect)
}

// FlatPainter fills albedo with a per-card color and normal with the card's
// facing axis.
var FlatPainter = CardPainterFunc(func(layer Layer, page *core.CardPageRenderData, dst xdraw.Image, rect image.Rectangle) {
	var c color.Color
	switch layer {
	case LayerAlbedo:
		h := uint32(page.CardIndex)*2654435761 + uint32(page.PrimitiveGroupIndex)*40503
		c = color.RGBA{R: uint8(h>>24) | 0x40, G: uint8(h>>16) | 0x40, B: uint8(h>>8) | 0x40, A: 0xff}
	case LayerNormal:
		n := page.OBB.Axes[2]
		if page.AxisFlip {
			n = n.Mul(-1)
		}
		c = color.RGBA{R: uint8((n.X()*0.5 + 0.5) * 255), G: uint8((n.Y()*0.5 + 0.5) * 255), B: uint8((n.Z()*0.5 + 0.5) * 255), A: 0xff}
	default:
		return
	}
	xdraw.Draw(dst, rect, image.NewUniform(c), image.Point{}, xdraw.Src)
})

// SoftwareBackend keeps every atlas layer in memory and runs the capture
// frame on the CPU. Used headless and in tests.
type SoftwareBackend struct {
	Persistent [NumLayers]*image.RGBA
	Capture    [NumLayers]*image.RGBA

	Painter      CardPainter
	Interpolator xdraw.Interpolator

	frame uint32
}

var _ Resizer = (*SoftwareBackend)(nil)

func NewSoftwareBackend(physicalSize, captureSize image.Point, painter CardPainter) *SoftwareBackend {
	b := &SoftwareBackend{Painter: painter, Interpolator: xdraw.BiLinear}
	if b.Painter == nil {
		b.Painter = FlatPainter
	}
	for l := range b.Persistent {
		b.Persistent[l] = image.NewRGBA(image.Rectangle{Max: physicalSize})
		b.Capture[l] = image.NewRGBA(image.Rectangle{Max: captureSize})
	}
	return b
}

// ResizeCapture reallocates the capture atlas layers.
func (b *SoftwareBackend) ResizeCapture(size image.Point) {
	for l := range b.Capture {
		if b.Capture[l].Rect.Size() != size {
			b.Capture[l] = image.NewRGBA(image.Rectangle{Max: size})
		}
	}
}

// ResizePersistent drops the persistent contents.
func (b *SoftwareBackend) ResizePersistent(size image.Point) {
	for l := range b.Persistent {
		b.Persistent[l] = image.NewRGBA(image.Rectangle{Max: size})
	}
}

func (b *SoftwareBackend) Resize(physical, capture image.Point) error {
	if b.Persistent[0].Rect.Size() != physical {
		b.ResizePersistent(physical)
	}
	b.ResizeCapture(capture)
	return nil
}

func (b *SoftwareBackend) Frame() uint32 { return b.frame }

func (b *SoftwareBackend) BeginFrame(frame uint32) error {
	b.frame = frame
	return nil
}

func (b *SoftwareBackend) EndFrame() error { return nil }

func (b *SoftwareBackend) ClearCaptureRects(rects []image.Rectangle) error {
	for _, img := range b.Capture {
		for _, r := range rects {
			xdraw.Draw(img, r, image.Transparent, image.Point{}, xdraw.Src)
		}
	}
	return nil
}

func (b *SoftwareBackend) Resample(layers []Layer, blits []core.AtlasBlit) error {
	for _, l := range layers {
		for _, bl := range blits {
			b.blit(b.Capture[l], b.Persistent[l], bl)
		}
	}
	return nil
}

func (b *SoftwareBackend) CopyShared(blits []core.AtlasBlit) error {
	return b.Resample(AllLayers, blits)
}

func (b *SoftwareBackend) DrawCards(pages []core.CardPageRenderData) error {
	for i := range pages {
		for _, l := range MaterialLayers {
			dst := b.Capture[l].SubImage(pages[i].CaptureAtlasRect).(*image.RGBA)
			b.Painter.PaintCard(l, &pages[i], dst, pages[i].CaptureAtlasRect)
		}
	}
	return nil
}

func (b *SoftwareBackend) CopyToPersistent(blits []core.AtlasBlit) error {
	for l := range b.Persistent {
		for _, bl := range blits {
			b.blit(b.Persistent[l], b.Capture[l], bl)
		}
	}
	return nil
}

// blit scales bl.Src of src onto bl.Dst of dst, mirrored horizontally when
// bl.FlipX is set. Writes never leave bl.Dst.
func (b *SoftwareBackend) blit(dst, src *image.RGBA, bl core.AtlasBlit) {
	if bl.Src.Empty() || bl.Dst.Empty() {
		return
	}
	target := dst.SubImage(bl.Dst).(*image.RGBA)
	switch {
	case !bl.FlipX && bl.Src.Size() == bl.Dst.Size():
		xdraw.Copy(target, bl.Dst.Min, src, bl.Src, xdraw.Src, nil)
	case !bl.FlipX:
		b.Interpolator.Scale(target, bl.Dst, src, bl.Src, xdraw.Src, nil)
	default:
		sx := float64(bl.Dst.Dx()) / float64(bl.Src.Dx())
		sy := float64(bl.Dst.Dy()) / float64(bl.Src.Dy())
		m := f64.Aff3{
			-sx, 0, float64(bl.Dst.Max.X) + float64(bl.Src.Min.X)*sx,
			0, sy, float64(bl.Dst.Min.Y) - float64(bl.Src.Min.Y)*sy,
		}
		b.Interpolator.Transform(target, m, src, bl.Src, xdraw.Src, nil)
	}
}
