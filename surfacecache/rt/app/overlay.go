package app

import (
	"fmt"
	"image"
	"image/draw"
	"strings"

	"github.com/gekko3d/lumen"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// OverlayVertex matches the vertex layout of text.wgsl.
type OverlayVertex struct {
	Pos   [2]float32
	UV    [2]float32
	Color [4]float32
}

// OverlayLine is one block of text, X and Y in pixels from the top left.
type OverlayLine struct {
	Text  string
	X, Y  float32
	Scale float32
	Color [4]float32
}

var (
	overlayTitle = [4]float32{1, 1, 0, 1}
	overlayBody  = [4]float32{1, 1, 1, 1}
	overlayWarn  = [4]float32{1, 0.4, 0.3, 1}
)

const (
	overlayColumns = 16
	overlayPadding = 2
	overlayMargin  = 10
	overlaySpacing = 4
)

type glyph struct {
	uvMin, uvMax [2]float32
	// box relative to the pen position on the baseline
	box image.Rectangle
	adv float32
}

// Overlay is the stats HUD of the viewer. Printable ASCII is rasterized once
// into a grid of equal cells; lines queued during a frame become quads.
type Overlay struct {
	Atlas *image.Alpha

	glyphs     map[rune]glyph
	ascent     float32
	lineHeight float32

	lines  []OverlayLine
	cursor float32
}

// NewOverlay parses an OpenType font, nil selects Go Mono.
func NewOverlay(ttf []byte, size float64) (*Overlay, error) {
	if ttf == nil {
		ttf = gomono.TTF
	}
	f, err := opentype.Parse(ttf)
	if err != nil {
		return nil, fmt.Errorf("overlay font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("overlay face: %w", err)
	}
	defer face.Close()

	m := face.Metrics()
	adv, _ := face.GlyphAdvance('M')
	cell := image.Pt(adv.Ceil()+overlayPadding, (m.Ascent+m.Descent).Ceil()+overlayPadding)
	const first, last = ' ', '~'
	rows := (int(last-first) + overlayColumns) / overlayColumns
	atlas := image.NewAlpha(image.Rect(0, 0, overlayColumns*cell.X, rows*cell.Y))
	dim := atlas.Bounds().Size()

	o := &Overlay{
		Atlas:      atlas,
		glyphs:     make(map[rune]glyph, int(last-first)+1),
		ascent:     float32(m.Ascent.Ceil()),
		lineHeight: float32(m.Height.Ceil()),
		cursor:     overlayMargin,
	}
	for r := rune(first); r <= last; r++ {
		// The mask is only valid until the next Glyph call.
		dr, mask, mp, a, ok := face.Glyph(fixed.Point26_6{}, r)
		if !ok {
			continue
		}
		i := int(r - first)
		origin := image.Pt(i%overlayColumns*cell.X, i/overlayColumns*cell.Y)
		dst := image.Rectangle{Min: origin, Max: origin.Add(dr.Size())}.
			Intersect(image.Rectangle{Min: origin, Max: origin.Add(cell)})
		draw.Draw(atlas, dst, mask, mp, draw.Src)

		o.glyphs[r] = glyph{
			uvMin: [2]float32{float32(dst.Min.X) / float32(dim.X), float32(dst.Min.Y) / float32(dim.Y)},
			uvMax: [2]float32{float32(dst.Max.X) / float32(dim.X), float32(dst.Max.Y) / float32(dim.Y)},
			box:   image.Rectangle{Min: dr.Min, Max: dr.Min.Add(dst.Size())},
			adv:   float32(a) / 64,
		}
	}
	return o, nil
}

// Reset drops the lines of the previous frame.
func (o *Overlay) Reset() {
	o.lines = o.lines[:0]
	o.cursor = overlayMargin
}

func (o *Overlay) Lines() []OverlayLine { return o.lines }

// Printf queues text below the previous line.
func (o *Overlay) Printf(color [4]float32, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	o.lines = append(o.lines, OverlayLine{Text: text, X: overlayMargin, Y: o.cursor, Scale: 1, Color: color})
	_, h := o.Measure(text, 1)
	o.cursor += h + overlaySpacing
}

// FrameStats queues the counters of one surface cache update. Dropped work
// is highlighted.
func (o *Overlay) FrameStats(res *lumen.FrameResult, header string, mappedPages int) {
	o.Printf(overlayTitle, "%s  frame %d  pages %d  mapped %d", header, res.Frame, len(res.Pages), mappedPages)

	color := overlayBody
	if res.DeferredAdds > 0 || res.DeferredRemoves > 0 {
		color = overlayWarn
	}
	o.Printf(color, "culled %d  adds %d (+%d)  removes %d (+%d)  resolution %d  hidden %d",
		res.Culled, res.Adds, res.DeferredAdds, res.Removes, res.DeferredRemoves, res.ResolutionChanges, res.Hidden)

	st := res.Schedule
	color = overlayBody
	if st.LockedDropped > 0 || st.HiResDropped > 0 {
		color = overlayWarn
	}
	o.Printf(color, "admitted %d/%d  locked %d (dropped %d, step-downs %d, streaming %d)  hi-res %d (dropped %d)",
		st.Admitted, st.Requested, st.LockedAllocated, st.LockedDropped, st.StepDowns, st.StreamingSkipped,
		st.HiResMapped, st.HiResDropped)
	o.Printf(overlayBody, "recapture %d  refresh %d (+%d new)  evicted %d+%d  shared %d",
		st.Recaptured, st.Refreshed, st.NeverCaptured, st.Evicted, st.SafetyNetEvicted, st.SharedCopies)
}

// Vertices returns two clip space triangles per glyph of every queued line.
func (o *Overlay) Vertices(screenW, screenH int) []OverlayVertex {
	n := 0
	for _, l := range o.lines {
		n += len(l.Text)
	}
	out := make([]OverlayVertex, 0, 6*n)
	sx, sy := 2/float32(screenW), 2/float32(screenH)

	for _, l := range o.lines {
		for row, text := range strings.Split(l.Text, "\n") {
			penX := l.X
			penY := l.Y + (o.ascent+float32(row)*o.lineHeight)*l.Scale
			for _, r := range text {
				g, ok := o.glyphs[r]
				if !ok {
					continue
				}
				if !g.box.Empty() {
					x0 := (penX+float32(g.box.Min.X)*l.Scale)*sx - 1
					x1 := (penX+float32(g.box.Max.X)*l.Scale)*sx - 1
					y0 := 1 - (penY+float32(g.box.Min.Y)*l.Scale)*sy
					y1 := 1 - (penY+float32(g.box.Max.Y)*l.Scale)*sy
					out = appendQuad(out, [4]float32{x0, y0, x1, y1}, g, l.Color)
				}
				penX += g.adv * l.Scale
			}
		}
	}
	return out
}

func appendQuad(out []OverlayVertex, pos [4]float32, g glyph, color [4]float32) []OverlayVertex {
	tl := OverlayVertex{Pos: [2]float32{pos[0], pos[1]}, UV: g.uvMin, Color: color}
	tr := OverlayVertex{Pos: [2]float32{pos[2], pos[1]}, UV: [2]float32{g.uvMax[0], g.uvMin[1]}, Color: color}
	bl := OverlayVertex{Pos: [2]float32{pos[0], pos[3]}, UV: [2]float32{g.uvMin[0], g.uvMax[1]}, Color: color}
	br := OverlayVertex{Pos: [2]float32{pos[2], pos[3]}, UV: g.uvMax, Color: color}
	return append(out, tl, tr, bl, tr, br, bl)
}

// Measure returns the pixel size of text at scale.
func (o *Overlay) Measure(text string, scale float32) (w, h float32) {
	rows := strings.Split(text, "\n")
	for _, row := range rows {
		var rw float32
		for _, r := range row {
			rw += o.glyphs[r].adv
		}
		w = max(w, rw*scale)
	}
	return w, o.lineHeight * scale * float32(len(rows))
}
