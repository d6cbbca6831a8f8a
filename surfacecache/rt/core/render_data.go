package core

import "image"

// AtlasBlit copies Src of one atlas into Dst of another, scaling when the
// sizes differ and mirroring horizontally when FlipX is set.
type AtlasBlit struct {
	Src   image.Rectangle
	Dst   image.Rectangle
	FlipX bool
}

// CardPageRenderData is one page to capture this frame. It lives for one frame.
type CardPageRenderData struct {
	PrimitiveGroupIndex int
	CardIndex           int
	PageTableIndex      int
	ResLevel            int
	CardUVRect          UVRect
	OBB                 OBB
	AxisFlip            bool

	CaptureAtlasRect  image.Rectangle
	PhysicalAtlasRect image.Rectangle

	// Resample pulls the previous resolution's lighting and material history
	// into CaptureAtlasRect.
	Resample []AtlasBlit

	// CopySourceCardIndex is the shared card the page is copied from, or -1
	// when it has to be drawn.
	CopySourceCardIndex int
	Copies              []AtlasBlit
}

func (p *CardPageRenderData) NeedsDraw() bool { return p.CopySourceCardIndex < 0 }
