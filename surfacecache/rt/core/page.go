package core

import (
	"image"

	"github.com/go-gl/mathgl/mgl32"
)

// UVRect is a rectangle in card space, [0,1] on both axes.
type UVRect struct {
	Min mgl32.Vec2
	Max mgl32.Vec2
}

func NewUVRect(u0, v0, u1, v1 float32) UVRect {
	return UVRect{Min: mgl32.Vec2{u0, v0}, Max: mgl32.Vec2{u1, v1}}
}

func (r UVRect) Empty() bool {
	return r.Min.X() >= r.Max.X() || r.Min.Y() >= r.Max.Y()
}

func (r UVRect) Intersect(o UVRect) UVRect {
	return NewUVRect(
		max(r.Min.X(), o.Min.X()), max(r.Min.Y(), o.Min.Y()),
		min(r.Max.X(), o.Max.X()), min(r.Max.Y(), o.Max.Y()),
	)
}

// FlipX mirrors the rectangle around u = 0.5.
func (r UVRect) FlipX() UVRect {
	return NewUVRect(1-r.Max.X(), r.Min.Y(), 1-r.Min.X(), r.Max.Y())
}

// SubRect maps sub, expressed in the same card space as full, onto the texel
// rectangle px that full occupies.
func SubRect(px image.Rectangle, full, sub UVRect) image.Rectangle {
	w := full.Max.X() - full.Min.X()
	h := full.Max.Y() - full.Min.Y()
	if w <= 0 || h <= 0 {
		return image.Rectangle{}
	}
	fx := float32(px.Dx())
	fy := float32(px.Dy())
	x0 := px.Min.X + int(mgl32.Round((sub.Min.X()-full.Min.X())/w*fx, 0))
	x1 := px.Min.X + int(mgl32.Round((sub.Max.X()-full.Min.X())/w*fx, 0))
	y0 := px.Min.Y + int(mgl32.Round((sub.Min.Y()-full.Min.Y())/h*fy, 0))
	y1 := px.Min.Y + int(mgl32.Round((sub.Max.Y()-full.Min.Y())/h*fy, 0))
	return image.Rect(x0, y0, x1, y1).Intersect(px)
}

// PageTableEntry is one virtual page of a card mip.
type PageTableEntry struct {
	CardIndex      int
	ResLevel       int
	LocalPageIndex int
	CardUVRect     UVRect
	// PageResolution is the texel size of the page, smaller than a physical
	// page for sub-allocations.
	PageResolution image.Point
	Locked         bool

	Mapped            bool
	PhysicalPageCoord image.Point
	PhysicalAtlasRect image.Rectangle
	LastUsedFrame     uint32
	// CapturedFrame is the last frame any GPU captured the page, 0 if never.
	CapturedFrame uint32
}

func (e *PageTableEntry) IsMapped() bool { return e.Mapped }

func (e *PageTableEntry) IsSubAllocation() bool {
	return e.PageResolution.X < PhysicalPageSize || e.PageResolution.Y < PhysicalPageSize
}
