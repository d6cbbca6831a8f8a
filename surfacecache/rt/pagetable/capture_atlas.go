package pagetable

import (
	"errors"
	"image"
)

var ErrAtlasFull = errors.New("surfacecache: capture atlas is full")

type shelf struct {
	y      int
	height int
	nextX  int
}

// CaptureAtlas packs this frame's capture rectangles into the transient
// capture atlas with a shelf allocator. It is reset every frame.
type CaptureAtlas struct {
	size    image.Point
	shelves []shelf
	used    int
}

func NewCaptureAtlas(size image.Point) *CaptureAtlas {
	return &CaptureAtlas{size: size}
}

func (a *CaptureAtlas) Size() image.Point { return a.size }

func (a *CaptureAtlas) Reset() {
	a.shelves = a.shelves[:0]
	a.used = 0
}

// Resize drops all allocations.
func (a *CaptureAtlas) Resize(size image.Point) {
	a.size = size
	a.Reset()
}

func (a *CaptureAtlas) UsedArea() int { return a.used }

// Allocate places a w x h rectangle on the first shelf it fits, opening a new
// shelf below the last one otherwise.
func (a *CaptureAtlas) Allocate(size image.Point) (image.Rectangle, error) {
	if size.X <= 0 || size.Y <= 0 || size.X > a.size.X || size.Y > a.size.Y {
		return image.Rectangle{}, ErrAtlasFull
	}

	for i := range a.shelves {
		s := &a.shelves[i]
		if s.nextX+size.X > a.size.X || size.Y > s.height {
			continue
		}
		r := image.Rect(s.nextX, s.y, s.nextX+size.X, s.y+size.Y)
		s.nextX += size.X
		a.used += size.X * size.Y
		return r, nil
	}

	y := 0
	if n := len(a.shelves); n > 0 {
		y = a.shelves[n-1].y + a.shelves[n-1].height
	}
	if y+size.Y > a.size.Y {
		return image.Rectangle{}, ErrAtlasFull
	}
	a.shelves = append(a.shelves, shelf{y: y, height: size.Y, nextX: size.X})
	a.used += size.X * size.Y
	return image.Rect(0, y, size.X, y+size.Y), nil
}

// CanAllocate is a dry run for allocating every size in order.
func (a *CaptureAtlas) CanAllocate(sizes ...image.Point) bool {
	dry := CaptureAtlas{size: a.size, shelves: append([]shelf(nil), a.shelves...), used: a.used}
	for _, s := range sizes {
		if _, err := dry.Allocate(s); err != nil {
			return false
		}
	}
	return true
}

// CanEverAllocate reports whether the sizes fit in the atlas when it is empty.
func (a *CaptureAtlas) CanEverAllocate(sizes ...image.Point) bool {
	empty := CaptureAtlas{size: a.size}
	return empty.CanAllocate(sizes...)
}
