package pagetable

import (
	"fmt"
	"image"
	"sort"
	"strings"

	"github.com/gekko3d/lumen/surfacecache/rt/core"
)

// PhysicalAddress is a mapped page in the physical atlas.
type PhysicalAddress struct {
	PageCoord image.Point
	Rect      image.Rectangle
}

type binPage struct {
	coord   image.Point
	used    []bool
	numUsed int
}

// subBin packs equally sized sub-page allocations into whole pages.
type subBin struct {
	size     image.Point
	perPageX int
	perPageY int
	pages    []*binPage
}

func (b *subBin) elementsPerPage() int { return b.perPageX * b.perPageY }

// PhysicalAllocator hands out fixed size physical pages from a LIFO free list
// and packs allocations smaller than a page into per-size bins. Freeing
// exactly what was allocated, in reverse order, restores the previous state.
type PhysicalAllocator struct {
	pagesX, pagesY int
	freePages      []image.Point
	bins           []*subBin
}

func NewPhysicalAllocator(pagesX, pagesY int) *PhysicalAllocator {
	a := &PhysicalAllocator{pagesX: pagesX, pagesY: pagesY}
	a.Reset()
	return a
}

// Reset frees every page. Pages are handed out in row-major order.
func (a *PhysicalAllocator) Reset() {
	a.freePages = a.freePages[:0]
	for y := a.pagesY - 1; y >= 0; y-- {
		for x := a.pagesX - 1; x >= 0; x-- {
			a.freePages = append(a.freePages, image.Pt(x, y))
		}
	}
	a.bins = a.bins[:0]
}

func (a *PhysicalAllocator) NumPages() int { return a.pagesX * a.pagesY }

// SizeInPages is the atlas size in pages.
func (a *PhysicalAllocator) SizeInPages() image.Point { return image.Pt(a.pagesX, a.pagesY) }
func (a *PhysicalAllocator) NumFreePages() int        { return len(a.freePages) }

func isFullPage(size image.Point) bool {
	return size.X >= core.PhysicalPageSize && size.Y >= core.PhysicalPageSize
}

func (a *PhysicalAllocator) bin(size image.Point, create bool) *subBin {
	for _, b := range a.bins {
		if b.size == size {
			return b
		}
	}
	if !create {
		return nil
	}
	b := &subBin{
		size:     size,
		perPageX: core.PhysicalPageSize / size.X,
		perPageY: core.PhysicalPageSize / size.Y,
	}
	a.bins = append(a.bins, b)
	return b
}

func (a *PhysicalAllocator) popPage() (image.Point, bool) {
	n := len(a.freePages)
	if n == 0 {
		return image.Point{}, false
	}
	p := a.freePages[n-1]
	a.freePages = a.freePages[:n-1]
	return p, true
}

func pageRect(coord image.Point) image.Rectangle {
	origin := coord.Mul(core.PhysicalPageSize)
	return image.Rectangle{Min: origin, Max: origin.Add(image.Pt(core.PhysicalPageSize, core.PhysicalPageSize))}
}

// Allocate reserves space for a page of the given texel size.
func (a *PhysicalAllocator) Allocate(size image.Point) (PhysicalAddress, bool) {
	if size.X <= 0 || size.Y <= 0 {
		return PhysicalAddress{}, false
	}
	if isFullPage(size) {
		coord, ok := a.popPage()
		if !ok {
			return PhysicalAddress{}, false
		}
		return PhysicalAddress{PageCoord: coord, Rect: pageRect(coord)}, true
	}

	b := a.bin(size, true)
	for _, p := range b.pages {
		if p.numUsed < len(p.used) {
			return b.take(p), true
		}
	}
	coord, ok := a.popPage()
	if !ok {
		return PhysicalAddress{}, false
	}
	p := &binPage{coord: coord, used: make([]bool, b.elementsPerPage())}
	b.pages = append(b.pages, p)
	return b.take(p), true
}

// take claims the lowest free element of p.
func (b *subBin) take(p *binPage) PhysicalAddress {
	for i, used := range p.used {
		if used {
			continue
		}
		p.used[i] = true
		p.numUsed++
		off := image.Pt((i%b.perPageX)*b.size.X, (i/b.perPageX)*b.size.Y)
		origin := p.coord.Mul(core.PhysicalPageSize).Add(off)
		return PhysicalAddress{PageCoord: p.coord, Rect: image.Rectangle{Min: origin, Max: origin.Add(b.size)}}
	}
	panic("pagetable: take on a full bin page")
}

func (a *PhysicalAllocator) Free(addr PhysicalAddress, size image.Point) {
	if isFullPage(size) {
		a.freePages = append(a.freePages, addr.PageCoord)
		return
	}
	b := a.bin(size, false)
	if b == nil {
		return
	}
	for pi, p := range b.pages {
		if p.coord != addr.PageCoord {
			continue
		}
		local := addr.Rect.Min.Sub(p.coord.Mul(core.PhysicalPageSize))
		i := (local.Y/b.size.Y)*b.perPageX + local.X/b.size.X
		if i < 0 || i >= len(p.used) || !p.used[i] {
			return
		}
		p.used[i] = false
		p.numUsed--
		if p.numUsed == 0 {
			b.pages = append(b.pages[:pi], b.pages[pi+1:]...)
			a.freePages = append(a.freePages, p.coord)
		}
		return
	}
}

// CanAllocate reports whether n pages of the given size fit right now.
func (a *PhysicalAllocator) CanAllocate(size image.Point, n int) bool {
	if n <= 0 {
		return true
	}
	if isFullPage(size) {
		return len(a.freePages) >= n
	}
	free := 0
	if b := a.bin(size, false); b != nil {
		for _, p := range b.pages {
			free += len(p.used) - p.numUsed
		}
	}
	if free >= n {
		return true
	}
	perPage := (core.PhysicalPageSize / size.X) * (core.PhysicalPageSize / size.Y)
	needPages := (n - free + perPage - 1) / perPage
	return len(a.freePages) >= needPages
}

// IsSpaceAvailable is the dry run for mapping a card mip: every page, or a
// single page when singlePage is set.
func (a *PhysicalAllocator) IsSpaceAvailable(desc core.MipMapDesc, singlePage bool) bool {
	n := desc.NumPages()
	if singlePage {
		n = 1
	}
	return a.CanAllocate(desc.PageResolution, n)
}

// State is a printable snapshot of the free lists.
func (a *PhysicalAllocator) State() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "free=%v", a.freePages)
	bins := append([]*subBin(nil), a.bins...)
	sort.Slice(bins, func(i, j int) bool {
		if bins[i].size.X != bins[j].size.X {
			return bins[i].size.X < bins[j].size.X
		}
		return bins[i].size.Y < bins[j].size.Y
	})
	for _, b := range bins {
		if len(b.pages) == 0 {
			continue
		}
		fmt.Fprintf(&sb, " bin%v:", b.size)
		for _, p := range b.pages {
			fmt.Fprintf(&sb, "%v/%d", p.coord, p.numUsed)
		}
	}
	return sb.String()
}
