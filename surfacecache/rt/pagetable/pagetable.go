package pagetable

import (
	"image"
	"sort"

	"github.com/gekko3d/lumen/surfacecache/rt/core"
)

// PageTable maps card mips to physical atlas pages. Virtual spans live in
// Entries; physical space comes from the allocator. Mapped unlocked pages are
// tracked by last use for eviction; every mapped page is tracked per GPU by
// last capture for refresh, and by request frame when a recapture is pending.
type PageTable struct {
	Entries   core.SparseSpanArray[core.PageTableEntry]
	Allocator *PhysicalAllocator

	numGPUs      int
	unlocked     FrameHeap
	lastCaptured []FrameHeap
	recapture    []FrameHeap

	numMapped  int
	dirtyPages map[int]struct{}
}

func New(pagesX, pagesY, numGPUs int) *PageTable {
	numGPUs = max(numGPUs, 1)
	return &PageTable{
		Allocator:    NewPhysicalAllocator(pagesX, pagesY),
		numGPUs:      numGPUs,
		lastCaptured: make([]FrameHeap, numGPUs),
		recapture:    make([]FrameHeap, numGPUs),
		dirtyPages:   make(map[int]struct{}),
	}
}

func (pt *PageTable) NumGPUs() int        { return pt.numGPUs }
func (pt *PageTable) NumMappedPages() int { return pt.numMapped }

// Entry returns nil for unallocated indices.
func (pt *PageTable) Entry(page int) *core.PageTableEntry { return pt.Entries.At(page) }

func (pt *PageTable) Unlocked() *FrameHeap              { return &pt.unlocked }
func (pt *PageTable) LastCaptured(gpu int) *FrameHeap   { return &pt.lastCaptured[gpu] }
func (pt *PageTable) RecaptureQueue(gpu int) *FrameHeap { return &pt.recapture[gpu] }

func (pt *PageTable) markDirty(page int) { pt.dirtyPages[page] = struct{}{} }

// TakeDirtyPages returns the pages changed since the last call, ascending.
func (pt *PageTable) TakeDirtyPages() []int {
	out := make([]int, 0, len(pt.dirtyPages))
	for p := range pt.dirtyPages {
		out = append(out, p)
	}
	sort.Ints(out)
	clear(pt.dirtyPages)
	return out
}

func (pt *PageTable) IsSpaceAvailable(card *core.Card, resLevel int, singlePage bool) bool {
	return pt.Allocator.IsSpaceAvailable(card.MipMapDesc(resLevel), singlePage)
}

// ReallocVirtualSurface makes sure the mip at resLevel has a page table span
// and sets its lock state. No physical memory is touched.
func (pt *PageTable) ReallocVirtualSurface(card *core.Card, cardIndex, resLevel int, lock bool) {
	mip := card.MipMap(resLevel)
	if mip.IsAllocated() {
		if mip.Locked != lock {
			mip.Locked = lock
			for i := 0; i < mip.PageTableSpanSize; i++ {
				page := mip.PageTableIndex(i)
				e := pt.Entries.At(page)
				e.Locked = lock
				if !e.Mapped {
					continue
				}
				if lock {
					pt.unlocked.Remove(page)
				} else {
					pt.unlocked.Add(page, e.LastUsedFrame)
				}
			}
		}
		return
	}

	desc := card.MipMapDesc(resLevel)
	n := desc.NumPages()
	first := pt.Entries.AddSpan(n)
	*mip = core.MipMap{
		PageTableSpanOffset: first,
		PageTableSpanSize:   n,
		SizeInPagesX:        desc.SizeInPages.X,
		SizeInPagesY:        desc.SizeInPages.Y,
		ResLevelX:           desc.ResLevelX,
		ResLevelY:           desc.ResLevelY,
		Locked:              lock,
	}
	for i := 0; i < n; i++ {
		*pt.Entries.At(first + i) = core.PageTableEntry{
			CardIndex:         cardIndex,
			ResLevel:          resLevel,
			LocalPageIndex:    i,
			CardUVRect:        desc.PageUVRect(i),
			PageResolution:    desc.PageResolution,
			Locked:            lock,
			PhysicalPageCoord: image.Pt(-1, -1),
		}
		pt.markDirty(first + i)
	}
	card.UpdateMinMaxAllocatedLevel()
}

// FreeVirtualSurface unmaps every page of the mip and releases its span.
func (pt *PageTable) FreeVirtualSurface(card *core.Card, resLevel int) {
	mip := card.MipMap(resLevel)
	if !mip.IsAllocated() {
		return
	}
	for i := mip.PageTableSpanSize - 1; i >= 0; i-- {
		page := mip.PageTableIndex(i)
		pt.UnmapPage(page)
		pt.markDirty(page)
	}
	pt.Entries.RemoveSpan(mip.PageTableSpanOffset, mip.PageTableSpanSize)
	*mip = core.MipMap{}
	card.UpdateMinMaxAllocatedLevel()
}

// FreeCard releases every mip, lowest level first.
func (pt *PageTable) FreeCard(card *core.Card) {
	for level := core.MinResLevel; level <= core.MaxResLevel; level++ {
		pt.FreeVirtualSurface(card, level)
	}
}

// MapPage gives the page physical backing. A newly mapped page has never been
// captured on any GPU.
func (pt *PageTable) MapPage(page int, frame uint32) bool {
	e := pt.Entries.At(page)
	if e == nil {
		return false
	}
	if e.Mapped {
		return true
	}
	addr, ok := pt.Allocator.Allocate(e.PageResolution)
	if !ok {
		return false
	}
	e.Mapped = true
	e.PhysicalPageCoord = addr.PageCoord
	e.PhysicalAtlasRect = addr.Rect
	e.LastUsedFrame = frame
	e.CapturedFrame = 0
	pt.numMapped++

	if !e.Locked {
		pt.unlocked.Add(page, frame)
	}
	for g := range pt.lastCaptured {
		pt.lastCaptured[g].Add(page, 0)
	}
	pt.markDirty(page)
	return true
}

func (pt *PageTable) UnmapPage(page int) {
	e := pt.Entries.At(page)
	if e == nil || !e.Mapped {
		return
	}
	pt.Allocator.Free(PhysicalAddress{PageCoord: e.PhysicalPageCoord, Rect: e.PhysicalAtlasRect}, e.PageResolution)
	e.Mapped = false
	e.PhysicalPageCoord = image.Pt(-1, -1)
	e.PhysicalAtlasRect = image.Rectangle{}
	e.CapturedFrame = 0
	pt.numMapped--

	pt.unlocked.Remove(page)
	for g := range pt.lastCaptured {
		pt.lastCaptured[g].Remove(page)
		pt.recapture[g].Remove(page)
	}
	pt.markDirty(page)
}

// MapMip maps every page of the mip and returns the pages that were not
// mapped before. On failure the pages mapped by this call are unmapped again.
func (pt *PageTable) MapMip(card *core.Card, resLevel int, frame uint32) ([]int, bool) {
	mip := card.MipMap(resLevel)
	var mapped []int
	for i := 0; i < mip.PageTableSpanSize; i++ {
		page := mip.PageTableIndex(i)
		if pt.Entries.At(page).Mapped {
			continue
		}
		if !pt.MapPage(page, frame) {
			for k := len(mapped) - 1; k >= 0; k-- {
				pt.UnmapPage(mapped[k])
			}
			return nil, false
		}
		mapped = append(mapped, page)
	}
	return mapped, true
}

func (pt *PageTable) MarkUsed(page int, frame uint32) {
	e := pt.Entries.At(page)
	if e == nil || !e.Mapped {
		return
	}
	e.LastUsedFrame = frame
	pt.unlocked.Update(page, frame)
}

// EvictOldestAllocation unmaps the least recently used unlocked page if it
// has not been used for at least maxFramesSinceLastUsed frames. It returns
// the owning card, or ok=false when nothing is old enough.
func (pt *PageTable) EvictOldestAllocation(frame, maxFramesSinceLastUsed uint32) (cardIndex int, ok bool) {
	page, lastUsed, found := pt.unlocked.Top()
	if !found || lastUsed+maxFramesSinceLastUsed > frame {
		return -1, false
	}
	cardIndex = pt.Entries.At(page).CardIndex
	pt.UnmapPage(page)
	return cardIndex, true
}

// EvictUnused unmaps every unlocked page unused for more than
// maxFramesSinceLastUsed frames and returns the owning cards.
func (pt *PageTable) EvictUnused(frame, maxFramesSinceLastUsed uint32) []int {
	var cards []int
	for {
		page, lastUsed, found := pt.unlocked.Top()
		if !found || frame <= lastUsed || frame-lastUsed <= maxFramesSinceLastUsed {
			return cards
		}
		cards = append(cards, pt.Entries.At(page).CardIndex)
		pt.UnmapPage(page)
	}
}

// MarkCaptured records a capture of the page on the GPUs in mask.
func (pt *PageTable) MarkCaptured(page int, frame uint32, mask core.GPUMask) {
	e := pt.Entries.At(page)
	if e == nil || !e.Mapped {
		return
	}
	e.CapturedFrame = frame
	mask.Each(pt.numGPUs, func(g int) {
		pt.lastCaptured[g].Update(page, frame)
		pt.recapture[g].Remove(page)
	})
}

// IsCapturedOn reports whether the page has been captured on gpu before frame.
func (pt *PageTable) IsCapturedOn(page, gpu int, frame uint32) bool {
	key := pt.lastCaptured[gpu].Key(page)
	return pt.lastCaptured[gpu].Contains(page) && key != 0 && key < frame
}

// RequestRecapture queues a mapped page for recapture on the GPUs in mask.
// An already queued page keeps its original position.
func (pt *PageTable) RequestRecapture(page int, frame uint32, mask core.GPUMask) {
	e := pt.Entries.At(page)
	if e == nil || !e.Mapped {
		return
	}
	mask.Each(pt.numGPUs, func(g int) {
		if !pt.recapture[g].Contains(page) {
			pt.recapture[g].Add(page, frame)
		}
	})
}

// Reset drops every page and physical allocation.
func (pt *PageTable) Reset() {
	pt.Entries.Clear()
	pt.Allocator.Reset()
	pt.unlocked.Clear()
	for g := range pt.lastCaptured {
		pt.lastCaptured[g].Clear()
		pt.recapture[g].Clear()
	}
	pt.numMapped = 0
	clear(pt.dirtyPages)
}
