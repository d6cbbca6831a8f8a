package core

import (
	"image"
	"math"

	"github.com/google/uuid"
)

const (
	// PhysicalPageSize is the side of a physical atlas page in texels.
	PhysicalPageSize = 128

	MinResLevel           = 3  // 8 texels
	MaxResLevel           = 11 // 2048 texels
	SubAllocationResLevel = 7  // PhysicalPageSize
	NumResLevels          = MaxResLevel - MinResLevel + 1

	MinCardResolution = 1 << MinResLevel

	MaxAtlasPages = 4096
	MaxGPUs       = 8
)

// MeshCards is the span of cards generated for one primitive group.
type MeshCards struct {
	PrimitiveGroupIndex int
	FirstCard           int
	NumCards            int
	FarField            bool
	EmissiveLightSource bool
}

// MipMap is the page table span of one resolution level of a card.
type MipMap struct {
	PageTableSpanOffset int
	PageTableSpanSize   int
	SizeInPagesX        int
	SizeInPagesY        int
	ResLevelX           int
	ResLevelY           int
	Locked              bool
}

func (m *MipMap) IsAllocated() bool { return m.PageTableSpanSize > 0 }

func (m *MipMap) PageTableIndex(localPage int) int {
	return m.PageTableSpanOffset + localPage
}

// MipMapDesc is the layout of a card at one resolution level.
type MipMapDesc struct {
	ResLevelX      int
	ResLevelY      int
	Resolution     image.Point
	SizeInPages    image.Point
	PageResolution image.Point
	SubAllocation  bool
}

func (d MipMapDesc) NumPages() int { return d.SizeInPages.X * d.SizeInPages.Y }

// PageUVRect returns the card UV rectangle covered by local page i.
func (d MipMapDesc) PageUVRect(i int) UVRect {
	px, py := i%d.SizeInPages.X, i/d.SizeInPages.X
	sx, sy := float32(d.SizeInPages.X), float32(d.SizeInPages.Y)
	return NewUVRect(float32(px)/sx, float32(py)/sy, float32(px+1)/sx, float32(py+1)/sy)
}

// Card is one oriented capture surface.
type Card struct {
	MeshCardsIndex   int
	IndexInMeshCards int
	OBB              OBB
	ResolutionScale  float32
	AxisFlip         bool
	CardSharingID    uuid.UUID

	Visible               bool
	DesiredLockedResLevel int
	MinAllocatedResLevel  int
	MaxAllocatedResLevel  int

	MipMaps [NumResLevels]MipMap
}

func NewCard(meshCardsIndex, indexInMeshCards int, desc CardDesc, sharingID uuid.UUID) Card {
	scale := desc.ResolutionScale
	if !(scale > 0) {
		scale = 1
	}
	return Card{
		MeshCardsIndex:       meshCardsIndex,
		IndexInMeshCards:     indexInMeshCards,
		OBB:                  desc.OBB,
		ResolutionScale:      scale,
		AxisFlip:             desc.AxisFlip,
		CardSharingID:        sharingID,
		MinAllocatedResLevel: MaxResLevel + 1,
		MaxAllocatedResLevel: MinResLevel - 1,
	}
}

func (c *Card) MipMap(resLevel int) *MipMap {
	return &c.MipMaps[resLevel-MinResLevel]
}

func (c *Card) IsAllocated() bool {
	return c.MinAllocatedResLevel <= c.MaxAllocatedResLevel
}

func (c *Card) UpdateMinMaxAllocatedLevel() {
	c.MinAllocatedResLevel = MaxResLevel + 1
	c.MaxAllocatedResLevel = MinResLevel - 1
	for level := MinResLevel; level <= MaxResLevel; level++ {
		if c.MipMap(level).IsAllocated() {
			c.MinAllocatedResLevel = min(c.MinAllocatedResLevel, level)
			c.MaxAllocatedResLevel = max(c.MaxAllocatedResLevel, level)
		}
	}
}

// MipMapDesc lays out the card at resLevel. The longer face axis gets the full
// level, the shorter one is reduced by the rounded log2 of the aspect ratio.
// Levels below one physical page are sub-allocated inside a single page.
func (c *Card) MipMapDesc(resLevel int) MipMapDesc {
	resLevel = min(max(resLevel, MinResLevel), MaxResLevel)
	lx, ly := resLevel, resLevel

	ex, ey := float64(c.OBB.Extent.X()), float64(c.OBB.Extent.Y())
	switch {
	case ex > 0 && ey > 0:
		steps := int(math.Round(math.Abs(math.Log2(ex / ey))))
		if ex >= ey {
			ly -= steps
		} else {
			lx -= steps
		}
	case ex > 0:
		ly = MinResLevel
	case ey > 0:
		lx = MinResLevel
	}
	lx = max(lx, MinResLevel)
	ly = max(ly, MinResLevel)

	d := MipMapDesc{}
	d.SubAllocation = lx < SubAllocationResLevel || ly < SubAllocationResLevel
	if d.SubAllocation {
		lx = min(lx, SubAllocationResLevel)
		ly = min(ly, SubAllocationResLevel)
	}
	d.ResLevelX, d.ResLevelY = lx, ly
	d.Resolution = image.Pt(1<<lx, 1<<ly)
	if d.SubAllocation {
		d.SizeInPages = image.Pt(1, 1)
		d.PageResolution = d.Resolution
	} else {
		d.SizeInPages = image.Pt(d.Resolution.X/PhysicalPageSize, d.Resolution.Y/PhysicalPageSize)
		d.PageResolution = image.Pt(PhysicalPageSize, PhysicalPageSize)
	}
	return d
}

// SharingKey identifies cards that can reuse each other's captures.
type SharingKey struct {
	ID    uuid.UUID
	Index int
}

func (c *Card) SharingKey() (SharingKey, bool) {
	if c.CardSharingID == uuid.Nil {
		return SharingKey{}, false
	}
	return SharingKey{ID: c.CardSharingID, Index: c.IndexInMeshCards}, true
}

// Registry owns MeshCards and Cards. Everything else refers to them by index.
type Registry struct {
	MeshCards SparseArray[MeshCards]
	Cards     SparseSpanArray[Card]
}

func (r *Registry) AddMeshCards(groupIndex int, g *PrimitiveGroup) int {
	first := -1
	if len(g.Cards) > 0 {
		first = r.Cards.AddSpan(len(g.Cards))
	}
	mi := r.MeshCards.Add(MeshCards{
		PrimitiveGroupIndex: groupIndex,
		FirstCard:           first,
		NumCards:            len(g.Cards),
		FarField:            g.FarField,
		EmissiveLightSource: g.EmissiveLightSource,
	})
	for i, cd := range g.Cards {
		*r.Cards.At(first + i) = NewCard(mi, i, cd, g.CardSharingID)
	}
	return mi
}

// RemoveMeshCards releases the card span. Pages must be freed beforehand.
func (r *Registry) RemoveMeshCards(mi int) {
	mc := r.MeshCards.At(mi)
	if mc == nil {
		return
	}
	if mc.NumCards > 0 {
		r.Cards.RemoveSpan(mc.FirstCard, mc.NumCards)
	}
	r.MeshCards.Remove(mi)
}

func (r *Registry) Clear() {
	r.MeshCards.Clear()
	r.Cards.Clear()
}
