package core

import (
	"image"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cardWithExtent(x, y float32) Card {
	return NewCard(0, 0, CardDesc{OBB: NewOBB(mgl32.Vec3{}, mgl32.Vec3{x, y, 1})}, uuid.Nil)
}

func TestMipMapDesc(t *testing.T) {
	tests := []struct {
		name     string
		x, y     float32
		level    int
		res      image.Point
		pages    image.Point
		subAlloc bool
	}{
		{"square min level", 1, 1, MinResLevel, image.Pt(8, 8), image.Pt(1, 1), true},
		{"square one page", 1, 1, 7, image.Pt(128, 128), image.Pt(1, 1), false},
		{"square multi page", 1, 1, 9, image.Pt(512, 512), image.Pt(4, 4), false},
		{"wide 2:1", 2, 1, 9, image.Pt(512, 256), image.Pt(4, 2), false},
		{"tall 1:2", 1, 2, 9, image.Pt(256, 512), image.Pt(2, 4), false},
		{"wide 4:1 sub allocated", 4, 1, 8, image.Pt(128, 64), image.Pt(1, 1), true},
		{"flat card", 1, 0, 9, image.Pt(128, 8), image.Pt(1, 1), true},
		{"clamped above max", 1, 1, 20, image.Pt(2048, 2048), image.Pt(16, 16), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := cardWithExtent(tc.x, tc.y)
			d := c.MipMapDesc(tc.level)
			assert.Equal(t, tc.res, d.Resolution)
			assert.Equal(t, tc.pages, d.SizeInPages)
			assert.Equal(t, tc.subAlloc, d.SubAllocation)
			if !d.SubAllocation {
				assert.Equal(t, image.Pt(PhysicalPageSize, PhysicalPageSize), d.PageResolution)
			}
		})
	}
}

func TestPageUVRect(t *testing.T) {
	c := cardWithExtent(2, 1)
	d := c.MipMapDesc(9)
	r := d.PageUVRect(5)
	assert.InDelta(t, 0.25, r.Min.X(), 1e-6)
	assert.InDelta(t, 0.5, r.Min.Y(), 1e-6)
	assert.InDelta(t, 0.5, r.Max.X(), 1e-6)
	assert.InDelta(t, 1, r.Max.Y(), 1e-6)
}

func TestUpdateMinMaxAllocatedLevel(t *testing.T) {
	c := cardWithExtent(1, 1)
	assert.False(t, c.IsAllocated())

	c.MipMap(5).PageTableSpanSize = 1
	c.MipMap(8).PageTableSpanSize = 4
	c.UpdateMinMaxAllocatedLevel()
	assert.True(t, c.IsAllocated())
	assert.Equal(t, 5, c.MinAllocatedResLevel)
	assert.Equal(t, 8, c.MaxAllocatedResLevel)

	*c.MipMap(5) = MipMap{}
	*c.MipMap(8) = MipMap{}
	c.UpdateMinMaxAllocatedLevel()
	assert.False(t, c.IsAllocated())
}

func TestRegistryAddRemove(t *testing.T) {
	var r Registry
	sharing := uuid.New()
	g := &PrimitiveGroup{
		Cards: []CardDesc{
			{OBB: NewOBB(mgl32.Vec3{}, mgl32.Vec3{1, 1, 1})},
			{OBB: NewOBB(mgl32.Vec3{}, mgl32.Vec3{2, 1, 1}), ResolutionScale: 0.5, AxisFlip: true},
		},
		CardSharingID: sharing,
		FarField:      true,
	}

	mi := r.AddMeshCards(3, g)
	mc := r.MeshCards.At(mi)
	require.NotNil(t, mc)
	assert.Equal(t, 3, mc.PrimitiveGroupIndex)
	assert.Equal(t, 2, mc.NumCards)
	assert.True(t, mc.FarField)

	c0 := r.Cards.At(mc.FirstCard)
	c1 := r.Cards.At(mc.FirstCard + 1)
	assert.Equal(t, float32(1), c0.ResolutionScale, "unset scale defaults to 1")
	assert.True(t, c1.AxisFlip)
	k0, ok := c0.SharingKey()
	require.True(t, ok)
	k1, _ := c1.SharingKey()
	assert.Equal(t, SharingKey{ID: sharing, Index: 0}, k0)
	assert.Equal(t, SharingKey{ID: sharing, Index: 1}, k1)

	r.RemoveMeshCards(mi)
	assert.Equal(t, 0, r.MeshCards.Num())
	assert.Equal(t, 0, r.Cards.Num())
}
