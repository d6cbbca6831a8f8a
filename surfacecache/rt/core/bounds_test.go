package core

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
)

func TestMinDistanceSquared(t *testing.T) {
	box := AABB{Min: mgl32.Vec3{-1, -1, -1}, Max: mgl32.Vec3{1, 1, 1}}
	nan := float32(math.NaN())

	tests := []struct {
		name     string
		box      AABB
		origins  []mgl32.Vec3
		expected float32
	}{
		{"inside", box, []mgl32.Vec3{{0, 0, 0}}, 0},
		{"along x", box, []mgl32.Vec3{{4, 0, 0}}, 9},
		{"corner", box, []mgl32.Vec3{{2, 2, 2}}, 3},
		{"nearest origin wins", box, []mgl32.Vec3{{11, 0, 0}, {0, -3, 0}}, 4},
		{"no origins", box, nil, math.MaxFloat32},
		{"inverted box", AABB{Min: mgl32.Vec3{1, 1, 1}, Max: mgl32.Vec3{-1, -1, -1}}, []mgl32.Vec3{{0, 0, 0}}, math.MaxFloat32},
		{"point box", AABB{Min: mgl32.Vec3{2, 2, 2}, Max: mgl32.Vec3{2, 2, 2}}, []mgl32.Vec3{{0, 0, 0}}, math.MaxFloat32},
		{"nan box", AABB{Min: mgl32.Vec3{nan, 0, 0}, Max: mgl32.Vec3{1, 1, 1}}, []mgl32.Vec3{{0, 0, 0}}, math.MaxFloat32},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.expected, MinDistanceSquared(tc.box, tc.origins), 1e-4)
		})
	}
}

func TestAABBTransform(t *testing.T) {
	box := NewAABB(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{1, 2, 3})
	moved := box.Transform(mgl32.Translate3D(10, 0, 0))
	assert.InDelta(t, 9, moved.Min.X(), 1e-5)
	assert.InDelta(t, 11, moved.Max.X(), 1e-5)

	rotated := box.Transform(mgl32.HomogRotate3DZ(mgl32.DegToRad(90)))
	assert.InDelta(t, 2, rotated.Extent().X(), 1e-4)
	assert.InDelta(t, 1, rotated.Extent().Y(), 1e-4)
	assert.InDelta(t, 3, rotated.MaxExtent(), 1e-4)
}

func TestOBBTransformAndDistance(t *testing.T) {
	o := NewOBB(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{2, 1, 0.5})

	scaled, mirrored := o.Transform(mgl32.Scale3D(2, 2, 2))
	assert.False(t, mirrored)
	assert.InDelta(t, 4, scaled.MaxCardExtent(), 1e-5)

	_, mirrored = o.Transform(mgl32.Scale3D(-1, 1, 1))
	assert.True(t, mirrored)

	assert.InDelta(t, 3, o.MinDistance([]mgl32.Vec3{{5, 0, 0}}), 1e-5)
	assert.InDelta(t, 0, o.MinDistance([]mgl32.Vec3{{1, 0.5, 0}}), 1e-5)
	assert.Equal(t, float32(math.MaxFloat32), o.MinDistance(nil))

	aabb := o.AABB()
	assert.InDelta(t, -2, aabb.Min.X(), 1e-5)
	assert.InDelta(t, 0.5, aabb.Max.Z(), 1e-5)
}
