package app

import (
	"math/rand"

	"github.com/gekko3d/lumen"
	"github.com/gekko3d/lumen/surfacecache/rt/core"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

// BoxCards returns the six face cards of an axis aligned box in its local
// space. Each card looks down its own Z axis at one face.
func BoxCards(center, half mgl32.Vec3) []core.CardDesc {
	faces := []struct {
		axes   [3]mgl32.Vec3
		extent mgl32.Vec3
		offset mgl32.Vec3
		flip   bool
	}{
		{[3]mgl32.Vec3{{0, 1, 0}, {0, 0, 1}, {1, 0, 0}}, mgl32.Vec3{half.Y(), half.Z(), 0}, mgl32.Vec3{half.X(), 0, 0}, false},
		{[3]mgl32.Vec3{{0, 1, 0}, {0, 0, 1}, {1, 0, 0}}, mgl32.Vec3{half.Y(), half.Z(), 0}, mgl32.Vec3{-half.X(), 0, 0}, true},
		{[3]mgl32.Vec3{{1, 0, 0}, {0, 0, 1}, {0, 1, 0}}, mgl32.Vec3{half.X(), half.Z(), 0}, mgl32.Vec3{0, half.Y(), 0}, false},
		{[3]mgl32.Vec3{{1, 0, 0}, {0, 0, 1}, {0, 1, 0}}, mgl32.Vec3{half.X(), half.Z(), 0}, mgl32.Vec3{0, -half.Y(), 0}, true},
		{[3]mgl32.Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, mgl32.Vec3{half.X(), half.Y(), 0}, mgl32.Vec3{0, 0, half.Z()}, false},
		{[3]mgl32.Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, mgl32.Vec3{half.X(), half.Y(), 0}, mgl32.Vec3{0, 0, -half.Z()}, true},
	}
	cards := make([]core.CardDesc, 0, len(faces))
	for _, f := range faces {
		cards = append(cards, core.CardDesc{
			OBB:      core.OBB{Center: center.Add(f.offset), Axes: f.axes, Extent: f.extent},
			AxisFlip: f.flip,
		})
	}
	return cards
}

// BuildDemoScene fills the cache with a field of boxes on a grid of spacing
// apart, plus instanced pillars sharing one set of captures. Returns the
// number of primitives added.
func BuildDemoScene(cache *lumen.SurfaceCache, grid int, spacing float32, seed int64) (int, error) {
	rng := rand.New(rand.NewSource(seed))
	added := 0
	for x := 0; x < grid; x++ {
		for y := 0; y < grid; y++ {
			half := mgl32.Vec3{
				50 + rng.Float32()*150,
				50 + rng.Float32()*150,
				50 + rng.Float32()*300,
			}
			center := mgl32.Vec3{
				(float32(x) - float32(grid-1)/2) * spacing,
				(float32(y) - float32(grid-1)/2) * spacing,
				half.Z(),
			}
			err := cache.AddPrimitiveGroup(core.PrimitiveDesc{
				ID:             uuid.New(),
				Bounds:         core.NewAABB(center, half),
				Cards:          BoxCards(center, half),
				OpaqueOrMasked: true,
			})
			if err != nil {
				return added, err
			}
			added++
		}
	}

	pillarHalf := mgl32.Vec3{40, 40, 600}
	var instances []mgl32.Mat4
	extent := float32(grid) * spacing / 2
	for i := 0; i < grid*2; i++ {
		instances = append(instances, mgl32.Translate3D(
			(rng.Float32()*2-1)*extent,
			(rng.Float32()*2-1)*extent,
			pillarHalf.Z(),
		))
	}
	err := cache.AddInstancedPrimitive(core.InstancedPrimitiveDesc{
		ID:             uuid.New(),
		LocalBounds:    core.NewAABB(mgl32.Vec3{}, pillarHalf),
		LocalCards:     BoxCards(mgl32.Vec3{}, pillarHalf),
		Instances:      instances,
		OpaqueOrMasked: true,
	})
	if err != nil {
		return added, err
	}
	return added + 1, nil
}
