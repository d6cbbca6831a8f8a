package core

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// AABB is a world space axis aligned bounding box.
type AABB struct {
	Min mgl32.Vec3
	Max mgl32.Vec3
}

func NewAABB(center, extent mgl32.Vec3) AABB {
	return AABB{Min: center.Sub(extent), Max: center.Add(extent)}
}

func (b AABB) Center() mgl32.Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Extent returns the half size of the box.
func (b AABB) Extent() mgl32.Vec3 {
	return b.Max.Sub(b.Min).Mul(0.5)
}

func (b AABB) MaxExtent() float32 {
	e := b.Extent()
	return max(e.X(), max(e.Y(), e.Z()))
}

// IsValid reports whether the box is finite and not inverted.
func (b AABB) IsValid() bool {
	for i := 0; i < 3; i++ {
		if !isFinite(b.Min[i]) || !isFinite(b.Max[i]) || b.Min[i] > b.Max[i] {
			return false
		}
	}
	return true
}

func (b AABB) Union(o AABB) AABB {
	return AABB{
		Min: mgl32.Vec3{min(b.Min.X(), o.Min.X()), min(b.Min.Y(), o.Min.Y()), min(b.Min.Z(), o.Min.Z())},
		Max: mgl32.Vec3{max(b.Max.X(), o.Max.X()), max(b.Max.Y(), o.Max.Y()), max(b.Max.Z(), o.Max.Z())},
	}
}

// DistanceSquared returns zero for points inside the box.
func (b AABB) DistanceSquared(p mgl32.Vec3) float32 {
	var d float32
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] {
			s := b.Min[i] - p[i]
			d += s * s
		} else if p[i] > b.Max[i] {
			s := p[i] - b.Max[i]
			d += s * s
		}
	}
	return d
}

// Transform returns the conservative box around the transformed corners.
func (b AABB) Transform(m mgl32.Mat4) AABB {
	corners := [8]mgl32.Vec3{
		{b.Min.X(), b.Min.Y(), b.Min.Z()},
		{b.Max.X(), b.Min.Y(), b.Min.Z()},
		{b.Min.X(), b.Max.Y(), b.Min.Z()},
		{b.Max.X(), b.Max.Y(), b.Min.Z()},
		{b.Min.X(), b.Min.Y(), b.Max.Z()},
		{b.Max.X(), b.Min.Y(), b.Max.Z()},
		{b.Min.X(), b.Max.Y(), b.Max.Z()},
		{b.Max.X(), b.Max.Y(), b.Max.Z()},
	}

	inf := float32(math.MaxFloat32)
	wMin := mgl32.Vec3{inf, inf, inf}
	wMax := mgl32.Vec3{-inf, -inf, -inf}
	for _, c := range corners {
		wc := m.Mul4x1(c.Vec4(1.0)).Vec3()
		wMin = mgl32.Vec3{min(wMin.X(), wc.X()), min(wMin.Y(), wc.Y()), min(wMin.Z(), wc.Z())}
		wMax = mgl32.Vec3{max(wMax.X(), wc.X()), max(wMax.Y(), wc.Y()), max(wMax.Z(), wc.Z())}
	}
	return AABB{Min: wMin, Max: wMax}
}

// MinDistanceSquared returns the smallest squared distance from the box to any
// of the origins. Degenerate boxes (NaN, inverted or a single point) and empty
// origin lists are infinitely far.
func MinDistanceSquared(b AABB, origins []mgl32.Vec3) float32 {
	if !b.IsValid() || b.MaxExtent() <= 0 || len(origins) == 0 {
		return math.MaxFloat32
	}
	best := float32(math.MaxFloat32)
	for _, o := range origins {
		if d := b.DistanceSquared(o); d < best {
			best = d
		}
	}
	if !isFinite(best) {
		return math.MaxFloat32
	}
	return best
}

// OBB is an oriented box. Axes are unit length; Extent is the half size along
// each axis. For cards X and Y span the captured face and Z is the depth.
type OBB struct {
	Center mgl32.Vec3
	Axes   [3]mgl32.Vec3
	Extent mgl32.Vec3
}

func NewOBB(center, extent mgl32.Vec3) OBB {
	return OBB{
		Center: center,
		Axes:   [3]mgl32.Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		Extent: extent,
	}
}

func (o OBB) IsValid() bool {
	for i := 0; i < 3; i++ {
		if !isFinite(o.Center[i]) || !isFinite(o.Extent[i]) || o.Extent[i] < 0 {
			return false
		}
	}
	return true
}

func (o OBB) MaxCardExtent() float32 {
	return max(o.Extent.X(), o.Extent.Y())
}

func (o OBB) DistanceSquared(p mgl32.Vec3) float32 {
	d := p.Sub(o.Center)
	var dist float32
	for i := 0; i < 3; i++ {
		local := d.Dot(o.Axes[i])
		if local < -o.Extent[i] {
			s := -o.Extent[i] - local
			dist += s * s
		} else if local > o.Extent[i] {
			s := local - o.Extent[i]
			dist += s * s
		}
	}
	return dist
}

// MinDistance returns the distance to the nearest origin, or MaxFloat32.
func (o OBB) MinDistance(origins []mgl32.Vec3) float32 {
	if !o.IsValid() || len(origins) == 0 {
		return math.MaxFloat32
	}
	best := float32(math.MaxFloat32)
	for _, p := range origins {
		if d := o.DistanceSquared(p); d < best {
			best = d
		}
	}
	return float32(math.Sqrt(float64(best)))
}

func (o OBB) AABB() AABB {
	var e mgl32.Vec3
	for i := 0; i < 3; i++ {
		e[i] = abs32(o.Axes[0][i])*o.Extent[0] + abs32(o.Axes[1][i])*o.Extent[1] + abs32(o.Axes[2][i])*o.Extent[2]
	}
	return NewAABB(o.Center, e)
}

// Transform applies m to the box. The second result reports a mirroring
// transform (negative determinant), which flips the card's X axis.
func (o OBB) Transform(m mgl32.Mat4) (OBB, bool) {
	out := OBB{Center: m.Mul4x1(o.Center.Vec4(1.0)).Vec3()}
	for i := 0; i < 3; i++ {
		axis := m.Mul4x1(o.Axes[i].Vec4(0.0)).Vec3()
		l := axis.Len()
		if l > 0 {
			axis = axis.Mul(1.0 / l)
		}
		out.Axes[i] = axis
		out.Extent[i] = o.Extent[i] * l
	}
	return out, m.Det() < 0
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
