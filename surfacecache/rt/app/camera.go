package app

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// CameraState is a Z-up fly camera. Only its position feeds the surface
// cache; the orientation steers movement.
type CameraState struct {
	Position    mgl32.Vec3
	Yaw         float32
	Pitch       float32
	Speed       float32
	Sensitivity float32
}

func NewCameraState() *CameraState {
	return &CameraState{
		Position:    mgl32.Vec3{0, 0, 1500},
		Speed:       2000.0,
		Sensitivity: 0.003,
	}
}

func (c *CameraState) GetForward() mgl32.Vec3 {
	return mgl32.Vec3{
		float32(math.Cos(float64(c.Pitch)) * math.Sin(float64(c.Yaw))),
		float32(-math.Cos(float64(c.Pitch)) * math.Cos(float64(c.Yaw))),
		float32(math.Sin(float64(c.Pitch))),
	}
}

func (c *CameraState) GetRight() mgl32.Vec3 {
	return mgl32.Vec3{
		float32(-math.Sin(float64(c.Yaw))),
		float32(math.Cos(float64(c.Yaw))),
		0,
	}
}

// Look applies a mouse delta. Pitch stays short of straight up or down.
func (c *CameraState) Look(dx, dy float32) {
	c.Yaw += dx * c.Sensitivity
	c.Pitch -= dy * c.Sensitivity
	limit := float32(math.Pi/2 - 0.01)
	c.Pitch = mgl32.Clamp(c.Pitch, -limit, limit)
}

// Move translates along the view axes. forward, right and up are -1, 0 or 1.
func (c *CameraState) Move(forward, right, up float32, dt float32) {
	d := c.GetForward().Mul(forward).Add(c.GetRight().Mul(right)).Add(mgl32.Vec3{0, 0, up})
	if d.Len() == 0 {
		return
	}
	c.Position = c.Position.Add(d.Normalize().Mul(c.Speed * dt))
}
