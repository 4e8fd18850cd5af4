package renderer

import (
	"math"

	"github.com/DavidLoftus/vktest/gpu"
	"github.com/DavidLoftus/vktest/vertex"
	"github.com/go-gl/mathgl/mgl32"
)

// Sprite is a textured quad drawn by the sprite pipeline
type Sprite struct {
	Position  mgl32.Vec2
	Scale     mgl32.Vec2
	TextureID int
}

// Object places one mesh in the world
type Object struct {
	Position mgl32.Vec3
	MeshID   int
}

// Camera is the viewpoint of the world pipeline
type Camera struct {
	Position  mgl32.Vec3
	Direction mgl32.Vec3
}

// Up is the world's up vector
var Up = mgl32.Vec3{0, 1, 0}

// DefaultCamera sits one unit in front of the origin, looking at it
func DefaultCamera() Camera {
	return Camera{
		Position:  mgl32.Vec3{0, 0, 1},
		Direction: mgl32.Vec3{0, 0, -1},
	}
}

// View returns the world-to-camera matrix
func (c Camera) View() mgl32.Mat4 {
	return mgl32.LookAtV(c.Position, c.Position.Add(c.Direction), Up)
}

// Scene is the raw data produced by a scene loader. Meshes are indexed by Object.MeshID. A nil
// Camera starts the scene from DefaultCamera.
type Scene struct {
	Sprites []Sprite
	Meshes  [][]vertex.MeshVertex
	Objects []Object
	Camera  *Camera
}

// Projection returns a perspective projection with an infinitely distant far plane. Y is flipped
// to match the device's clip space, where it points down.
//
// fieldOfView - The vertical field of view in degrees
//
// extent - The swapchain extent the projection is drawn into
//
// near - The distance to the near plane
func Projection(fieldOfView float32, extent gpu.Extent, near float32) mgl32.Mat4 {
	aspect := float32(extent.Width) / float32(extent.Height)
	focal := float32(1 / math.Tan(float64(mgl32.DegToRad(fieldOfView))/2))

	var projection mgl32.Mat4
	projection[0] = focal / aspect
	projection[5] = -focal
	projection[10] = -1
	projection[11] = -1
	projection[14] = -2 * near
	return projection
}
