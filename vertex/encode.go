package vertex

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/core/v2/common"
)

// SpriteVertex is one corner of the quad every sprite is drawn with
type SpriteVertex struct {
	Position mgl32.Vec2
	TexCoord mgl32.Vec2
}

// SpriteInstance is the per-sprite data read at instance rate
type SpriteInstance struct {
	Position mgl32.Vec2
	Scale    mgl32.Vec2
}

type MeshVertex struct {
	Position mgl32.Vec3
	Color    mgl32.Vec3
}

// Quad is the triangle strip drawn for every sprite
var Quad = []SpriteVertex{
	{Position: mgl32.Vec2{-1, -1}, TexCoord: mgl32.Vec2{0, 0}},
	{Position: mgl32.Vec2{1, -1}, TexCoord: mgl32.Vec2{1, 0}},
	{Position: mgl32.Vec2{-1, 1}, TexCoord: mgl32.Vec2{0, 1}},
	{Position: mgl32.Vec2{1, 1}, TexCoord: mgl32.Vec2{1, 1}},
}

type encoder struct {
	data []byte
}

func (e *encoder) floats(values ...float32) {
	for _, value := range values {
		var word [4]byte
		common.ByteOrder.PutUint32(word[:], math.Float32bits(value))
		e.data = append(e.data, word[:]...)
	}
}

// EncodeSpriteVertices returns vertices in the byte layout described by SpriteLayout
func EncodeSpriteVertices(vertices []SpriteVertex) []byte {
	e := encoder{data: make([]byte, 0, len(vertices)*SpriteVertexSize)}
	for _, v := range vertices {
		e.floats(v.Position[:]...)
		e.floats(v.TexCoord[:]...)
	}
	return e.data
}

// EncodeSpriteInstances returns instances in the byte layout described by SpriteLayout
func EncodeSpriteInstances(instances []SpriteInstance) []byte {
	e := encoder{data: make([]byte, 0, len(instances)*SpriteInstanceSize)}
	for _, instance := range instances {
		e.floats(instance.Position[:]...)
		e.floats(instance.Scale[:]...)
	}
	return e.data
}

// EncodeMeshVertices returns vertices in the byte layout described by MeshLayout
func EncodeMeshVertices(vertices []MeshVertex) []byte {
	e := encoder{data: make([]byte, 0, len(vertices)*MeshVertexSize)}
	for _, v := range vertices {
		e.floats(v.Position[:]...)
		e.floats(v.Color[:]...)
	}
	return e.data
}

// EncodeMatrix returns a 4x4 matrix in the column-major layout shaders read uniform matrices in
func EncodeMatrix(matrix mgl32.Mat4) []byte {
	e := encoder{data: make([]byte, 0, 64)}
	e.floats(matrix[:]...)
	return e.data
}

// Range locates one mesh inside a concatenated vertex stream, in vertices
type Range struct {
	FirstVertex int
	VertexCount int
}

// Concat lays meshes back to back in one vertex stream and returns where each mesh landed, in
// the same order as meshes. A stream with no vertices at all is returned as a single zero byte,
// so the buffer made from it still has a nonzero size.
func Concat(meshes [][]MeshVertex) ([]byte, []Range) {
	ranges := make([]Range, 0, len(meshes))
	var vertices []MeshVertex

	for _, mesh := range meshes {
		ranges = append(ranges, Range{
			FirstVertex: len(vertices),
			VertexCount: len(mesh),
		})
		vertices = append(vertices, mesh...)
	}

	if len(vertices) == 0 {
		return []byte{0}, ranges
	}
	return EncodeMeshVertices(vertices), ranges
}
