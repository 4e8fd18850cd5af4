// Package vertex holds the vertex formats the renderer draws with: the layout tables a pipeline
// needs for its vertex input state, and encoders that turn vertex values into the bytes uploaded
// into vertex sub-buffers.
package vertex

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Layout describes the vertex input of a pipeline: one binding per vertex stream and one
// attribute per shader input location
type Layout struct {
	Bindings   []core1_0.VertexInputBindingDescription
	Attributes []core1_0.VertexInputAttributeDescription
}

var formatSizes = map[core1_0.Format]int{
	core1_0.FormatR32SignedFloat:          4,
	core1_0.FormatR32G32SignedFloat:       8,
	core1_0.FormatR32G32B32SignedFloat:    12,
	core1_0.FormatR32G32B32A32SignedFloat: 16,
}

// FormatSize returns the size in bytes of one attribute of the given format, or 0 for formats
// the vertex layouts do not use
func FormatSize(format core1_0.Format) int {
	return formatSizes[format]
}

const (
	// SpriteVertexSize is the stride of the sprite quad stream
	SpriteVertexSize = 16
	// SpriteInstanceSize is the stride of the per-sprite instance stream
	SpriteInstanceSize = 16
	// MeshVertexSize is the stride of the mesh vertex stream
	MeshVertexSize = 24
)

const (
	// SpriteVertexBinding is the binding the quad corners are read from
	SpriteVertexBinding = 0
	// SpriteInstanceBinding is the binding the per-sprite instance data is read from
	SpriteInstanceBinding = 1
	// MeshVertexBinding is the binding mesh vertices are read from
	MeshVertexBinding = 0
)

// SpriteLayout is the vertex input of the sprite pipeline. Every sprite is the same quad, drawn
// once per instance with the instance's position and scale.
func SpriteLayout() Layout {
	return Layout{
		Bindings: []core1_0.VertexInputBindingDescription{
			{Binding: SpriteVertexBinding, Stride: SpriteVertexSize, InputRate: core1_0.VertexInputRateVertex},
			{Binding: SpriteInstanceBinding, Stride: SpriteInstanceSize, InputRate: core1_0.VertexInputRateInstance},
		},
		Attributes: []core1_0.VertexInputAttributeDescription{
			// Corner position and texture coordinate
			{Location: 0, Binding: SpriteVertexBinding, Format: core1_0.FormatR32G32SignedFloat, Offset: 0},
			{Location: 1, Binding: SpriteVertexBinding, Format: core1_0.FormatR32G32SignedFloat, Offset: 8},
			// Instance position and scale
			{Location: 2, Binding: SpriteInstanceBinding, Format: core1_0.FormatR32G32SignedFloat, Offset: 0},
			{Location: 3, Binding: SpriteInstanceBinding, Format: core1_0.FormatR32G32SignedFloat, Offset: 8},
		},
	}
}

// MeshLayout is the vertex input of the world pipeline
func MeshLayout() Layout {
	return Layout{
		Bindings: []core1_0.VertexInputBindingDescription{
			{Binding: MeshVertexBinding, Stride: MeshVertexSize, InputRate: core1_0.VertexInputRateVertex},
		},
		Attributes: []core1_0.VertexInputAttributeDescription{
			{Location: 0, Binding: MeshVertexBinding, Format: core1_0.FormatR32G32B32SignedFloat, Offset: 0},
			{Location: 1, Binding: MeshVertexBinding, Format: core1_0.FormatR32G32B32SignedFloat, Offset: 12},
		},
	}
}

// Stride returns the stride of binding, or 0 if the layout has no such binding
func (l Layout) Stride(binding int) int {
	for _, description := range l.Bindings {
		if description.Binding == binding {
			return description.Stride
		}
	}
	return 0
}

// Validate checks that every attribute reads from a declared binding, fits inside that
// binding's stride and has a location of its own
func (l Layout) Validate() error {
	strides := make(map[int]int, len(l.Bindings))
	for _, description := range l.Bindings {
		if _, duplicate := strides[description.Binding]; duplicate {
			return errors.Newf("binding %d is declared twice", description.Binding)
		}
		strides[description.Binding] = description.Stride
	}

	for index, attribute := range l.Attributes {
		stride, ok := strides[attribute.Binding]
		if !ok {
			return errors.Newf("attribute at location %d reads undeclared binding %d", attribute.Location, attribute.Binding)
		}

		size := FormatSize(attribute.Format)
		if size == 0 {
			return errors.Newf("attribute at location %d has unsupported format %v", attribute.Location, attribute.Format)
		}
		if attribute.Offset < 0 || attribute.Offset+size > stride {
			return errors.Newf("attribute at location %d spans [%d, %d), outside the %d byte stride of binding %d", attribute.Location, attribute.Offset, attribute.Offset+size, stride, attribute.Binding)
		}

		for _, earlier := range l.Attributes[:index] {
			if earlier.Location == attribute.Location {
				return errors.Newf("location %d is used by more than one attribute", attribute.Location)
			}
		}
	}

	return nil
}
