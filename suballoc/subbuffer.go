package suballoc

import (
	"github.com/DavidLoftus/vktest/gpu"
	"github.com/DavidLoftus/vktest/memutils"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// SubBuffer is one logical buffer inside a PackedAllocation. Its size, alignment and usage are
// fixed when it is created; its offset is assigned once, when it is packed. A SubBuffer is a view
// and does not own the packed buffer.
type SubBuffer struct {
	name      string
	kind      Kind
	size      int
	alignment int
	usage     core1_0.BufferUsageFlags

	// Uniform and index sub-buffers hold count elements spaced stride bytes apart
	elementSize int
	stride      int
	count       int

	offset     int
	allocation *PackedAllocation
}

// NewVertex describes a vertex or instance stream of size bytes
func NewVertex(name string, size int) *SubBuffer {
	return newKind(name, KindVertex, size, nil)
}

// NewIndex describes indexCount indices of indexType
func NewIndex(name string, indexType core1_0.IndexType, indexCount int) (*SubBuffer, error) {
	kind, ok := IndexKind(indexType)
	if !ok {
		return nil, errors.Newf("unsupported index type %s", indexType)
	}

	elementSize, _ := KindRule(kind, nil)
	sub := newKind(name, kind, elementSize*indexCount, nil)
	sub.elementSize = elementSize
	sub.stride = elementSize
	sub.count = indexCount
	return sub, nil
}

// NewUniform describes count uniform blocks of elementSize bytes. Each block starts on a
// minUniformBufferOffsetAlignment boundary so it can be bound as its own descriptor range,
// which pads every block up to the stride.
func NewUniform(name string, limits *core1_0.PhysicalDeviceLimits, elementSize int, count int) *SubBuffer {
	alignment, _ := KindRule(KindUniform, limits)
	stride := memutils.AlignUp(elementSize, alignment)

	sub := newKind(name, KindUniform, stride*count, limits)
	sub.elementSize = elementSize
	sub.stride = stride
	sub.count = count
	return sub
}

// NewStorage describes a storage block of size bytes
func NewStorage(name string, limits *core1_0.PhysicalDeviceLimits, size int) *SubBuffer {
	return newKind(name, KindStorage, size, limits)
}

// NewRaw describes a sub-buffer with an explicit alignment and usage. An alignment of 0 places no
// constraint on its offset.
func NewRaw(name string, size int, alignment int, usage core1_0.BufferUsageFlags) *SubBuffer {
	return &SubBuffer{
		name:      name,
		kind:      KindRaw,
		size:      size,
		alignment: alignment,
		usage:     usage,
	}
}

func newKind(name string, kind Kind, size int, limits *core1_0.PhysicalDeviceLimits) *SubBuffer {
	alignment, usage := KindRule(kind, limits)
	return &SubBuffer{
		name:      name,
		kind:      kind,
		size:      size,
		alignment: alignment,
		usage:     usage,
	}
}

func (s *SubBuffer) Name() string                    { return s.name }
func (s *SubBuffer) Kind() Kind                      { return s.kind }
func (s *SubBuffer) Size() int                       { return s.size }
func (s *SubBuffer) Alignment() int                  { return s.alignment }
func (s *SubBuffer) Usage() core1_0.BufferUsageFlags { return s.usage }
func (s *SubBuffer) Count() int                      { return s.count }
func (s *SubBuffer) Stride() int                     { return s.stride }
func (s *SubBuffer) IsPacked() bool                  { return s.allocation != nil }

// Offset is the sub-buffer's start within the packed buffer. It is 0 until the sub-buffer is
// packed.
func (s *SubBuffer) Offset() int {
	return s.offset
}

// Allocation returns the PackedAllocation the sub-buffer was packed into, or nil
func (s *SubBuffer) Allocation() *PackedAllocation {
	return s.allocation
}

// Buffer returns the shared physical buffer, or nil if the sub-buffer is not packed or the
// packed allocation has been destroyed
func (s *SubBuffer) Buffer() gpu.Buffer {
	if s.allocation == nil {
		return nil
	}
	return s.allocation.Buffer()
}

func (s *SubBuffer) boundBuffer(operation string) (gpu.Buffer, error) {
	if s.allocation == nil {
		return nil, errors.Newf("%s: sub-buffer %q has not been packed", operation, s.name)
	}
	buffer := s.allocation.Buffer()
	if buffer == nil {
		return nil, errors.Newf("%s: sub-buffer %q belongs to a destroyed allocation", operation, s.name)
	}
	return buffer, nil
}

// DescriptorRange returns the offset into the packed buffer and the size of uniform block i,
// ready for a descriptor buffer info
func (s *SubBuffer) DescriptorRange(i int) (offset int, size int, err error) {
	if s.kind != KindUniform {
		return 0, 0, errors.Newf("SubBuffer::DescriptorRange: sub-buffer %q is %s, not a uniform", s.name, s.kind)
	}
	if i < 0 || i >= s.count {
		return 0, 0, errors.Newf("SubBuffer::DescriptorRange: element %d is out of range for %d elements", i, s.count)
	}
	if _, err := s.boundBuffer("SubBuffer::DescriptorRange"); err != nil {
		return 0, 0, err
	}

	return s.offset + i*s.stride, s.elementSize, nil
}

// ElementOffset returns where uniform block i starts relative to the sub-buffer itself
func (s *SubBuffer) ElementOffset(i int) int {
	return i * s.stride
}

// BindVertex records a bind of this vertex stream to binding
func (s *SubBuffer) BindVertex(commandBuffer gpu.CommandBuffer, binding int) error {
	if s.kind != KindVertex && s.kind != KindRaw {
		return errors.Newf("SubBuffer::BindVertex: sub-buffer %q is %s, not a vertex stream", s.name, s.kind)
	}

	buffer, err := s.boundBuffer("SubBuffer::BindVertex")
	if err != nil {
		return err
	}

	commandBuffer.CmdBindVertexBuffers(binding, []gpu.Buffer{buffer}, []int{s.offset})
	return nil
}

// BindIndex records a bind of this index sub-buffer with its index type
func (s *SubBuffer) BindIndex(commandBuffer gpu.CommandBuffer) error {
	indexType, ok := s.kind.IndexType()
	if !ok {
		return errors.Newf("SubBuffer::BindIndex: sub-buffer %q is %s, not an index buffer", s.name, s.kind)
	}

	buffer, err := s.boundBuffer("SubBuffer::BindIndex")
	if err != nil {
		return err
	}

	commandBuffer.CmdBindIndexBuffer(buffer, s.offset, indexType)
	return nil
}
