package suballoc

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Kind is the closed set of roles a sub-buffer can play. The kind decides the sub-buffer's
// start alignment and the usage flag it adds to the packed buffer.
type Kind uint32

const (
	// KindRaw sub-buffers carry a caller-chosen alignment and usage
	KindRaw Kind = iota
	// KindVertex holds vertex or instance attributes. Vertex input has no offset alignment rule.
	KindVertex
	// KindIndex16 holds 16-bit indices, aligned to 2 bytes
	KindIndex16
	// KindIndex32 holds 32-bit indices, aligned to 4 bytes
	KindIndex32
	// KindUniform holds one or more uniform blocks, each aligned to
	// minUniformBufferOffsetAlignment so it can be bound on its own
	KindUniform
	// KindStorage holds a storage block aligned to minStorageBufferOffsetAlignment
	KindStorage
)

var kindMapping = make(map[Kind]string)

func (k Kind) String() string {
	return kindMapping[k]
}

func init() {
	kindMapping[KindRaw] = "KindRaw"
	kindMapping[KindVertex] = "KindVertex"
	kindMapping[KindIndex16] = "KindIndex16"
	kindMapping[KindIndex32] = "KindIndex32"
	kindMapping[KindUniform] = "KindUniform"
	kindMapping[KindStorage] = "KindStorage"
}

// KindRule returns the start alignment and buffer usage a sub-buffer of the given kind requires.
// KindRaw has no rule of its own and reports (0, 0).
func KindRule(kind Kind, limits *core1_0.PhysicalDeviceLimits) (alignment int, usage core1_0.BufferUsageFlags) {
	switch kind {
	case KindVertex:
		return 0, core1_0.BufferUsageVertexBuffer
	case KindIndex16:
		return 2, core1_0.BufferUsageIndexBuffer
	case KindIndex32:
		return 4, core1_0.BufferUsageIndexBuffer
	case KindUniform:
		return limits.MinUniformBufferOffsetAlignment, core1_0.BufferUsageUniformBuffer
	case KindStorage:
		return limits.MinStorageBufferOffsetAlignment, core1_0.BufferUsageStorageBuffer
	}

	return 0, 0
}

// IndexKind returns the index kind storing indices of indexType
func IndexKind(indexType core1_0.IndexType) (Kind, bool) {
	switch indexType {
	case core1_0.IndexTypeUInt16:
		return KindIndex16, true
	case core1_0.IndexTypeUInt32:
		return KindIndex32, true
	}
	return KindRaw, false
}

// IndexType returns the index type an index kind binds as
func (k Kind) IndexType() (core1_0.IndexType, bool) {
	switch k {
	case KindIndex16:
		return core1_0.IndexTypeUInt16, true
	case KindIndex32:
		return core1_0.IndexTypeUInt32, true
	}
	return 0, false
}

// IsIndex reports whether the kind holds indices
func (k Kind) IsIndex() bool {
	return k == KindIndex16 || k == KindIndex32
}
