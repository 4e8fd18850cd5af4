package gpu

import (
	"unsafe"

	"github.com/DavidLoftus/vktest/memutils"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// Allocation is a physical buffer together with the device memory bound to it. It is the single
// owner of both: Destroy releases the buffer and then the memory.
type Allocation struct {
	context *Context

	buffer          Buffer
	memory          Memory
	size            int
	memorySize      int
	usage           core1_0.BufferUsageFlags
	memoryUsage     MemoryUsage
	memoryTypeIndex int
	location        Location
}

// CreateBuffer creates a physical buffer of size bytes and binds it to a freshly allocated block
// of device memory chosen by memoryUsage. A size of zero or less is rejected with
// ErrZeroSizeAllocation before the device is called.
func (c *Context) CreateBuffer(size int, usage core1_0.BufferUsageFlags, memoryUsage MemoryUsage) (*Allocation, common.VkResult, error) {
	c.logger.Debug("Context::CreateBuffer",
		slog.Int("size", size),
		slog.String("usage", usage.String()),
		slog.String("memoryUsage", memoryUsage.String()),
	)

	if size <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Wrapf(ErrZeroSizeAllocation, "Context::CreateBuffer size %d", size)
	}

	buffer, res, err := c.device.CreateBuffer(size, usage)
	if err != nil {
		return nil, res, AllocationError(err, "Device::CreateBuffer")
	}

	requirements := buffer.MemoryRequirements()
	memoryTypeIndex, res, err := FindMemoryTypeIndex(&c.memoryProperties, requirements.MemoryTypeBits, memoryUsage)
	if err != nil {
		buffer.Destroy()
		return nil, res, AllocationError(err, "Context::FindMemoryTypeIndex")
	}

	memory, res, err := c.device.AllocateMemory(requirements.Size, memoryTypeIndex)
	if err != nil {
		buffer.Destroy()
		return nil, res, AllocationError(err, "Device::AllocateMemory")
	}

	res, err = buffer.BindMemory(memory, 0)
	if err != nil {
		buffer.Destroy()
		memory.Free()
		return nil, res, AllocationError(err, "Buffer::BindMemory")
	}

	return &Allocation{
		context:         c,
		buffer:          buffer,
		memory:          memory,
		size:            size,
		memorySize:      requirements.Size,
		usage:           usage,
		memoryUsage:     memoryUsage,
		memoryTypeIndex: memoryTypeIndex,
		location:        LocationOf(c.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags),
	}, res, nil
}

func (a *Allocation) Buffer() Buffer                  { return a.buffer }
func (a *Allocation) Size() int                       { return a.size }
func (a *Allocation) Usage() core1_0.BufferUsageFlags { return a.usage }
func (a *Allocation) MemoryUsage() MemoryUsage        { return a.memoryUsage }
func (a *Allocation) MemoryTypeIndex() int            { return a.memoryTypeIndex }
func (a *Allocation) Location() Location              { return a.location }
func (a *Allocation) IsMappable() bool                { return a.location == LocationHostVisible }

// Destroy releases the buffer and its memory. Calling Destroy more than once does nothing.
func (a *Allocation) Destroy() {
	if a.buffer == nil {
		return
	}

	a.context.logger.Debug("Allocation::Destroy", slog.Int("size", a.size))

	a.buffer.Destroy()
	a.memory.Free()
	a.buffer = nil
	a.memory = nil
}

func (a *Allocation) cacheRange(offset, size int) (int, int, bool, error) {
	// A size of -1 indicates the rest of the allocation
	if size == 0 || size < -1 || !a.context.IsMemoryTypeHostNonCoherent(a.memoryTypeIndex) {
		return 0, 0, false, nil
	}

	if offset > a.size {
		return 0, 0, false, errors.Newf("offset %d is past the end of the allocation, which is size %d", offset, a.size)
	}
	if size > 0 && offset+size > a.size {
		return 0, 0, false, errors.Newf("offset %d places the end of the range %d past the end of the allocation, which is size %d", offset, offset+size, a.size)
	}

	atomSize := a.context.limits.NonCoherentAtomSize
	alignedOffset := memutils.AlignDown(offset, atomSize)

	alignedSize := a.memorySize - alignedOffset
	if size > 0 {
		candidate := memutils.AlignUp(size+(offset-alignedOffset), atomSize)
		if candidate < alignedSize {
			alignedSize = candidate
		}
	}

	return alignedOffset, alignedSize, true, nil
}

// Flush makes host writes to the given range visible to the device. It does nothing for
// host-coherent memory.
func (a *Allocation) Flush(offset, size int) (common.VkResult, error) {
	alignedOffset, alignedSize, needed, err := a.cacheRange(offset, size)
	if err != nil {
		return core1_0.VKErrorUnknown, MapError(err, "Allocation::Flush")
	} else if !needed {
		return core1_0.VKSuccess, nil
	}

	res, err := a.memory.Flush(alignedOffset, alignedSize)
	if err != nil {
		return res, MapError(err, "Memory::Flush")
	}
	return res, nil
}

// Invalidate makes device writes to the given range visible to the host. It does nothing for
// host-coherent memory.
func (a *Allocation) Invalidate(offset, size int) (common.VkResult, error) {
	alignedOffset, alignedSize, needed, err := a.cacheRange(offset, size)
	if err != nil {
		return core1_0.VKErrorUnknown, MapError(err, "Allocation::Invalidate")
	} else if !needed {
		return core1_0.VKSuccess, nil
	}

	res, err := a.memory.Invalidate(alignedOffset, alignedSize)
	if err != nil {
		return res, MapError(err, "Memory::Invalidate")
	}
	return res, nil
}

// MapAccess states what the host intends to do with a Mapping
type MapAccess uint32

const (
	// MapWrite flushes the mapped range when the Mapping is closed
	MapWrite MapAccess = 1 << iota
	// MapRead invalidates the mapped range when the Mapping is opened
	MapRead
)

var mapAccessMapping = common.NewFlagStringMapping[MapAccess]()

func (a MapAccess) Register(str string) {
	mapAccessMapping.Register(a, str)
}

func (a MapAccess) String() string {
	return mapAccessMapping.FlagsToString(a)
}

func init() {
	MapWrite.Register("MapWrite")
	MapRead.Register("MapRead")
}

// Mapping is a host view of an Allocation's bytes. Close must be called on every path once
// the caller is done with Bytes, after which Bytes must not be touched.
type Mapping struct {
	allocation *Allocation
	access     MapAccess
	data       []byte
}

// Map maps the allocation's memory into host address space. The allocation must be
// host-visible. When access includes MapRead, non-coherent memory is invalidated before
// returning.
func (a *Allocation) Map(access MapAccess) (*Mapping, common.VkResult, error) {
	a.context.logger.Debug("Allocation::Map", slog.String("access", access.String()))

	if a.memory == nil {
		return nil, core1_0.VKErrorUnknown, MapError(errors.New("allocation has been destroyed"), "Allocation::Map")
	}
	if a.location != LocationHostVisible {
		return nil, core1_0.VKErrorMemoryMapFailed, MapError(
			errors.Newf("memory type %d is not host visible", a.memoryTypeIndex),
			"Allocation::Map",
		)
	}

	ptr, res, err := a.memory.Map(0, -1)
	if err != nil {
		return nil, res, MapError(err, "Memory::Map")
	}

	mapping := &Mapping{
		allocation: a,
		access:     access,
		data:       unsafe.Slice((*byte)(ptr), a.size),
	}

	if access&MapRead != 0 {
		res, err = a.Invalidate(0, -1)
		if err != nil {
			a.memory.Unmap()
			return nil, res, err
		}
	}

	return mapping, res, nil
}

// Bytes returns the mapped contents of the allocation. The slice is nil once the Mapping is
// closed.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Close flushes writes to non-coherent memory and unmaps. The memory is unmapped even when the
// flush fails. Closing an already-closed Mapping does nothing.
func (m *Mapping) Close() (common.VkResult, error) {
	if m.data == nil {
		return core1_0.VKSuccess, nil
	}
	m.data = nil

	var res common.VkResult = core1_0.VKSuccess
	var err error
	if m.access&MapWrite != 0 {
		res, err = m.allocation.Flush(0, -1)
	}

	m.allocation.memory.Unmap()
	return res, err
}

// WithMapping maps the allocation, runs fn over its bytes, and closes the mapping on every exit
// path
func (a *Allocation) WithMapping(access MapAccess, fn func(data []byte) error) (err error) {
	mapping, _, err := a.Map(access)
	if err != nil {
		return err
	}
	defer func() {
		_, closeErr := mapping.Close()
		err = errors.CombineErrors(err, closeErr)
	}()

	return fn(mapping.Bytes())
}
