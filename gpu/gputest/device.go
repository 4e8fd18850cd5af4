// Package gputest provides an in-memory device that implements the gpu interfaces. Buffers
// really hold bytes and submitted copy commands are executed on the host at submit time, so
// tests can verify what ended up where without a driver.
package gputest

import (
	"time"
	"unsafe"

	"github.com/DavidLoftus/vktest/gpu"
	"github.com/DavidLoftus/vktest/memutils"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// BufferAlignment is the alignment reported in every fake buffer's memory requirements
const BufferAlignment = 16

// Memory type indices used by DefaultMemoryProperties
const (
	MemoryTypeDeviceLocal = iota
	MemoryTypeHostCoherent
	MemoryTypeHostCached
)

// DefaultMemoryProperties resembles a discrete GPU: one device-local type, one coherent
// host-visible type and one cached but non-coherent host-visible type
func DefaultMemoryProperties() core1_0.PhysicalDeviceMemoryProperties {
	return core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     1,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached,
				HeapIndex:     1,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  1 << 28,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
			{
				Size:  1 << 28,
				Flags: 0,
			},
		},
	}
}

// DefaultLimits returns the limits the fake device reports
func DefaultLimits() core1_0.PhysicalDeviceLimits {
	return core1_0.PhysicalDeviceLimits{
		MinUniformBufferOffsetAlignment: 256,
		MinStorageBufferOffsetAlignment: 64,
		NonCoherentAtomSize:             64,
	}
}

// objectKind names the type of a live handle in the device's handle table
type objectKind string

const (
	kindBuffer        objectKind = "Buffer"
	kindMemory        objectKind = "Memory"
	kindFence         objectKind = "Fence"
	kindSemaphore     objectKind = "Semaphore"
	kindCommandBuffer objectKind = "CommandBuffer"
)

// Device is a fake gpu.Device. It is not safe for concurrent use.
type Device struct {
	memoryProperties core1_0.PhysicalDeviceMemoryProperties

	nextHandle uint64
	live       *swiss.Map[uint64, objectKind]
	failures   map[string]common.VkResult

	queue *Queue

	// Flushes and Invalidates record every cache maintenance range, in call order
	Flushes     []Range
	Invalidates []Range
}

// Range is a memory range passed to Flush or Invalidate
type Range struct {
	Memory *Memory
	Offset int
	Size   int
}

var _ gpu.Device = &Device{}

// NewDevice creates a fake device exposing memoryProperties
func NewDevice(memoryProperties core1_0.PhysicalDeviceMemoryProperties) *Device {
	device := &Device{
		memoryProperties: memoryProperties,
		live:             swiss.NewMap[uint64, objectKind](42),
		failures:         make(map[string]common.VkResult),
	}
	device.queue = &Queue{device: device}
	return device
}

// NewContext builds a gpu.Context around a fresh fake device with DefaultMemoryProperties and
// DefaultLimits
func NewContext(options gpu.ContextOptions) (*gpu.Context, *Device, error) {
	device := NewDevice(DefaultMemoryProperties())
	context, err := gpu.NewContext(nil, gpu.ContextInfo{
		Device:           device,
		Queue:            device.Queue(),
		MemoryProperties: device.memoryProperties,
		Limits:           DefaultLimits(),
		SwapchainFormat:  core1_0.FormatB8G8R8A8UnsignedNormalized,
		SwapchainExtent:  gpu.Extent{Width: 800, Height: 600},
		Options:          options,
	})
	return context, device, err
}

// Queue returns the device's only queue
func (d *Device) Queue() *Queue {
	return d.queue
}

// FailOn makes the next call to the named operation ("CreateBuffer", "AllocateMemory", "Map",
// "Submit", "WaitForFences", ...) fail with res
func (d *Device) FailOn(operation string, res common.VkResult) {
	d.failures[operation] = res
}

func (d *Device) injectedFailure(operation string) (common.VkResult, error) {
	res, ok := d.failures[operation]
	if !ok {
		return core1_0.VKSuccess, nil
	}
	delete(d.failures, operation)
	return res, res.ToError()
}

func (d *Device) register(kind objectKind) uint64 {
	d.nextHandle++
	d.live.Put(d.nextHandle, kind)
	return d.nextHandle
}

func (d *Device) release(handle uint64, kind objectKind) {
	current, ok := d.live.Get(handle)
	if !ok {
		panic(errors.Newf("%s %d destroyed twice", kind, handle))
	}
	if current != kind {
		panic(errors.Newf("handle %d is a %s, not a %s", handle, current, kind))
	}
	d.live.Delete(handle)
}

// LiveObjects counts the handles that have been created but not yet destroyed, by type name
func (d *Device) LiveObjects() map[string]int {
	counts := make(map[string]int)
	d.live.Iter(func(_ uint64, kind objectKind) bool {
		counts[string(kind)]++
		return false
	})
	return counts
}

// LiveObjectCount is the total number of undestroyed handles
func (d *Device) LiveObjectCount() int {
	return d.live.Count()
}

func (d *Device) CreateBuffer(size int, usage core1_0.BufferUsageFlags) (gpu.Buffer, common.VkResult, error) {
	res, err := d.injectedFailure("CreateBuffer")
	if err != nil {
		return nil, res, err
	}
	if size <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("buffer size must be positive, got %d", size)
	}

	return &Buffer{
		device: d,
		handle: d.register(kindBuffer),
		size:   size,
		usage:  usage,
	}, core1_0.VKSuccess, nil
}

func (d *Device) AllocateMemory(size int, memoryTypeIndex int) (gpu.Memory, common.VkResult, error) {
	res, err := d.injectedFailure("AllocateMemory")
	if err != nil {
		return nil, res, err
	}
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.memoryProperties.MemoryTypes) {
		return nil, core1_0.VKErrorUnknown, errors.Newf("memory type %d does not exist", memoryTypeIndex)
	}

	return &Memory{
		device:          d,
		handle:          d.register(kindMemory),
		memoryTypeIndex: memoryTypeIndex,
		flags:           d.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags,
		data:            make([]byte, size),
	}, core1_0.VKSuccess, nil
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, common.VkResult, error) {
	res, err := d.injectedFailure("CreateFence")
	if err != nil {
		return nil, res, err
	}

	return &Fence{
		device:   d,
		handle:   d.register(kindFence),
		signaled: signaled,
	}, core1_0.VKSuccess, nil
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, common.VkResult, error) {
	res, err := d.injectedFailure("CreateSemaphore")
	if err != nil {
		return nil, res, err
	}

	return &Semaphore{
		device: d,
		handle: d.register(kindSemaphore),
	}, core1_0.VKSuccess, nil
}

func (d *Device) AllocateCommandBuffers(count int) ([]gpu.CommandBuffer, common.VkResult, error) {
	res, err := d.injectedFailure("AllocateCommandBuffers")
	if err != nil {
		return nil, res, err
	}

	commandBuffers := make([]gpu.CommandBuffer, 0, count)
	for i := 0; i < count; i++ {
		commandBuffers = append(commandBuffers, &CommandBuffer{
			device: d,
			handle: d.register(kindCommandBuffer),
		})
	}
	return commandBuffers, core1_0.VKSuccess, nil
}

// WaitForFences never blocks. Work is executed at submit time, so a fence that is still
// unsignaled here will never be signaled and the wait reports VKTimeout.
func (d *Device) WaitForFences(waitForAll bool, timeout time.Duration, fences []gpu.Fence) (common.VkResult, error) {
	res, err := d.injectedFailure("WaitForFences")
	if err != nil {
		return res, err
	}

	signaledCount := 0
	for _, fence := range fences {
		if fence.(*Fence).signaled {
			signaledCount++
		}
	}

	if signaledCount == len(fences) || (!waitForAll && signaledCount > 0) {
		return core1_0.VKSuccess, nil
	}
	return core1_0.VKTimeout, nil
}

func (d *Device) ResetFences(fences []gpu.Fence) (common.VkResult, error) {
	res, err := d.injectedFailure("ResetFences")
	if err != nil {
		return res, err
	}

	for _, fence := range fences {
		fence.(*Fence).signaled = false
	}
	return core1_0.VKSuccess, nil
}

func (d *Device) WaitIdle() (common.VkResult, error) {
	res, err := d.injectedFailure("WaitIdle")
	if err != nil {
		return res, err
	}

	d.queue.Complete()
	return res, nil
}

// Buffer is a fake gpu.Buffer
type Buffer struct {
	device *Device
	handle uint64
	size   int
	usage  core1_0.BufferUsageFlags

	memory *Memory
	offset int
}

func (b *Buffer) Size() int                       { return b.size }
func (b *Buffer) Usage() core1_0.BufferUsageFlags { return b.usage }

// Bytes returns the slice of the bound memory that this buffer covers
func (b *Buffer) Bytes() []byte {
	if b.memory == nil {
		return nil
	}
	return b.memory.data[b.offset : b.offset+b.size]
}

func (b *Buffer) MemoryRequirements() *core1_0.MemoryRequirements {
	return &core1_0.MemoryRequirements{
		Size:           memutils.AlignUp(b.size, BufferAlignment),
		Alignment:      BufferAlignment,
		MemoryTypeBits: 1<<len(b.device.memoryProperties.MemoryTypes) - 1,
	}
}

func (b *Buffer) BindMemory(memory gpu.Memory, offset int) (common.VkResult, error) {
	res, err := b.device.injectedFailure("BindMemory")
	if err != nil {
		return res, err
	}
	if b.memory != nil {
		return core1_0.VKErrorUnknown, errors.New("buffer is already bound")
	}

	fake := memory.(*Memory)
	if offset+b.size > len(fake.data) {
		return core1_0.VKErrorUnknown, errors.Newf("buffer of size %d does not fit at offset %d in memory of size %d", b.size, offset, len(fake.data))
	}

	b.memory = fake
	b.offset = offset
	return core1_0.VKSuccess, nil
}

func (b *Buffer) Destroy() {
	b.device.release(b.handle, kindBuffer)
}

// Memory is a fake gpu.Memory backed by a byte slice
type Memory struct {
	device          *Device
	handle          uint64
	memoryTypeIndex int
	flags           core1_0.MemoryPropertyFlags
	data            []byte
	mapped          bool
}

func (m *Memory) MemoryTypeIndex() int { return m.memoryTypeIndex }
func (m *Memory) IsMapped() bool       { return m.mapped }

func (m *Memory) Map(offset int, size int) (unsafe.Pointer, common.VkResult, error) {
	res, err := m.device.injectedFailure("Map")
	if err != nil {
		return nil, res, err
	}
	if m.flags&core1_0.MemoryPropertyHostVisible == 0 {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("memory type %d is not host visible", m.memoryTypeIndex)
	}
	if m.mapped {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.New("memory is already mapped")
	}
	if offset >= len(m.data) {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("offset %d is past the end of memory of size %d", offset, len(m.data))
	}

	m.mapped = true
	return unsafe.Pointer(&m.data[offset]), core1_0.VKSuccess, nil
}

func (m *Memory) Unmap() {
	if !m.mapped {
		panic("unmapping memory that is not mapped")
	}
	m.mapped = false
}

func (m *Memory) Flush(offset int, size int) (common.VkResult, error) {
	res, err := m.device.injectedFailure("Flush")
	if err != nil {
		return res, err
	}
	m.device.Flushes = append(m.device.Flushes, Range{Memory: m, Offset: offset, Size: size})
	return core1_0.VKSuccess, nil
}

func (m *Memory) Invalidate(offset int, size int) (common.VkResult, error) {
	res, err := m.device.injectedFailure("Invalidate")
	if err != nil {
		return res, err
	}
	m.device.Invalidates = append(m.device.Invalidates, Range{Memory: m, Offset: offset, Size: size})
	return core1_0.VKSuccess, nil
}

func (m *Memory) Free() {
	m.device.release(m.handle, kindMemory)
}

// Fence is a fake gpu.Fence
type Fence struct {
	device   *Device
	handle   uint64
	signaled bool
}

func (f *Fence) Signaled() bool { return f.signaled }

func (f *Fence) Destroy() {
	f.device.release(f.handle, kindFence)
}

// Semaphore is a fake gpu.Semaphore
type Semaphore struct {
	device *Device
	handle uint64
}

func (s *Semaphore) Destroy() {
	s.device.release(s.handle, kindSemaphore)
}
