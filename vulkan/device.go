// Package vulkan implements the gpu interfaces on top of vkngwrapper core1_0 objects
package vulkan

import (
	"time"
	"unsafe"

	"github.com/DavidLoftus/vktest/gpu"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// Device adapts a core1_0.Device and the command pool short-lived command buffers come from
type Device struct {
	device              core1_0.Device
	commandPool         core1_0.CommandPool
	allocationCallbacks *driver.AllocationCallbacks
}

var _ gpu.Device = &Device{}

// NewDevice wraps device. Every object created through the returned Device uses
// allocationCallbacks, which may be nil.
func NewDevice(device core1_0.Device, commandPool core1_0.CommandPool, allocationCallbacks *driver.AllocationCallbacks) *Device {
	return &Device{
		device:              device,
		commandPool:         commandPool,
		allocationCallbacks: allocationCallbacks,
	}
}

func (d *Device) VulkanDevice() core1_0.Device {
	return d.device
}

func (d *Device) CreateBuffer(size int, usage core1_0.BufferUsageFlags) (gpu.Buffer, common.VkResult, error) {
	vkBuffer, res, err := d.device.CreateBuffer(d.allocationCallbacks, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, res, err
	}

	return &Buffer{
		buffer:              vkBuffer,
		size:                size,
		allocationCallbacks: d.allocationCallbacks,
	}, res, nil
}

func (d *Device) AllocateMemory(size int, memoryTypeIndex int) (gpu.Memory, common.VkResult, error) {
	vkMemory, res, err := d.device.AllocateMemory(d.allocationCallbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, res, err
	}

	return &Memory{
		device:              d.device,
		memory:              vkMemory,
		allocationCallbacks: d.allocationCallbacks,
	}, res, nil
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, common.VkResult, error) {
	var options core1_0.FenceCreateInfo
	if signaled {
		options.Flags = core1_0.FenceCreateSignaled
	}

	vkFence, res, err := d.device.CreateFence(d.allocationCallbacks, options)
	if err != nil {
		return nil, res, err
	}

	return &Fence{fence: vkFence, allocationCallbacks: d.allocationCallbacks}, res, nil
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, common.VkResult, error) {
	vkSemaphore, res, err := d.device.CreateSemaphore(d.allocationCallbacks, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return nil, res, err
	}

	return &Semaphore{semaphore: vkSemaphore, allocationCallbacks: d.allocationCallbacks}, res, nil
}

func (d *Device) AllocateCommandBuffers(count int) ([]gpu.CommandBuffer, common.VkResult, error) {
	vkCommandBuffers, res, err := d.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        d.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: count,
	})
	if err != nil {
		return nil, res, err
	}

	commandBuffers := make([]gpu.CommandBuffer, 0, len(vkCommandBuffers))
	for _, vkCommandBuffer := range vkCommandBuffers {
		commandBuffers = append(commandBuffers, &CommandBuffer{commandBuffer: vkCommandBuffer})
	}
	return commandBuffers, res, nil
}

func (d *Device) WaitForFences(waitForAll bool, timeout time.Duration, fences []gpu.Fence) (common.VkResult, error) {
	vkFences, err := unwrapFences(fences)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}
	return d.device.WaitForFences(waitForAll, timeout, vkFences)
}

func (d *Device) ResetFences(fences []gpu.Fence) (common.VkResult, error) {
	vkFences, err := unwrapFences(fences)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}
	return d.device.ResetFences(vkFences)
}

func (d *Device) WaitIdle() (common.VkResult, error) {
	return d.device.WaitIdle()
}

// Buffer adapts a core1_0.Buffer
type Buffer struct {
	buffer              core1_0.Buffer
	size                int
	allocationCallbacks *driver.AllocationCallbacks
}

func (b *Buffer) VulkanBuffer() core1_0.Buffer { return b.buffer }
func (b *Buffer) Size() int                    { return b.size }

func (b *Buffer) MemoryRequirements() *core1_0.MemoryRequirements {
	return b.buffer.MemoryRequirements()
}

func (b *Buffer) BindMemory(memory gpu.Memory, offset int) (common.VkResult, error) {
	vkMemory, ok := memory.(*Memory)
	if !ok {
		return core1_0.VKErrorUnknown, errors.Newf("cannot bind a vulkan buffer to %T", memory)
	}
	return b.buffer.BindBufferMemory(vkMemory.memory, offset)
}

func (b *Buffer) Destroy() {
	b.buffer.Destroy(b.allocationCallbacks)
}

// Memory adapts a core1_0.DeviceMemory. Flush and Invalidate go through the owning device.
type Memory struct {
	device              core1_0.Device
	memory              core1_0.DeviceMemory
	allocationCallbacks *driver.AllocationCallbacks
}

func (m *Memory) VulkanDeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

func (m *Memory) Map(offset int, size int) (unsafe.Pointer, common.VkResult, error) {
	return m.memory.Map(offset, size, 0)
}

func (m *Memory) Unmap() {
	m.memory.Unmap()
}

func (m *Memory) Flush(offset int, size int) (common.VkResult, error) {
	return m.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: m.memory,
			Offset: offset,
			Size:   size,
		},
	})
}

func (m *Memory) Invalidate(offset int, size int) (common.VkResult, error) {
	return m.device.InvalidateMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: m.memory,
			Offset: offset,
			Size:   size,
		},
	})
}

func (m *Memory) Free() {
	m.memory.Free(m.allocationCallbacks)
}

// Fence adapts a core1_0.Fence
type Fence struct {
	fence               core1_0.Fence
	allocationCallbacks *driver.AllocationCallbacks
}

func (f *Fence) VulkanFence() core1_0.Fence { return f.fence }
func (f *Fence) Destroy()                   { f.fence.Destroy(f.allocationCallbacks) }

// Semaphore adapts a core1_0.Semaphore
type Semaphore struct {
	semaphore           core1_0.Semaphore
	allocationCallbacks *driver.AllocationCallbacks
}

func (s *Semaphore) VulkanSemaphore() core1_0.Semaphore { return s.semaphore }
func (s *Semaphore) Destroy()                           { s.semaphore.Destroy(s.allocationCallbacks) }

func unwrapFences(fences []gpu.Fence) ([]core1_0.Fence, error) {
	vkFences := make([]core1_0.Fence, 0, len(fences))
	for _, fence := range fences {
		vkFence, ok := fence.(*Fence)
		if !ok {
			return nil, errors.Newf("%T is not a vulkan fence", fence)
		}
		vkFences = append(vkFences, vkFence.fence)
	}
	return vkFences, nil
}

func unwrapSemaphores(semaphores []gpu.Semaphore) ([]core1_0.Semaphore, error) {
	vkSemaphores := make([]core1_0.Semaphore, 0, len(semaphores))
	for _, semaphore := range semaphores {
		vkSemaphore, ok := semaphore.(*Semaphore)
		if !ok {
			return nil, errors.Newf("%T is not a vulkan semaphore", semaphore)
		}
		vkSemaphores = append(vkSemaphores, vkSemaphore.semaphore)
	}
	return vkSemaphores, nil
}

func unwrapBuffers(buffers []gpu.Buffer) ([]core1_0.Buffer, error) {
	vkBuffers := make([]core1_0.Buffer, 0, len(buffers))
	for _, buffer := range buffers {
		vkBuffer, ok := buffer.(*Buffer)
		if !ok {
			return nil, errors.Newf("%T is not a vulkan buffer", buffer)
		}
		vkBuffers = append(vkBuffers, vkBuffer.buffer)
	}
	return vkBuffers, nil
}
