package gpu

import (
	"time"
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

//go:generate mockgen -source=interfaces.go -destination=./mocks/mocks.go -package=mocks

// Device is the subset of a logical device that packing, uploading and frame synchronization
// need. The vulkan package implements it over a vkngwrapper core1_0.Device.
type Device interface {
	CreateBuffer(size int, usage core1_0.BufferUsageFlags) (Buffer, common.VkResult, error)
	AllocateMemory(size int, memoryTypeIndex int) (Memory, common.VkResult, error)
	CreateFence(signaled bool) (Fence, common.VkResult, error)
	CreateSemaphore() (Semaphore, common.VkResult, error)
	AllocateCommandBuffers(count int) ([]CommandBuffer, common.VkResult, error)

	WaitForFences(waitForAll bool, timeout time.Duration, fences []Fence) (common.VkResult, error)
	ResetFences(fences []Fence) (common.VkResult, error)
	WaitIdle() (common.VkResult, error)
}

// Buffer is a physical device buffer. A Buffer has no memory until BindMemory succeeds.
type Buffer interface {
	Size() int
	MemoryRequirements() *core1_0.MemoryRequirements
	BindMemory(memory Memory, offset int) (common.VkResult, error)
	Destroy()
}

// Memory is a single device memory allocation. A size of -1 passed to Map, Flush or
// Invalidate addresses everything from offset to the end of the allocation.
type Memory interface {
	Map(offset int, size int) (unsafe.Pointer, common.VkResult, error)
	Unmap()
	Flush(offset int, size int) (common.VkResult, error)
	Invalidate(offset int, size int) (common.VkResult, error)
	Free()
}

type Fence interface {
	Destroy()
}

type Semaphore interface {
	Destroy()
}

// CommandBuffer records device commands. Command buffers are allocated from the render
// context's command pool.
type CommandBuffer interface {
	Begin(flags core1_0.CommandBufferUsageFlags) (common.VkResult, error)
	End() (common.VkResult, error)
	Reset() (common.VkResult, error)
	Free()

	CmdCopyBuffer(src Buffer, dst Buffer, regions []core1_0.BufferCopy) error
	CmdBindVertexBuffers(firstBinding int, buffers []Buffer, offsets []int)
	CmdBindIndexBuffer(buffer Buffer, offset int, indexType core1_0.IndexType)
	CmdDraw(vertexCount, instanceCount, firstVertex, firstInstance int)
	CmdDrawIndexed(indexCount, instanceCount, firstIndex, vertexOffset, firstInstance int)
}

// SubmitInfo describes one batch of command buffers submitted to a Queue
type SubmitInfo struct {
	WaitSemaphores   []Semaphore
	WaitDstStageMask []core1_0.PipelineStageFlags
	CommandBuffers   []CommandBuffer
	SignalSemaphores []Semaphore
}

type Queue interface {
	Submit(fence Fence, submits []SubmitInfo) (common.VkResult, error)
	WaitIdle() (common.VkResult, error)
}

// Swapchain is the presentation engine's ring of images. AcquireNextImage returns the index of
// the image the engine chose, which is not necessarily the next index in order.
type Swapchain interface {
	ImageCount() int
	AcquireNextImage(timeout time.Duration, semaphore Semaphore, fence Fence) (int, common.VkResult, error)
	Present(queue Queue, waitSemaphores []Semaphore, imageIndex int) (common.VkResult, error)
}
