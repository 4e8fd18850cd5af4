package vulkan

import (
	"github.com/DavidLoftus/vktest/gpu"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// CommandBuffer adapts a primary core1_0.CommandBuffer
type CommandBuffer struct {
	commandBuffer core1_0.CommandBuffer
}

var _ gpu.CommandBuffer = &CommandBuffer{}

func (c *CommandBuffer) VulkanCommandBuffer() core1_0.CommandBuffer {
	return c.commandBuffer
}

func (c *CommandBuffer) Begin(flags core1_0.CommandBufferUsageFlags) (common.VkResult, error) {
	return c.commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: flags,
	})
}

func (c *CommandBuffer) End() (common.VkResult, error) {
	return c.commandBuffer.End()
}

func (c *CommandBuffer) Reset() (common.VkResult, error) {
	return c.commandBuffer.Reset(0)
}

func (c *CommandBuffer) Free() {
	c.commandBuffer.Free()
}

func (c *CommandBuffer) CmdCopyBuffer(src gpu.Buffer, dst gpu.Buffer, regions []core1_0.BufferCopy) error {
	buffers, err := unwrapBuffers([]gpu.Buffer{src, dst})
	if err != nil {
		return err
	}
	return c.commandBuffer.CmdCopyBuffer(buffers[0], buffers[1], regions)
}

func (c *CommandBuffer) CmdBindVertexBuffers(firstBinding int, buffers []gpu.Buffer, offsets []int) {
	vkBuffers, err := unwrapBuffers(buffers)
	if err != nil {
		panic(err)
	}
	c.commandBuffer.CmdBindVertexBuffers(firstBinding, vkBuffers, offsets)
}

func (c *CommandBuffer) CmdBindIndexBuffer(buffer gpu.Buffer, offset int, indexType core1_0.IndexType) {
	vkBuffers, err := unwrapBuffers([]gpu.Buffer{buffer})
	if err != nil {
		panic(err)
	}
	c.commandBuffer.CmdBindIndexBuffer(vkBuffers[0], offset, indexType)
}

func (c *CommandBuffer) CmdDraw(vertexCount, instanceCount, firstVertex, firstInstance int) {
	c.commandBuffer.CmdDraw(vertexCount, instanceCount, uint32(firstVertex), uint32(firstInstance))
}

func (c *CommandBuffer) CmdDrawIndexed(indexCount, instanceCount, firstIndex, vertexOffset, firstInstance int) {
	c.commandBuffer.CmdDrawIndexed(indexCount, instanceCount, uint32(firstIndex), vertexOffset, uint32(firstInstance))
}

// Queue adapts a core1_0.Queue
type Queue struct {
	queue core1_0.Queue
}

var _ gpu.Queue = &Queue{}

func NewQueue(queue core1_0.Queue) *Queue {
	return &Queue{queue: queue}
}

func (q *Queue) VulkanQueue() core1_0.Queue {
	return q.queue
}

func (q *Queue) Submit(fence gpu.Fence, submits []gpu.SubmitInfo) (common.VkResult, error) {
	var vkFence core1_0.Fence
	if fence != nil {
		adapted, ok := fence.(*Fence)
		if !ok {
			return core1_0.VKErrorUnknown, errors.Newf("%T is not a vulkan fence", fence)
		}
		vkFence = adapted.fence
	}

	vkSubmits := make([]core1_0.SubmitInfo, 0, len(submits))
	for _, submit := range submits {
		waitSemaphores, err := unwrapSemaphores(submit.WaitSemaphores)
		if err != nil {
			return core1_0.VKErrorUnknown, err
		}
		signalSemaphores, err := unwrapSemaphores(submit.SignalSemaphores)
		if err != nil {
			return core1_0.VKErrorUnknown, err
		}

		commandBuffers := make([]core1_0.CommandBuffer, 0, len(submit.CommandBuffers))
		for _, commandBuffer := range submit.CommandBuffers {
			adapted, ok := commandBuffer.(*CommandBuffer)
			if !ok {
				return core1_0.VKErrorUnknown, errors.Newf("%T is not a vulkan command buffer", commandBuffer)
			}
			commandBuffers = append(commandBuffers, adapted.commandBuffer)
		}

		vkSubmits = append(vkSubmits, core1_0.SubmitInfo{
			WaitSemaphores:   waitSemaphores,
			WaitDstStageMask: submit.WaitDstStageMask,
			CommandBuffers:   commandBuffers,
			SignalSemaphores: signalSemaphores,
		})
	}

	return q.queue.Submit(vkFence, vkSubmits)
}

func (q *Queue) WaitIdle() (common.VkResult, error) {
	return q.queue.WaitIdle()
}
