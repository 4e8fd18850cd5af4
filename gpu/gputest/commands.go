package gputest

import (
	"time"

	"github.com/DavidLoftus/vktest/gpu"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Command is a single recorded command. Only Copy commands change memory, the others are kept
// so tests can inspect what was recorded.
type Command struct {
	Name string

	CopySrc     *Buffer
	CopyDst     *Buffer
	CopyRegions []core1_0.BufferCopy

	Buffers   []gpu.Buffer
	Offsets   []int
	IndexType core1_0.IndexType

	// Counts holds the integer arguments of draw and bind commands in declaration order
	Counts []int
}

// CommandBuffer is a fake gpu.CommandBuffer that records commands for execution at submit time
type CommandBuffer struct {
	device *Device
	handle uint64

	recording bool
	Commands  []Command
}

func (c *CommandBuffer) Begin(flags core1_0.CommandBufferUsageFlags) (common.VkResult, error) {
	res, err := c.device.injectedFailure("Begin")
	if err != nil {
		return res, err
	}
	if c.recording {
		return core1_0.VKErrorUnknown, errors.New("command buffer is already recording")
	}

	c.recording = true
	c.Commands = nil
	return core1_0.VKSuccess, nil
}

func (c *CommandBuffer) End() (common.VkResult, error) {
	res, err := c.device.injectedFailure("End")
	if err != nil {
		return res, err
	}
	if !c.recording {
		return core1_0.VKErrorUnknown, errors.New("command buffer is not recording")
	}

	c.recording = false
	return core1_0.VKSuccess, nil
}

func (c *CommandBuffer) Reset() (common.VkResult, error) {
	c.recording = false
	c.Commands = nil
	return core1_0.VKSuccess, nil
}

func (c *CommandBuffer) Free() {
	c.device.release(c.handle, kindCommandBuffer)
}

func (c *CommandBuffer) CmdCopyBuffer(src gpu.Buffer, dst gpu.Buffer, regions []core1_0.BufferCopy) error {
	if !c.recording {
		return errors.New("CmdCopyBuffer outside of recording")
	}

	srcBuffer := src.(*Buffer)
	dstBuffer := dst.(*Buffer)
	for _, region := range regions {
		if region.SrcOffset+region.Size > srcBuffer.size {
			return errors.Newf("copy region [%d, %d) overruns source buffer of size %d", region.SrcOffset, region.SrcOffset+region.Size, srcBuffer.size)
		}
		if region.DstOffset+region.Size > dstBuffer.size {
			return errors.Newf("copy region [%d, %d) overruns destination buffer of size %d", region.DstOffset, region.DstOffset+region.Size, dstBuffer.size)
		}
	}

	c.Commands = append(c.Commands, Command{
		Name:        "CmdCopyBuffer",
		CopySrc:     srcBuffer,
		CopyDst:     dstBuffer,
		CopyRegions: append([]core1_0.BufferCopy(nil), regions...),
	})
	return nil
}

func (c *CommandBuffer) CmdBindVertexBuffers(firstBinding int, buffers []gpu.Buffer, offsets []int) {
	c.Commands = append(c.Commands, Command{
		Name:    "CmdBindVertexBuffers",
		Buffers: buffers,
		Offsets: offsets,
		Counts:  []int{firstBinding},
	})
}

func (c *CommandBuffer) CmdBindIndexBuffer(buffer gpu.Buffer, offset int, indexType core1_0.IndexType) {
	c.Commands = append(c.Commands, Command{
		Name:      "CmdBindIndexBuffer",
		Buffers:   []gpu.Buffer{buffer},
		Offsets:   []int{offset},
		IndexType: indexType,
	})
}

func (c *CommandBuffer) CmdDraw(vertexCount, instanceCount, firstVertex, firstInstance int) {
	c.Commands = append(c.Commands, Command{
		Name:   "CmdDraw",
		Counts: []int{vertexCount, instanceCount, firstVertex, firstInstance},
	})
}

func (c *CommandBuffer) CmdDrawIndexed(indexCount, instanceCount, firstIndex, vertexOffset, firstInstance int) {
	c.Commands = append(c.Commands, Command{
		Name:   "CmdDrawIndexed",
		Counts: []int{indexCount, instanceCount, firstIndex, vertexOffset, firstInstance},
	})
}

func (c *CommandBuffer) execute() {
	for _, command := range c.Commands {
		if command.Name != "CmdCopyBuffer" {
			continue
		}

		src := command.CopySrc.Bytes()
		dst := command.CopyDst.Bytes()
		for _, region := range command.CopyRegions {
			copy(dst[region.DstOffset:region.DstOffset+region.Size], src[region.SrcOffset:region.SrcOffset+region.Size])
		}
	}
}

// Queue is a fake gpu.Queue. Submitted work completes immediately.
type Queue struct {
	device *Device

	// Submits records every successful submission in order
	Submits []gpu.SubmitInfo
	// HoldFences leaves submission fences unsignaled until Complete or an idle wait, standing
	// in for work the device has not finished yet
	HoldFences bool

	pending []*Fence
}

var _ gpu.Queue = &Queue{}

func (q *Queue) Submit(fence gpu.Fence, submits []gpu.SubmitInfo) (common.VkResult, error) {
	res, err := q.device.injectedFailure("Submit")
	if err != nil {
		return res, err
	}

	if fence != nil && fence.(*Fence).signaled {
		return core1_0.VKErrorUnknown, errors.New("submitted with a fence that is already signaled")
	}

	for _, submit := range submits {
		for _, commandBuffer := range submit.CommandBuffers {
			fake := commandBuffer.(*CommandBuffer)
			if fake.recording {
				return core1_0.VKErrorUnknown, errors.New("submitted a command buffer that is still recording")
			}
			fake.execute()
		}
	}

	q.Submits = append(q.Submits, submits...)
	if fence != nil {
		if q.HoldFences {
			q.pending = append(q.pending, fence.(*Fence))
		} else {
			fence.(*Fence).signaled = true
		}
	}
	return core1_0.VKSuccess, nil
}

// Complete signals the fences of every held submission
func (q *Queue) Complete() {
	for _, fence := range q.pending {
		fence.signaled = true
	}
	q.pending = nil
}

func (q *Queue) WaitIdle() (common.VkResult, error) {
	res, err := q.device.injectedFailure("QueueWaitIdle")
	if err != nil {
		return res, err
	}

	q.Complete()
	return res, nil
}

// Swapchain is a fake gpu.Swapchain. Images are handed out round-robin unless Acquisitions
// lists the indices to return.
type Swapchain struct {
	device     *Device
	imageCount int
	next       int

	// Acquisitions, when not empty, is consumed front to back by AcquireNextImage
	Acquisitions []int
	// Presented records the image index of every successful present
	Presented []int
}

var _ gpu.Swapchain = &Swapchain{}

// NewSwapchain creates a fake swapchain with imageCount images
func (d *Device) NewSwapchain(imageCount int) *Swapchain {
	return &Swapchain{
		device:     d,
		imageCount: imageCount,
	}
}

func (s *Swapchain) ImageCount() int { return s.imageCount }

func (s *Swapchain) AcquireNextImage(timeout time.Duration, semaphore gpu.Semaphore, fence gpu.Fence) (int, common.VkResult, error) {
	res, err := s.device.injectedFailure("AcquireNextImage")
	if err != nil {
		return -1, res, err
	}

	index := s.next
	if len(s.Acquisitions) > 0 {
		index = s.Acquisitions[0]
		s.Acquisitions = s.Acquisitions[1:]
	} else {
		s.next = (s.next + 1) % s.imageCount
	}

	if fence != nil {
		fence.(*Fence).signaled = true
	}
	return index, core1_0.VKSuccess, nil
}

func (s *Swapchain) Present(queue gpu.Queue, waitSemaphores []gpu.Semaphore, imageIndex int) (common.VkResult, error) {
	res, err := s.device.injectedFailure("Present")
	if err != nil {
		return res, err
	}

	s.Presented = append(s.Presented, imageIndex)
	return core1_0.VKSuccess, nil
}
