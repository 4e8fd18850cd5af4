package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// SubmitOneTime records a short-lived command buffer with record, submits it to the context's
// queue and blocks until the device has finished executing it. The wait is bounded by
// ContextOptions.FenceTimeout; a timeout is reported as ErrWaitFailed.
//
// The command buffer and fence are released before returning, except when the wait itself
// failed: in that case the work may still be pending and the objects are leaked rather than
// destroyed under the device.
func (c *Context) SubmitOneTime(record func(commandBuffer CommandBuffer) error) (common.VkResult, error) {
	c.logger.Debug("Context::SubmitOneTime")

	commandBuffers, res, err := c.device.AllocateCommandBuffers(1)
	if err != nil {
		return res, SubmitError(err, "Device::AllocateCommandBuffers")
	}
	commandBuffer := commandBuffers[0]

	pending := false
	defer func() {
		if !pending {
			commandBuffer.Free()
		}
	}()

	res, err = commandBuffer.Begin(core1_0.CommandBufferUsageOneTimeSubmit)
	if err != nil {
		return res, SubmitError(err, "CommandBuffer::Begin")
	}

	err = record(commandBuffer)
	if err != nil {
		return core1_0.VKErrorUnknown, SubmitError(err, "Context::SubmitOneTime record")
	}

	res, err = commandBuffer.End()
	if err != nil {
		return res, SubmitError(err, "CommandBuffer::End")
	}

	fence, res, err := c.device.CreateFence(false)
	if err != nil {
		return res, SubmitError(err, "Device::CreateFence")
	}
	defer func() {
		if !pending {
			fence.Destroy()
		}
	}()

	res, err = c.queue.Submit(fence, []SubmitInfo{
		{
			CommandBuffers: []CommandBuffer{commandBuffer},
		},
	})
	if err != nil {
		return res, SubmitError(err, "Queue::Submit")
	}

	res, err = c.device.WaitForFences(true, c.fenceTimeout, []Fence{fence})
	if err != nil {
		pending = true
		return res, WaitError(err, "Device::WaitForFences")
	}
	if res == core1_0.VKTimeout {
		pending = true
		c.logger.Error("Context::SubmitOneTime fence wait timed out", slog.Duration("timeout", c.fenceTimeout))
		return res, WaitError(errors.Newf("fence not signaled after %s", c.fenceTimeout), "Device::WaitForFences")
	}

	return res, nil
}
