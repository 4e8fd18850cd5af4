// Package frame drives the steady-state render loop. A Ring owns one semaphore pair and one
// fence per swapchain image and cycles every image through acquire, submit and present, waiting
// for an image's previous submission before anything touches it again.
package frame

import (
	"io"
	"time"

	"github.com/DavidLoftus/vktest/gpu"
	"github.com/DavidLoftus/vktest/lifetime"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// RingOptions contains optional settings when creating a Ring
type RingOptions struct {
	// FenceTimeout bounds the wait for an image's previous submission. Zero means gpu.NoTimeout.
	FenceTimeout time.Duration
	// AcquireTimeout bounds image acquisition. Zero means gpu.NoTimeout.
	AcquireTimeout time.Duration
}

// Ring is the per-swapchain-image synchronization ring. It is driven from a single goroutine.
type Ring struct {
	logger    *slog.Logger
	context   *gpu.Context
	swapchain gpu.Swapchain

	fenceTimeout   time.Duration
	acquireTimeout time.Duration

	objects *lifetime.Stack
	slots   []slot

	framesAcquired  int
	framesSubmitted int
	framesPresented int
	fenceWaits      int
}

// NewRing creates the synchronization objects for every image in swapchain. In-flight fences are
// created signaled, so the first wait on each image returns immediately.
//
// logger - Receives debug logs for every ring transition and error logs for aborted frames.
// nil discards them.
//
// context - The render context whose device and queue the ring submits through
//
// swapchain - The swapchain to acquire from and present to. The ring does not own it.
func NewRing(logger *slog.Logger, context *gpu.Context, swapchain gpu.Swapchain, options RingOptions) (*Ring, common.VkResult, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if context == nil {
		return nil, core1_0.VKErrorUnknown, errors.New("NewRing: context cannot be nil")
	}
	if swapchain == nil {
		return nil, core1_0.VKErrorUnknown, errors.New("NewRing: swapchain cannot be nil")
	}

	imageCount := swapchain.ImageCount()
	if imageCount <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("NewRing: swapchain has %d images", imageCount)
	}

	fenceTimeout := options.FenceTimeout
	if fenceTimeout <= 0 {
		fenceTimeout = gpu.NoTimeout
	}
	acquireTimeout := options.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = gpu.NoTimeout
	}

	objects := lifetime.NewStack(logger)
	device := context.Device()
	slots := make([]slot, imageCount)

	for index := range slots {
		imageAvailable, res, err := device.CreateSemaphore()
		if err != nil {
			objects.Destroy()
			return nil, res, gpu.AllocationError(err, "Device::CreateSemaphore")
		}
		objects.Push("imageAvailable", imageAvailable.Destroy)

		renderFinished, res, err := device.CreateSemaphore()
		if err != nil {
			objects.Destroy()
			return nil, res, gpu.AllocationError(err, "Device::CreateSemaphore")
		}
		objects.Push("renderFinished", renderFinished.Destroy)

		inFlight, res, err := device.CreateFence(true)
		if err != nil {
			objects.Destroy()
			return nil, res, gpu.AllocationError(err, "Device::CreateFence")
		}

		imageSlot := &slots[index]
		*imageSlot = slot{
			imageAvailable: imageAvailable,
			renderFinished: renderFinished,
			inFlight:       inFlight,
		}
		// A failed submission replaces the slot's fence, so destroy whichever one it holds last
		objects.Push("inFlight", func() { imageSlot.inFlight.Destroy() })
	}

	logger.Info("frame ring created", slog.Int("imageCount", imageCount))

	return &Ring{
		logger:         logger,
		context:        context,
		swapchain:      swapchain,
		fenceTimeout:   fenceTimeout,
		acquireTimeout: acquireTimeout,
		objects:        objects,
		slots:          slots,
	}, core1_0.VKSuccess, nil
}

func (r *Ring) ImageCount() int      { return len(r.slots) }
func (r *Ring) FramesAcquired() int  { return r.framesAcquired }
func (r *Ring) FramesSubmitted() int { return r.framesSubmitted }
func (r *Ring) FramesPresented() int { return r.framesPresented }

// SlotState reports the state of the slot for a swapchain image
func (r *Ring) SlotState(imageIndex int) SlotState {
	return r.slots[imageIndex].state
}

// Acquire asks the presentation engine for the next image and then blocks until the previous
// submission for that image, if any, has finished. When Acquire returns, the caller may re-record
// the image's command buffer and update any buffer that submission read.
//
// gpu.ErrOutOfDate is returned unchanged in kind when the swapchain needs to be recreated.
func (r *Ring) Acquire() (*Frame, common.VkResult, error) {
	if len(r.slots) == 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("Ring::Acquire: ring has been destroyed")
	}
	imageAvailable := r.slots[r.framesAcquired%len(r.slots)].imageAvailable

	r.logger.Debug("Ring::Acquire", slog.Int("frame", r.framesAcquired))

	imageIndex, res, err := r.swapchain.AcquireNextImage(r.acquireTimeout, imageAvailable, nil)
	if err != nil {
		if errors.Is(err, gpu.ErrOutOfDate) {
			return nil, res, errors.Wrap(err, "Swapchain::AcquireNextImage")
		}
		return nil, res, gpu.PresentError(err, "Swapchain::AcquireNextImage")
	}
	if res == core1_0.VKTimeout || res == core1_0.VKNotReady {
		return nil, res, gpu.PresentError(errors.Newf("no image available after %s", r.acquireTimeout), "Swapchain::AcquireNextImage")
	}
	if imageIndex < 0 || imageIndex >= len(r.slots) {
		return nil, core1_0.VKErrorUnknown, gpu.PresentError(errors.Newf("image index %d is outside a swapchain of %d images", imageIndex, len(r.slots)), "Swapchain::AcquireNextImage")
	}

	imageSlot := &r.slots[imageIndex]
	if imageSlot.state == SlotAcquiring || imageSlot.state == SlotRendering {
		return nil, core1_0.VKErrorUnknown, errors.Newf("Ring::Acquire: image %d is still held by an unfinished frame", imageIndex)
	}
	if imageSlot.state == SlotFailed {
		return nil, core1_0.VKErrorUnknown, errors.Newf("Ring::Acquire: image %d has no usable fence, the ring must be recreated", imageIndex)
	}
	previous := imageSlot.state
	imageSlot.state = SlotAcquiring

	r.fenceWaits++
	res, err = r.context.Device().WaitForFences(true, r.fenceTimeout, []gpu.Fence{imageSlot.inFlight})
	if err != nil {
		imageSlot.state = previous
		return nil, res, gpu.WaitError(err, "Device::WaitForFences")
	}
	if res == core1_0.VKTimeout {
		imageSlot.state = previous
		r.logger.Error("Ring::Acquire fence wait timed out", slog.Int("imageIndex", imageIndex), slog.Duration("timeout", r.fenceTimeout))
		return nil, res, gpu.WaitError(errors.Newf("fence for image %d not signaled after %s", imageIndex, r.fenceTimeout), "Device::WaitForFences")
	}

	frame := &Frame{
		Number:         r.framesAcquired,
		ImageIndex:     imageIndex,
		ring:           r,
		imageAvailable: imageAvailable,
	}
	r.framesAcquired++

	return frame, res, nil
}

func (r *Ring) frameSlot(frame *Frame, want SlotState, operation string) (*slot, error) {
	if frame == nil || frame.ring != r {
		return nil, errors.Newf("%s: frame was not acquired from this ring", operation)
	}

	imageSlot := &r.slots[frame.ImageIndex]
	if imageSlot.state != want {
		return nil, errors.Newf("%s: image %d is %s, expected %s", operation, frame.ImageIndex, imageSlot.state, want)
	}
	return imageSlot, nil
}

// Submit submits commandBuffer for frame's image. The submission waits for the image to become
// available at the color attachment output stage, signals the image's renderFinished semaphore
// and arms its in-flight fence.
func (r *Ring) Submit(frame *Frame, commandBuffer gpu.CommandBuffer) (common.VkResult, error) {
	imageSlot, err := r.frameSlot(frame, SlotAcquiring, "Ring::Submit")
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	r.logger.Debug("Ring::Submit", slog.Int("frame", frame.Number), slog.Int("imageIndex", frame.ImageIndex))

	// The fence is only reset once the submission that will signal it is certain to be made
	res, err := r.context.Device().ResetFences([]gpu.Fence{imageSlot.inFlight})
	if err != nil {
		return res, gpu.SubmitError(err, "Device::ResetFences")
	}

	res, err = r.context.Queue().Submit(imageSlot.inFlight, []gpu.SubmitInfo{
		{
			WaitSemaphores:   []gpu.Semaphore{frame.imageAvailable},
			WaitDstStageMask: []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput},
			CommandBuffers:   []gpu.CommandBuffer{commandBuffer},
			SignalSemaphores: []gpu.Semaphore{imageSlot.renderFinished},
		},
	})
	if err != nil {
		submitErr := gpu.SubmitError(err, "Queue::Submit")
		return res, errors.CombineErrors(submitErr, r.replaceFence(frame.ImageIndex, imageSlot))
	}

	imageSlot.state = SlotRendering
	imageSlot.submissions++
	r.framesSubmitted++
	return res, nil
}

// replaceFence swaps the slot's fence, reset ahead of a submission that was never made, for a
// signaled one so the next wait on the image returns. If no fence can be created the slot is
// marked SlotFailed and Acquire refuses the image from then on.
func (r *Ring) replaceFence(imageIndex int, imageSlot *slot) error {
	fence, _, err := r.context.Device().CreateFence(true)
	if err != nil {
		imageSlot.state = SlotFailed
		r.logger.Error("Ring::Submit could not replace fence", slog.Int("imageIndex", imageIndex))
		return gpu.AllocationError(err, "Device::CreateFence")
	}

	imageSlot.inFlight.Destroy()
	imageSlot.inFlight = fence
	imageSlot.state = SlotIdle
	return nil
}

// Present queues frame's image for presentation once its rendering has finished
func (r *Ring) Present(frame *Frame) (common.VkResult, error) {
	imageSlot, err := r.frameSlot(frame, SlotRendering, "Ring::Present")
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	r.logger.Debug("Ring::Present", slog.Int("frame", frame.Number), slog.Int("imageIndex", frame.ImageIndex))

	// The submission is in flight whether or not presentation succeeds
	imageSlot.state = SlotPresenting

	res, err := r.swapchain.Present(r.context.Queue(), []gpu.Semaphore{imageSlot.renderFinished}, frame.ImageIndex)
	if err != nil {
		if errors.Is(err, gpu.ErrOutOfDate) {
			return res, errors.Wrap(err, "Swapchain::Present")
		}
		return res, gpu.PresentError(err, "Swapchain::Present")
	}

	r.framesPresented++
	return res, nil
}

// Abandon returns an acquired frame's image to an idle state without submitting anything. The
// frame's acquire semaphore stays signaled with no waiter, so the ring should be recreated
// before that semaphore is handed out again.
func (r *Ring) Abandon(frame *Frame) {
	imageSlot, err := r.frameSlot(frame, SlotAcquiring, "Ring::Abandon")
	if err != nil {
		return
	}
	imageSlot.state = SlotIdle
}

// DrawFrame runs one full frame. prepare is called after the wait for the acquired image's
// previous submission: it may update buffers that submission read and returns the command
// buffer to submit for frame.ImageIndex.
func (r *Ring) DrawFrame(prepare func(frame *Frame) (gpu.CommandBuffer, error)) (common.VkResult, error) {
	frame, res, err := r.Acquire()
	if err != nil {
		return res, r.abort(err)
	}

	commandBuffer, err := prepare(frame)
	if err != nil {
		r.Abandon(frame)
		return core1_0.VKErrorUnknown, r.abort(errors.Wrapf(err, "Ring::DrawFrame prepare frame %d", frame.Number))
	}

	res, err = r.Submit(frame, commandBuffer)
	if err != nil {
		return res, r.abort(err)
	}

	res, err = r.Present(frame)
	if err != nil {
		return res, r.abort(err)
	}

	return res, nil
}

func (r *Ring) abort(err error) error {
	r.logger.Error("frame aborted", slog.Int("frame", r.framesAcquired), slog.String("error", err.Error()))
	return err
}

// Run draws frames until shouldClose reports true or a frame fails. Either way it then waits for
// the device to finish all outstanding work, so the ring and every buffer its submissions read
// can be destroyed as soon as Run returns. Nothing is retried: a failed frame ends the loop and
// its error is returned.
func (r *Ring) Run(shouldClose func() bool, prepare func(frame *Frame) (gpu.CommandBuffer, error)) error {
	r.logger.Info("render loop started", slog.Int("imageCount", len(r.slots)))

	var loopErr error
	for !shouldClose() {
		_, err := r.DrawFrame(prepare)
		if err != nil {
			loopErr = err
			break
		}
	}

	waitErr := r.WaitIdle()

	r.logger.Info("render loop exited", slog.Int("framesPresented", r.framesPresented))
	return errors.CombineErrors(loopErr, waitErr)
}

// WaitIdle blocks until the device has finished all outstanding work and marks every slot idle
// except those that have lost their fence
func (r *Ring) WaitIdle() error {
	err := r.context.WaitIdle()
	if err != nil {
		return err
	}

	for index := range r.slots {
		if r.slots[index].state != SlotFailed {
			r.slots[index].state = SlotIdle
		}
	}
	return nil
}

// BuildStatsString writes the ring's counters and every slot's state as JSON
func (r *Ring) BuildStatsString() string {
	writer := jwriter.NewWriter()
	r.PrintDetailedMap(&writer)
	return string(writer.Bytes())
}

// PrintDetailedMap writes the JSON object produced by BuildStatsString to writer
func (r *Ring) PrintDetailedMap(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("ImageCount").Int(len(r.slots))
	obj.Name("FramesAcquired").Int(r.framesAcquired)
	obj.Name("FramesSubmitted").Int(r.framesSubmitted)
	obj.Name("FramesPresented").Int(r.framesPresented)
	obj.Name("FenceWaits").Int(r.fenceWaits)

	slots := obj.Name("Slots").Array()
	defer slots.End()

	for index, imageSlot := range r.slots {
		item := slots.Object()
		item.Name("ImageIndex").Int(index)
		item.Name("State").String(imageSlot.state.String())
		item.Name("Submissions").Int(imageSlot.submissions)
		item.End()
	}
}

// Destroy destroys every semaphore and fence the ring created. The device must be idle, which
// Run guarantees on return.
func (r *Ring) Destroy() {
	r.logger.Debug("Ring::Destroy")

	r.objects.Destroy()
	r.slots = nil
}
