package frame

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/DavidLoftus/vktest/gpu"
	"github.com/DavidLoftus/vktest/gpu/gputest"
	"github.com/DavidLoftus/vktest/gpu/mocks"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"go.uber.org/mock/gomock"
)

// sameObjects matches a slice holding exactly the given objects, compared by identity. Mocks of
// one type are deeply equal to each other, so gomock's default matcher cannot tell them apart.
type sameObjects[T comparable] []T

func (m sameObjects[T]) Matches(x any) bool {
	values, ok := x.([]T)
	if !ok || len(values) != len(m) {
		return false
	}
	for index := range values {
		if values[index] != m[index] {
			return false
		}
	}
	return true
}

func (m sameObjects[T]) String() string {
	return fmt.Sprintf("is the same %d objects", len(m))
}

type sameObject struct {
	want any
}

func (m sameObject) Matches(x any) bool { return x == m.want }
func (m sameObject) String() string     { return fmt.Sprintf("is %p", m.want) }

type mockedRing struct {
	ring      *Ring
	device    *mocks.MockDevice
	queue     *mocks.MockQueue
	swapchain *mocks.MockSwapchain

	imageAvailable []gpu.Semaphore
	renderFinished []gpu.Semaphore
	inFlight       []gpu.Fence
}

func mockRing(t *testing.T, ctrl *gomock.Controller, imageCount int, options RingOptions) *mockedRing {
	device := mocks.NewMockDevice(ctrl)
	queue := mocks.NewMockQueue(ctrl)
	swapchain := mocks.NewMockSwapchain(ctrl)

	context, err := gpu.NewContext(nil, gpu.ContextInfo{
		Device:           device,
		Queue:            queue,
		MemoryProperties: gputest.DefaultMemoryProperties(),
		Limits:           gputest.DefaultLimits(),
	})
	require.NoError(t, err)

	mocked := &mockedRing{
		device:    device,
		queue:     queue,
		swapchain: swapchain,
	}

	swapchain.EXPECT().ImageCount().Return(imageCount)

	var previous *gomock.Call
	for i := 0; i < imageCount; i++ {
		imageAvailable := mocks.NewMockSemaphore(ctrl)
		renderFinished := mocks.NewMockSemaphore(ctrl)
		inFlight := mocks.NewMockFence(ctrl)

		mocked.imageAvailable = append(mocked.imageAvailable, imageAvailable)
		mocked.renderFinished = append(mocked.renderFinished, renderFinished)
		mocked.inFlight = append(mocked.inFlight, inFlight)

		for _, call := range []*gomock.Call{
			device.EXPECT().CreateSemaphore().Return(imageAvailable, core1_0.VKSuccess, nil),
			device.EXPECT().CreateSemaphore().Return(renderFinished, core1_0.VKSuccess, nil),
			device.EXPECT().CreateFence(true).Return(inFlight, core1_0.VKSuccess, nil),
		} {
			if previous != nil {
				call.After(previous)
			}
			previous = call
		}
	}

	ring, res, err := NewRing(nil, context, swapchain, options)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	mocked.ring = ring

	return mocked
}

func (m *mockedRing) expectSubmit(imageIndex int, acquireSemaphore int, commandBuffer gpu.CommandBuffer) *gomock.Call {
	return m.queue.EXPECT().Submit(sameObject{m.inFlight[imageIndex]}, gomock.Any()).DoAndReturn(
		func(fence gpu.Fence, submits []gpu.SubmitInfo) (common.VkResult, error) {
			if len(submits) != 1 {
				return core1_0.VKErrorUnknown, errors.Newf("expected one submit, got %d", len(submits))
			}
			submit := submits[0]
			if !(sameObjects[gpu.Semaphore]{m.imageAvailable[acquireSemaphore]}).Matches(submit.WaitSemaphores) {
				return core1_0.VKErrorUnknown, errors.New("submit waits on the wrong semaphore")
			}
			if !(sameObjects[gpu.Semaphore]{m.renderFinished[imageIndex]}).Matches(submit.SignalSemaphores) {
				return core1_0.VKErrorUnknown, errors.New("submit signals the wrong semaphore")
			}
			if len(submit.WaitDstStageMask) != 1 || submit.WaitDstStageMask[0] != core1_0.PipelineStageColorAttachmentOutput {
				return core1_0.VKErrorUnknown, errors.New("submit waits at the wrong stage")
			}
			if !(sameObjects[gpu.CommandBuffer]{commandBuffer}).Matches(submit.CommandBuffers) {
				return core1_0.VKErrorUnknown, errors.New("submit carries the wrong command buffer")
			}
			return core1_0.VKSuccess, nil
		})
}

func TestRingReusedImageWaitsForPreviousSubmission(t *testing.T) {
	ctrl := gomock.NewController(t)
	mocked := mockRing(t, ctrl, 3, RingOptions{})

	commandBuffer := mocks.NewMockCommandBuffer(ctrl)
	firstFrameFinished := false

	gomock.InOrder(
		// First frame lands on image 1
		mocked.swapchain.EXPECT().AcquireNextImage(gpu.NoTimeout, sameObject{mocked.imageAvailable[0]}, nil).Return(1, core1_0.VKSuccess, nil),
		mocked.device.EXPECT().WaitForFences(true, gpu.NoTimeout, sameObjects[gpu.Fence]{mocked.inFlight[1]}).Return(core1_0.VKSuccess, nil),
		mocked.device.EXPECT().ResetFences(sameObjects[gpu.Fence]{mocked.inFlight[1]}).Return(core1_0.VKSuccess, nil),
		mocked.expectSubmit(1, 0, commandBuffer),
		mocked.swapchain.EXPECT().Present(mocked.queue, sameObjects[gpu.Semaphore]{mocked.renderFinished[1]}, 1).Return(core1_0.VKSuccess, nil),

		// The presentation engine hands image 1 out again
		mocked.swapchain.EXPECT().AcquireNextImage(gpu.NoTimeout, sameObject{mocked.imageAvailable[1]}, nil).Return(1, core1_0.VKSuccess, nil),
		mocked.device.EXPECT().WaitForFences(true, gpu.NoTimeout, sameObjects[gpu.Fence]{mocked.inFlight[1]}).DoAndReturn(
			func(waitForAll bool, timeout time.Duration, fences []gpu.Fence) (common.VkResult, error) {
				// The wait only returns once the first frame's work is done
				firstFrameFinished = true
				return core1_0.VKSuccess, nil
			}),
		mocked.device.EXPECT().ResetFences(sameObjects[gpu.Fence]{mocked.inFlight[1]}).DoAndReturn(
			func(fences []gpu.Fence) (common.VkResult, error) {
				require.True(t, firstFrameFinished)
				return core1_0.VKSuccess, nil
			}),
		mocked.expectSubmit(1, 1, commandBuffer).Do(func(fence gpu.Fence, submits []gpu.SubmitInfo) {
			require.True(t, firstFrameFinished)
		}),
		mocked.swapchain.EXPECT().Present(mocked.queue, sameObjects[gpu.Semaphore]{mocked.renderFinished[1]}, 1).Return(core1_0.VKSuccess, nil),
	)

	prepared := []int{}
	prepare := func(frame *Frame) (gpu.CommandBuffer, error) {
		prepared = append(prepared, frame.ImageIndex)
		return commandBuffer, nil
	}

	_, err := mocked.ring.DrawFrame(prepare)
	require.NoError(t, err)
	require.Equal(t, SlotPresenting, mocked.ring.SlotState(1))
	require.Equal(t, SlotIdle, mocked.ring.SlotState(0))

	_, err = mocked.ring.DrawFrame(prepare)
	require.NoError(t, err)

	require.Equal(t, []int{1, 1}, prepared)
	require.Equal(t, 2, mocked.ring.FramesSubmitted())
	require.Equal(t, 2, mocked.ring.FramesPresented())
}

func TestRingAcquireOutOfDate(t *testing.T) {
	ctrl := gomock.NewController(t)
	mocked := mockRing(t, ctrl, 3, RingOptions{})

	mocked.swapchain.EXPECT().AcquireNextImage(gpu.NoTimeout, gomock.Any(), nil).Return(-1, core1_0.VKErrorUnknown,
		errors.Wrap(gpu.ErrOutOfDate, "vkAcquireNextImageKHR"))

	_, err := mocked.ring.DrawFrame(func(frame *Frame) (gpu.CommandBuffer, error) {
		t.Fatal("prepare must not run without an image")
		return nil, nil
	})
	require.True(t, errors.Is(err, gpu.ErrOutOfDate))
	require.True(t, errors.Is(err, gpu.ErrPresentFailed))
	require.Equal(t, 0, mocked.ring.FramesAcquired())
}

func TestRingPresentOutOfDate(t *testing.T) {
	ctrl := gomock.NewController(t)
	mocked := mockRing(t, ctrl, 2, RingOptions{})
	commandBuffer := mocks.NewMockCommandBuffer(ctrl)

	gomock.InOrder(
		mocked.swapchain.EXPECT().AcquireNextImage(gpu.NoTimeout, gomock.Any(), nil).Return(0, core1_0.VKSuccess, nil),
		mocked.device.EXPECT().WaitForFences(true, gpu.NoTimeout, gomock.Any()).Return(core1_0.VKSuccess, nil),
		mocked.device.EXPECT().ResetFences(gomock.Any()).Return(core1_0.VKSuccess, nil),
		mocked.expectSubmit(0, 0, commandBuffer),
		mocked.swapchain.EXPECT().Present(mocked.queue, gomock.Any(), 0).Return(core1_0.VKErrorUnknown, errors.Wrap(gpu.ErrOutOfDate, "vkQueuePresentKHR")),
	)

	_, err := mocked.ring.DrawFrame(func(frame *Frame) (gpu.CommandBuffer, error) {
		return commandBuffer, nil
	})
	require.True(t, errors.Is(err, gpu.ErrOutOfDate))
	require.Equal(t, 1, mocked.ring.FramesSubmitted())
	require.Equal(t, 0, mocked.ring.FramesPresented())
	// The submission is still in flight and the next acquire of image 0 waits for it
	require.Equal(t, SlotPresenting, mocked.ring.SlotState(0))
}

func TestRingFenceTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	mocked := mockRing(t, ctrl, 3, RingOptions{FenceTimeout: time.Second})

	gomock.InOrder(
		mocked.swapchain.EXPECT().AcquireNextImage(gpu.NoTimeout, gomock.Any(), nil).Return(2, core1_0.VKSuccess, nil),
		mocked.device.EXPECT().WaitForFences(true, time.Second, sameObjects[gpu.Fence]{mocked.inFlight[2]}).Return(core1_0.VKTimeout, nil),
	)

	_, res, err := mocked.ring.Acquire()
	require.Equal(t, core1_0.VKTimeout, res)
	require.True(t, errors.Is(err, gpu.ErrWaitFailed))
	require.ErrorContains(t, err, "fence for image 2 not signaled after 1s")
	require.Equal(t, SlotIdle, mocked.ring.SlotState(2))
}

func TestRingSubmitFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mocked := mockRing(t, ctrl, 3, RingOptions{})
	commandBuffer := mocks.NewMockCommandBuffer(ctrl)

	gomock.InOrder(
		mocked.swapchain.EXPECT().AcquireNextImage(gpu.NoTimeout, gomock.Any(), nil).Return(0, core1_0.VKSuccess, nil),
		mocked.device.EXPECT().WaitForFences(true, gpu.NoTimeout, gomock.Any()).Return(core1_0.VKSuccess, nil),
		mocked.device.EXPECT().ResetFences(gomock.Any()).Return(core1_0.VKSuccess, nil),
		mocked.queue.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(core1_0.VKErrorDeviceLost, core1_0.VKErrorDeviceLost.ToError()),
	)

	// The reset fence is swapped for a signaled one
	replacement := mocks.NewMockFence(ctrl)
	gomock.InOrder(
		mocked.device.EXPECT().CreateFence(true).Return(replacement, core1_0.VKSuccess, nil),
		mocked.inFlight[0].(*mocks.MockFence).EXPECT().Destroy(),
	)

	res, err := mocked.ring.DrawFrame(func(frame *Frame) (gpu.CommandBuffer, error) {
		return commandBuffer, nil
	})
	require.Equal(t, core1_0.VKErrorDeviceLost, res)
	require.True(t, errors.Is(err, gpu.ErrSubmitFailed))
	require.False(t, errors.Is(err, gpu.ErrPresentFailed))
	require.Equal(t, 0, mocked.ring.FramesSubmitted())
	require.Equal(t, SlotIdle, mocked.ring.SlotState(0))
	require.Same(t, replacement, mocked.ring.slots[0].inFlight)
}

func TestRingReusesImageAfterSubmitFailure(t *testing.T) {
	context, device, err := gputest.NewContext(gpu.ContextOptions{})
	require.NoError(t, err)

	swapchain := device.NewSwapchain(3)
	swapchain.Acquisitions = []int{1, 1}

	ring, _, err := NewRing(nil, context, swapchain, RingOptions{})
	require.NoError(t, err)

	commandBuffers := recordedCommandBuffers(t, context, 3)
	prepare := func(frame *Frame) (gpu.CommandBuffer, error) {
		return commandBuffers[frame.ImageIndex], nil
	}

	device.FailOn("Submit", core1_0.VKErrorDeviceLost)
	_, err = ring.DrawFrame(prepare)
	require.True(t, errors.Is(err, gpu.ErrSubmitFailed))
	require.Equal(t, SlotIdle, ring.SlotState(1))
	require.Equal(t, map[string]int{"Semaphore": 6, "Fence": 3, "CommandBuffer": 3}, device.LiveObjects())

	// The second frame lands on the same image and must not wait on the fence the failed submit reset
	_, err = ring.DrawFrame(prepare)
	require.NoError(t, err)
	require.Equal(t, []int{1}, swapchain.Presented)
	require.Len(t, device.Queue().Submits, 1)

	require.NoError(t, ring.WaitIdle())
	ring.Destroy()
	for _, commandBuffer := range commandBuffers {
		commandBuffer.Free()
	}
	require.Equal(t, 0, device.LiveObjectCount())
}

func TestRingRefusesImageWithoutFence(t *testing.T) {
	context, device, err := gputest.NewContext(gpu.ContextOptions{})
	require.NoError(t, err)

	swapchain := device.NewSwapchain(2)
	swapchain.Acquisitions = []int{0, 0}

	ring, _, err := NewRing(nil, context, swapchain, RingOptions{})
	require.NoError(t, err)

	commandBuffers := recordedCommandBuffers(t, context, 2)
	prepare := func(frame *Frame) (gpu.CommandBuffer, error) {
		return commandBuffers[frame.ImageIndex], nil
	}

	device.FailOn("Submit", core1_0.VKErrorDeviceLost)
	device.FailOn("CreateFence", core1_0.VKErrorOutOfDeviceMemory)
	_, err = ring.DrawFrame(prepare)
	require.True(t, errors.Is(err, gpu.ErrSubmitFailed))
	require.Equal(t, SlotFailed, ring.SlotState(0))
	require.Equal(t, map[string]int{"Semaphore": 4, "Fence": 2, "CommandBuffer": 2}, device.LiveObjects())

	_, err = ring.DrawFrame(prepare)
	require.ErrorContains(t, err, "image 0 has no usable fence")
	require.Empty(t, device.Queue().Submits)

	require.NoError(t, ring.WaitIdle())
	require.Equal(t, SlotFailed, ring.SlotState(0))

	ring.Destroy()
	for _, commandBuffer := range commandBuffers {
		commandBuffer.Free()
	}
	require.Equal(t, 0, device.LiveObjectCount())
}

func TestRingPrepareFailureAbandonsFrame(t *testing.T) {
	ctrl := gomock.NewController(t)
	mocked := mockRing(t, ctrl, 3, RingOptions{})

	gomock.InOrder(
		mocked.swapchain.EXPECT().AcquireNextImage(gpu.NoTimeout, gomock.Any(), nil).Return(0, core1_0.VKSuccess, nil),
		mocked.device.EXPECT().WaitForFences(true, gpu.NoTimeout, gomock.Any()).Return(core1_0.VKSuccess, nil),
	)

	failure := errors.New("no pipeline")
	_, err := mocked.ring.DrawFrame(func(frame *Frame) (gpu.CommandBuffer, error) {
		return nil, failure
	})
	require.True(t, errors.Is(err, failure))
	require.ErrorContains(t, err, "prepare frame 0")
	require.Equal(t, SlotIdle, mocked.ring.SlotState(0))
}

func TestRingRejectsOutOfOrderCalls(t *testing.T) {
	ctrl := gomock.NewController(t)
	mocked := mockRing(t, ctrl, 2, RingOptions{})
	commandBuffer := mocks.NewMockCommandBuffer(ctrl)

	gomock.InOrder(
		mocked.swapchain.EXPECT().AcquireNextImage(gpu.NoTimeout, gomock.Any(), nil).Return(1, core1_0.VKSuccess, nil),
		mocked.device.EXPECT().WaitForFences(true, gpu.NoTimeout, gomock.Any()).Return(core1_0.VKSuccess, nil),
		mocked.swapchain.EXPECT().AcquireNextImage(gpu.NoTimeout, gomock.Any(), nil).Return(1, core1_0.VKSuccess, nil),
	)

	frame, _, err := mocked.ring.Acquire()
	require.NoError(t, err)

	_, err = mocked.ring.Present(frame)
	require.ErrorContains(t, err, "image 1 is SlotAcquiring, expected SlotRendering")

	// An image cannot be handed out twice before its frame is submitted
	_, _, err = mocked.ring.Acquire()
	require.ErrorContains(t, err, "still held by an unfinished frame")

	_, err = mocked.ring.Submit(&Frame{ImageIndex: 1}, commandBuffer)
	require.ErrorContains(t, err, "not acquired from this ring")
}

func TestNewRingCleansUpOnFailure(t *testing.T) {
	context, device, err := gputest.NewContext(gpu.ContextOptions{})
	require.NoError(t, err)

	device.FailOn("CreateFence", core1_0.VKErrorOutOfDeviceMemory)
	_, res, err := NewRing(nil, context, device.NewSwapchain(3), RingOptions{})
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.True(t, errors.Is(err, gpu.ErrAllocationFailed))
	require.Equal(t, 0, device.LiveObjectCount())

	_, _, err = NewRing(nil, context, device.NewSwapchain(0), RingOptions{})
	require.ErrorContains(t, err, "swapchain has 0 images")
}

func recordedCommandBuffers(t *testing.T, context *gpu.Context, count int) []gpu.CommandBuffer {
	commandBuffers, _, err := context.Device().AllocateCommandBuffers(count)
	require.NoError(t, err)

	for _, commandBuffer := range commandBuffers {
		_, err = commandBuffer.Begin(0)
		require.NoError(t, err)
		commandBuffer.CmdDraw(6, 1, 0, 0)
		_, err = commandBuffer.End()
		require.NoError(t, err)
	}
	return commandBuffers
}

func TestRingRun(t *testing.T) {
	context, device, err := gputest.NewContext(gpu.ContextOptions{})
	require.NoError(t, err)
	swapchain := device.NewSwapchain(3)

	ring, _, err := NewRing(nil, context, swapchain, RingOptions{})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"Semaphore": 6, "Fence": 3}, device.LiveObjects())

	commandBuffers := recordedCommandBuffers(t, context, 3)

	frames := 0
	err = ring.Run(func() bool {
		return frames == 5
	}, func(frame *Frame) (gpu.CommandBuffer, error) {
		frames++
		return commandBuffers[frame.ImageIndex], nil
	})
	require.NoError(t, err)

	require.Equal(t, []int{0, 1, 2, 0, 1}, swapchain.Presented)
	require.Len(t, device.Queue().Submits, 5)
	for index, submit := range device.Queue().Submits {
		require.Same(t, commandBuffers[swapchain.Presented[index]], submit.CommandBuffers[0])
	}
	for index := 0; index < 3; index++ {
		require.Equal(t, SlotIdle, ring.SlotState(index))
	}

	var stats struct {
		ImageCount      int
		FramesSubmitted int
		FramesPresented int
		FenceWaits      int
		Slots           []struct {
			ImageIndex  int
			State       string
			Submissions int
		}
	}
	require.NoError(t, json.Unmarshal([]byte(ring.BuildStatsString()), &stats))
	require.Equal(t, 3, stats.ImageCount)
	require.Equal(t, 5, stats.FramesSubmitted)
	require.Equal(t, 5, stats.FramesPresented)
	require.Equal(t, 5, stats.FenceWaits)
	require.Len(t, stats.Slots, 3)
	require.Equal(t, 2, stats.Slots[0].Submissions)
	require.Equal(t, 1, stats.Slots[2].Submissions)
	require.Equal(t, "SlotIdle", stats.Slots[1].State)

	ring.Destroy()
	for _, commandBuffer := range commandBuffers {
		commandBuffer.Free()
	}
	require.Equal(t, 0, device.LiveObjectCount())

	_, _, err = ring.Acquire()
	require.ErrorContains(t, err, "destroyed")
}

func TestRingNeverOverlapsSubmissionsToOneImage(t *testing.T) {
	context, device, err := gputest.NewContext(gpu.ContextOptions{})
	require.NoError(t, err)
	device.Queue().HoldFences = true

	swapchain := device.NewSwapchain(3)
	swapchain.Acquisitions = []int{1, 1, 1}

	ring, _, err := NewRing(nil, context, swapchain, RingOptions{})
	require.NoError(t, err)
	defer ring.Destroy()

	commandBuffers := recordedCommandBuffers(t, context, 3)
	defer func() {
		for _, commandBuffer := range commandBuffers {
			commandBuffer.Free()
		}
	}()
	prepare := func(frame *Frame) (gpu.CommandBuffer, error) {
		return commandBuffers[frame.ImageIndex], nil
	}

	_, err = ring.DrawFrame(prepare)
	require.NoError(t, err)

	// The first submission to image 1 has not completed, so the second cannot be made
	_, err = ring.DrawFrame(prepare)
	require.True(t, errors.Is(err, gpu.ErrWaitFailed))
	require.Len(t, device.Queue().Submits, 1)

	device.Queue().Complete()
	_, err = ring.DrawFrame(prepare)
	require.NoError(t, err)
	require.Len(t, device.Queue().Submits, 2)

	require.NoError(t, ring.WaitIdle())
}

func TestRingRunStopsOnError(t *testing.T) {
	context, device, err := gputest.NewContext(gpu.ContextOptions{})
	require.NoError(t, err)

	ring, _, err := NewRing(nil, context, device.NewSwapchain(2), RingOptions{})
	require.NoError(t, err)
	defer ring.Destroy()

	commandBuffers := recordedCommandBuffers(t, context, 2)
	defer func() {
		for _, commandBuffer := range commandBuffers {
			commandBuffer.Free()
		}
	}()

	draws := 0
	err = ring.Run(func() bool {
		if draws == 2 {
			device.FailOn("Present", core1_0.VKErrorDeviceLost)
		}
		return false
	}, func(frame *Frame) (gpu.CommandBuffer, error) {
		draws++
		return commandBuffers[frame.ImageIndex], nil
	})
	require.True(t, errors.Is(err, gpu.ErrPresentFailed))
	require.Equal(t, 3, draws)
	require.Equal(t, 2, ring.FramesPresented())
}
