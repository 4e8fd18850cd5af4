package vulkan

import (
	"time"

	"github.com/DavidLoftus/vktest/gpu"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
)

// Swapchain adapts a khr_swapchain.Swapchain. Out-of-date and suboptimal results are reported as
// gpu.ErrOutOfDate; recreating the swapchain is left to the caller.
type Swapchain struct {
	extension  khr_swapchain.Extension
	swapchain  khr_swapchain.Swapchain
	imageCount int
}

var _ gpu.Swapchain = &Swapchain{}

// NewSwapchain wraps swapchain, querying its images once to learn how many there are
func NewSwapchain(extension khr_swapchain.Extension, swapchain khr_swapchain.Swapchain) (*Swapchain, common.VkResult, error) {
	images, res, err := swapchain.SwapchainImages()
	if err != nil {
		return nil, res, errors.Wrap(err, "Swapchain::SwapchainImages")
	}

	return &Swapchain{
		extension:  extension,
		swapchain:  swapchain,
		imageCount: len(images),
	}, res, nil
}

func (s *Swapchain) VulkanSwapchain() khr_swapchain.Swapchain { return s.swapchain }
func (s *Swapchain) ImageCount() int                          { return s.imageCount }

func (s *Swapchain) AcquireNextImage(timeout time.Duration, semaphore gpu.Semaphore, fence gpu.Fence) (int, common.VkResult, error) {
	var vkSemaphore core1_0.Semaphore
	if semaphore != nil {
		vkSemaphores, err := unwrapSemaphores([]gpu.Semaphore{semaphore})
		if err != nil {
			return -1, core1_0.VKErrorUnknown, err
		}
		vkSemaphore = vkSemaphores[0]
	}

	var vkFence core1_0.Fence
	if fence != nil {
		vkFences, err := unwrapFences([]gpu.Fence{fence})
		if err != nil {
			return -1, core1_0.VKErrorUnknown, err
		}
		vkFence = vkFences[0]
	}

	index, res, err := s.swapchain.AcquireNextImage(timeout, vkSemaphore, vkFence)
	if res == khr_swapchain.VKErrorOutOfDate {
		return index, res, errors.Wrap(gpu.ErrOutOfDate, "Swapchain::AcquireNextImage")
	}
	return index, res, err
}

func (s *Swapchain) Present(queue gpu.Queue, waitSemaphores []gpu.Semaphore, imageIndex int) (common.VkResult, error) {
	vkQueue, ok := queue.(*Queue)
	if !ok {
		return core1_0.VKErrorUnknown, errors.Newf("%T is not a vulkan queue", queue)
	}

	vkSemaphores, err := unwrapSemaphores(waitSemaphores)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	res, err := s.extension.QueuePresent(vkQueue.queue, khr_swapchain.PresentInfo{
		WaitSemaphores: vkSemaphores,
		Swapchains:     []khr_swapchain.Swapchain{s.swapchain},
		ImageIndices:   []int{imageIndex},
	})
	if res == khr_swapchain.VKErrorOutOfDate || res == khr_swapchain.VKSuboptimal {
		return res, errors.Wrap(gpu.ErrOutOfDate, "Extension::QueuePresent")
	}
	return res, err
}
