package vulkan

import (
	"github.com/DavidLoftus/vktest/gpu"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"
)

// Setup holds the objects produced by instance, device and swapchain creation
type Setup struct {
	PhysicalDevice core1_0.PhysicalDevice
	Device         core1_0.Device
	Queue          core1_0.Queue
	CommandPool    core1_0.CommandPool

	SwapchainFormat core1_0.Format
	SwapchainExtent gpu.Extent
	RenderPass      core1_0.RenderPass

	// AllocationCallbacks is an optional set of callbacks passed to every create, allocate,
	// destroy and free call made through the context's device
	AllocationCallbacks *driver.AllocationCallbacks

	Options gpu.ContextOptions
}

// NewContext reads the physical device's memory properties and limits and builds a gpu.Context
// whose device and queue are backed by setup's vulkan objects
func NewContext(logger *slog.Logger, setup Setup) (*gpu.Context, error) {
	if setup.PhysicalDevice == nil {
		return nil, errors.New("vulkan.Setup.PhysicalDevice must be provided")
	}
	if setup.Device == nil {
		return nil, errors.New("vulkan.Setup.Device must be provided")
	}
	if setup.Queue == nil {
		return nil, errors.New("vulkan.Setup.Queue must be provided")
	}

	properties, err := setup.PhysicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "PhysicalDevice::Properties")
	}
	if properties.Limits == nil {
		return nil, errors.New("physical device did not report its limits")
	}

	return gpu.NewContext(logger, gpu.ContextInfo{
		Device:           NewDevice(setup.Device, setup.CommandPool, setup.AllocationCallbacks),
		Queue:            NewQueue(setup.Queue),
		MemoryProperties: *setup.PhysicalDevice.MemoryProperties(),
		Limits:           *properties.Limits,
		SwapchainFormat:  setup.SwapchainFormat,
		SwapchainExtent:  setup.SwapchainExtent,
		RenderPass:       setup.RenderPass,
		Options:          setup.Options,
	})
}
