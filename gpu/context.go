package gpu

import (
	"io"
	"math"
	"time"

	"github.com/DavidLoftus/vktest/memutils"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// NoTimeout is an effectively infinite wait, used for fence waits and image acquisition in the
// steady-state loop
const NoTimeout = time.Duration(math.MaxInt64)

// Extent is the swapchain image size in pixels
type Extent struct {
	Width  int
	Height int
}

// ContextOptions contains optional settings when creating a Context
type ContextOptions struct {
	// FenceTimeout bounds the blocking waits performed by one-time submissions. Zero means
	// NoTimeout.
	FenceTimeout time.Duration
}

// ContextInfo carries the objects produced by the one-time initialization sequence (instance,
// device and swapchain setup) that a Context reads from
type ContextInfo struct {
	Device           Device
	Queue            Queue
	MemoryProperties core1_0.PhysicalDeviceMemoryProperties
	Limits           core1_0.PhysicalDeviceLimits

	SwapchainFormat core1_0.Format
	SwapchainExtent Extent
	// RenderPass is handed through to pipeline and command recording code, the context never
	// touches it
	RenderPass core1_0.RenderPass

	Options ContextOptions
}

// Context is the render context: the device, queue and physical device properties every
// component reads. It is built once after initialization and never modified afterwards, so it can
// be shared without locking.
type Context struct {
	logger *slog.Logger

	device           Device
	queue            Queue
	memoryProperties core1_0.PhysicalDeviceMemoryProperties
	limits           core1_0.PhysicalDeviceLimits

	swapchainFormat core1_0.Format
	swapchainExtent Extent
	renderPass      core1_0.RenderPass

	fenceTimeout time.Duration
}

// NewContext validates info and builds a Context from it
//
// logger - Receives debug logs for device operations. nil discards them.
//
// info - The initialized device objects and their properties
func NewContext(logger *slog.Logger, info ContextInfo) (*Context, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if info.Device == nil {
		return nil, errors.New("gpu.ContextInfo.Device must be provided")
	}
	if info.Queue == nil {
		return nil, errors.New("gpu.ContextInfo.Queue must be provided")
	}
	if len(info.MemoryProperties.MemoryTypes) == 0 {
		return nil, errors.New("gpu.ContextInfo.MemoryProperties must list at least one memory type")
	}

	err := memutils.CheckPow2(info.Limits.MinUniformBufferOffsetAlignment, "device minUniformBufferOffsetAlignment")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(info.Limits.MinStorageBufferOffsetAlignment, "device minStorageBufferOffsetAlignment")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(info.Limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	fenceTimeout := info.Options.FenceTimeout
	if fenceTimeout <= 0 {
		fenceTimeout = NoTimeout
	}

	return &Context{
		logger:           logger,
		device:           info.Device,
		queue:            info.Queue,
		memoryProperties: info.MemoryProperties,
		limits:           info.Limits,
		swapchainFormat:  info.SwapchainFormat,
		swapchainExtent:  info.SwapchainExtent,
		renderPass:       info.RenderPass,
		fenceTimeout:     fenceTimeout,
	}, nil
}

func (c *Context) Logger() *slog.Logger                  { return c.logger }
func (c *Context) Device() Device                        { return c.device }
func (c *Context) Queue() Queue                          { return c.queue }
func (c *Context) Limits() *core1_0.PhysicalDeviceLimits { return &c.limits }
func (c *Context) SwapchainFormat() core1_0.Format       { return c.swapchainFormat }
func (c *Context) SwapchainExtent() Extent               { return c.swapchainExtent }
func (c *Context) RenderPass() core1_0.RenderPass        { return c.renderPass }
func (c *Context) FenceTimeout() time.Duration           { return c.fenceTimeout }
func (c *Context) MemoryTypeCount() int                  { return len(c.memoryProperties.MemoryTypes) }
func (c *Context) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return c.memoryProperties.MemoryTypes[memoryTypeIndex]
}

// IsMemoryTypeHostNonCoherent reports whether host writes to memoryTypeIndex need an explicit
// flush before the device sees them
func (c *Context) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := c.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

// FindMemoryTypeIndex picks a memory type for the given requirement bits and usage hint
func (c *Context) FindMemoryTypeIndex(memoryTypeBits uint32, usage MemoryUsage) (int, error) {
	c.logger.Debug("Context::FindMemoryTypeIndex", slog.String("usage", usage.String()))

	index, _, err := FindMemoryTypeIndex(&c.memoryProperties, memoryTypeBits, usage)
	return index, err
}

// WaitIdle blocks until the device has finished all outstanding work
func (c *Context) WaitIdle() error {
	c.logger.Debug("Context::WaitIdle")

	_, err := c.device.WaitIdle()
	if err != nil {
		return WaitError(err, "Device::WaitIdle")
	}
	return nil
}
