package gpu_test

import (
	"testing"
	"time"

	"github.com/DavidLoftus/vktest/gpu"
	"github.com/DavidLoftus/vktest/gpu/gputest"
	"github.com/DavidLoftus/vktest/gpu/mocks"
	"github.com/DavidLoftus/vktest/memutils"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"go.uber.org/mock/gomock"
)

func mockContext(t *testing.T, ctrl *gomock.Controller, options gpu.ContextOptions) (*gpu.Context, *mocks.MockDevice, *mocks.MockQueue) {
	device := mocks.NewMockDevice(ctrl)
	queue := mocks.NewMockQueue(ctrl)

	context, err := gpu.NewContext(nil, gpu.ContextInfo{
		Device:           device,
		Queue:            queue,
		MemoryProperties: gputest.DefaultMemoryProperties(),
		Limits:           gputest.DefaultLimits(),
		Options:          options,
	})
	require.NoError(t, err)

	return context, device, queue
}

func TestNewContextRequiresDevice(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, err := gpu.NewContext(nil, gpu.ContextInfo{
		Queue:            mocks.NewMockQueue(ctrl),
		MemoryProperties: gputest.DefaultMemoryProperties(),
	})
	require.Error(t, err)

	_, err = gpu.NewContext(nil, gpu.ContextInfo{
		Device: mocks.NewMockDevice(ctrl),
		Queue:  mocks.NewMockQueue(ctrl),
	})
	require.Error(t, err)
}

func TestNewContextRejectsBadLimits(t *testing.T) {
	ctrl := gomock.NewController(t)

	limits := gputest.DefaultLimits()
	limits.MinUniformBufferOffsetAlignment = 48

	_, err := gpu.NewContext(nil, gpu.ContextInfo{
		Device:           mocks.NewMockDevice(ctrl),
		Queue:            mocks.NewMockQueue(ctrl),
		MemoryProperties: gputest.DefaultMemoryProperties(),
		Limits:           limits,
	})
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.ErrorContains(t, err, "minUniformBufferOffsetAlignment is 48")
}

func TestNewContextDefaults(t *testing.T) {
	ctrl := gomock.NewController(t)

	context, _, _ := mockContext(t, ctrl, gpu.ContextOptions{})
	require.NotNil(t, context.Logger())
	require.Equal(t, gpu.NoTimeout, context.FenceTimeout())
	require.Equal(t, 3, context.MemoryTypeCount())
	require.Equal(t, 256, context.Limits().MinUniformBufferOffsetAlignment)

	context, _, _ = mockContext(t, ctrl, gpu.ContextOptions{FenceTimeout: time.Second})
	require.Equal(t, time.Second, context.FenceTimeout())
}

func TestIsMemoryTypeHostNonCoherent(t *testing.T) {
	context, _, err := gputest.NewContext(gpu.ContextOptions{})
	require.NoError(t, err)

	require.False(t, context.IsMemoryTypeHostNonCoherent(gputest.MemoryTypeDeviceLocal))
	require.False(t, context.IsMemoryTypeHostNonCoherent(gputest.MemoryTypeHostCoherent))
	require.True(t, context.IsMemoryTypeHostNonCoherent(gputest.MemoryTypeHostCached))
}

func TestContextWaitIdle(t *testing.T) {
	ctrl := gomock.NewController(t)
	context, device, _ := mockContext(t, ctrl, gpu.ContextOptions{})

	device.EXPECT().WaitIdle().Return(core1_0.VKSuccess, nil)
	require.NoError(t, context.WaitIdle())

	device.EXPECT().WaitIdle().Return(core1_0.VKErrorDeviceLost, core1_0.VKErrorDeviceLost.ToError())
	err := context.WaitIdle()
	require.True(t, errors.Is(err, gpu.ErrWaitFailed))
	require.True(t, errors.Is(err, gpu.ErrSubmitFailed))
	require.ErrorContains(t, err, "Device::WaitIdle")
}
