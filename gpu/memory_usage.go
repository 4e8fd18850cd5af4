package gpu

import (
	"math"
	"math/bits"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// MemoryUsage is the caller's hint about how a physical buffer will be accessed. It decides which
// memory type backs the buffer, and therefore whether the buffer can be mapped.
type MemoryUsage uint32

const (
	// MemoryUsageUnknown applies no preference: any memory type permitted by the buffer will do
	MemoryUsageUnknown MemoryUsage = iota
	// MemoryUsageGPUOnly prefers DeviceLocal memory. The host may not be able to map it, so
	// writes go through a staging buffer.
	MemoryUsageGPUOnly
	// MemoryUsageCPUOnly requires HostVisible and HostCoherent memory and avoids DeviceLocal, for
	// staging buffers
	MemoryUsageCPUOnly
	// MemoryUsageCPUToGPU requires HostVisible memory and prefers DeviceLocal, for data the host
	// rewrites every frame
	MemoryUsageCPUToGPU
	// MemoryUsageGPUToCPU requires HostVisible memory and prefers HostCached, for read-back
	MemoryUsageGPUToCPU
)

var memoryUsageMapping = make(map[MemoryUsage]string)

func (u MemoryUsage) String() string {
	return memoryUsageMapping[u]
}

func init() {
	memoryUsageMapping[MemoryUsageUnknown] = "MemoryUsageUnknown"
	memoryUsageMapping[MemoryUsageGPUOnly] = "MemoryUsageGPUOnly"
	memoryUsageMapping[MemoryUsageCPUOnly] = "MemoryUsageCPUOnly"
	memoryUsageMapping[MemoryUsageCPUToGPU] = "MemoryUsageCPUToGPU"
	memoryUsageMapping[MemoryUsageGPUToCPU] = "MemoryUsageGPUToCPU"
}

// Location classifies the memory type an allocation landed in
type Location uint32

const (
	// LocationDeviceLocal memory cannot be mapped by the host
	LocationDeviceLocal Location = iota
	// LocationHostVisible memory can be mapped by the host
	LocationHostVisible
)

var locationMapping = make(map[Location]string)

func (l Location) String() string {
	return locationMapping[l]
}

func init() {
	locationMapping[LocationDeviceLocal] = "LocationDeviceLocal"
	locationMapping[LocationHostVisible] = "LocationHostVisible"
}

// LocationOf classifies a memory type by its property flags
func LocationOf(flags core1_0.MemoryPropertyFlags) Location {
	if flags&core1_0.MemoryPropertyHostVisible != 0 {
		return LocationHostVisible
	}
	return LocationDeviceLocal
}

func memoryPreferences(usage MemoryUsage) (requiredFlags, preferredFlags, notPreferredFlags core1_0.MemoryPropertyFlags) {
	switch usage {
	case MemoryUsageGPUOnly:
		preferredFlags |= core1_0.MemoryPropertyDeviceLocal
	case MemoryUsageCPUOnly:
		requiredFlags |= core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
		// Staging memory belongs in system RAM, leave any device-local host-visible heap alone
		notPreferredFlags |= core1_0.MemoryPropertyDeviceLocal
	case MemoryUsageCPUToGPU:
		requiredFlags |= core1_0.MemoryPropertyHostVisible
		preferredFlags |= core1_0.MemoryPropertyDeviceLocal
	case MemoryUsageGPUToCPU:
		requiredFlags |= core1_0.MemoryPropertyHostVisible
		preferredFlags |= core1_0.MemoryPropertyHostCached
	}

	return requiredFlags, preferredFlags, notPreferredFlags
}

// FindMemoryTypeIndex picks the memory type for a buffer whose requirements permit
// memoryTypeBits. Types missing a required flag are never chosen; among the rest, the type
// missing the fewest preferred flags wins, ties going to the lowest index.
func FindMemoryTypeIndex(
	properties *core1_0.PhysicalDeviceMemoryProperties,
	memoryTypeBits uint32,
	usage MemoryUsage,
) (int, common.VkResult, error) {
	requiredFlags, preferredFlags, notPreferredFlags := memoryPreferences(usage)

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex, memType := range properties.MemoryTypes {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := memType.PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		presentNotPreferredFlags := notPreferredFlags & flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		if cost == 0 {
			return memTypeIndex, core1_0.VKSuccess, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, core1_0.VKErrorFeatureNotPresent, core1_0.VKErrorFeatureNotPresent.ToError()
	}

	return bestMemoryTypeIndex, core1_0.VKSuccess, nil
}
