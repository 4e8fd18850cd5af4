// Package suballoc packs several logical buffers (vertex, index, uniform and storage data) into
// one physical buffer, placing each at an offset that satisfies its alignment.
package suballoc

import (
	"io"

	"github.com/DavidLoftus/vktest/gpu"
	"github.com/DavidLoftus/vktest/memutils"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// Packer creates packed allocations on a render context's device
type Packer struct {
	logger  *slog.Logger
	context *gpu.Context
}

// NewPacker creates a Packer that allocates through context
//
// logger - Receives debug logs for every pack. nil discards them.
func NewPacker(logger *slog.Logger, context *gpu.Context) *Packer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Packer{
		logger:  logger,
		context: context,
	}
}

// Limits are the device limits used by the uniform and storage sub-buffer constructors
func (p *Packer) Limits() *core1_0.PhysicalDeviceLimits {
	return p.context.Limits()
}

// Pack lays subBuffers out in the order given, creates one physical buffer sized to the layout
// with memory chosen by memoryUsage, and binds every sub-buffer to it. The buffer's usage is the
// union of the sub-buffers' usages and extraUsage.
//
// The returned PackedAllocation owns the physical buffer; the caller must Destroy it once
// nothing reads the sub-buffers. On failure no sub-buffer is modified.
func (p *Packer) Pack(subBuffers []*SubBuffer, memoryUsage gpu.MemoryUsage, extraUsage core1_0.BufferUsageFlags) (*PackedAllocation, common.VkResult, error) {
	if len(subBuffers) == 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("Packer::Pack: at least one sub-buffer must be provided")
	}
	seen := make(map[*SubBuffer]int, len(subBuffers))
	for index, sub := range subBuffers {
		if sub == nil {
			return nil, core1_0.VKErrorUnknown, errors.Newf("Packer::Pack: sub-buffer %d is nil", index)
		}
		if first, ok := seen[sub]; ok {
			return nil, core1_0.VKErrorUnknown, errors.Newf("Packer::Pack: sub-buffer %q appears at positions %d and %d", sub.name, first, index)
		}
		seen[sub] = index
		if sub.allocation != nil {
			return nil, core1_0.VKErrorUnknown, errors.Newf("Packer::Pack: sub-buffer %q is already packed at offset %d", sub.name, sub.offset)
		}
		if sub.size < 0 {
			return nil, core1_0.VKErrorUnknown, errors.Newf("Packer::Pack: sub-buffer %q has negative size %d", sub.name, sub.size)
		}
	}

	layout := ComputeLayout(subBuffers, extraUsage)

	p.logger.Debug("Packer::Pack",
		slog.Int("subBuffers", len(subBuffers)),
		slog.Int("totalSize", layout.TotalSize),
		slog.String("usage", layout.Usage.String()),
		slog.String("memoryUsage", memoryUsage.String()),
	)

	allocation, res, err := p.context.CreateBuffer(layout.TotalSize, layout.Usage, memoryUsage)
	if err != nil {
		return nil, res, errors.Wrapf(err, "Packer::Pack %d sub-buffers", len(subBuffers))
	}

	packed := &PackedAllocation{
		logger:     p.logger,
		allocation: allocation,
		subBuffers: append([]*SubBuffer(nil), subBuffers...),
		layout:     layout,
	}

	for index, sub := range subBuffers {
		sub.offset = layout.Regions[index].Offset
		sub.allocation = packed
	}

	memutils.DebugValidate(packed)

	return packed, res, nil
}
