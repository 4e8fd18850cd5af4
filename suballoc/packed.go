package suballoc

import (
	"github.com/DavidLoftus/vktest/gpu"
	"github.com/DavidLoftus/vktest/memutils"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// PackedAllocation is the single physical buffer backing a set of sub-buffers. It has exactly one
// owner, the caller of Packer.Pack.
type PackedAllocation struct {
	logger     *slog.Logger
	allocation *gpu.Allocation
	subBuffers []*SubBuffer
	layout     Layout
}

// Allocation returns the underlying physical allocation, or nil once destroyed
func (p *PackedAllocation) Allocation() *gpu.Allocation {
	return p.allocation
}

// Buffer returns the shared physical buffer, or nil once destroyed
func (p *PackedAllocation) Buffer() gpu.Buffer {
	if p.allocation == nil {
		return nil
	}
	return p.allocation.Buffer()
}

func (p *PackedAllocation) TotalSize() int                  { return p.layout.TotalSize }
func (p *PackedAllocation) Usage() core1_0.BufferUsageFlags { return p.layout.Usage }
func (p *PackedAllocation) Layout() Layout                  { return p.layout }
func (p *PackedAllocation) SubBuffers() []*SubBuffer        { return p.subBuffers }

// Location reports whether the packed buffer can be mapped by the host. It is decided by the
// memory type the allocation landed in, not by the sub-buffers.
func (p *PackedAllocation) Location() gpu.Location {
	if p.allocation == nil {
		return gpu.LocationDeviceLocal
	}
	return p.allocation.Location()
}

// Validate checks the packing invariants: every sub-buffer is bound here at an offset that
// satisfies its alignment, and sub-buffers do not overlap
func (p *PackedAllocation) Validate() error {
	err := p.layout.Validate()
	if err != nil {
		return err
	}

	if len(p.subBuffers) != len(p.layout.Regions) {
		return errors.Newf("packed allocation has %d sub-buffers but %d regions", len(p.subBuffers), len(p.layout.Regions))
	}

	for index, sub := range p.subBuffers {
		region := p.layout.Regions[index]
		if sub.allocation != p {
			return errors.Newf("sub-buffer %q is not bound to this allocation", sub.name)
		}
		if sub.offset != region.Offset || sub.size != region.Size {
			return errors.Newf("sub-buffer %q at [%d, %d) does not match its region [%d, %d)", sub.name, sub.offset, sub.offset+sub.size, region.Offset, region.Offset+region.Size)
		}
		if sub.alignment != 0 && sub.offset%sub.alignment != 0 {
			return errors.Newf("sub-buffer %q offset %d is not aligned to %d", sub.name, sub.offset, sub.alignment)
		}
	}

	if p.allocation != nil && p.allocation.Size() != p.layout.TotalSize {
		return errors.Newf("physical buffer is %d bytes but the layout needs %d", p.allocation.Size(), p.layout.TotalSize)
	}
	return nil
}

// Statistics summarizes the sub-buffers and alignment padding in this allocation
func (p *PackedAllocation) Statistics() memutils.DetailedStatistics {
	return p.layout.Statistics()
}

// BuildStatsString writes the layout of this allocation as JSON: the physical buffer's size,
// usage and location, followed by every sub-buffer and padding gap in offset order
func (p *PackedAllocation) BuildStatsString() string {
	writer := jwriter.NewWriter()
	p.PrintDetailedMap(&writer)
	return string(writer.Bytes())
}

// PrintDetailedMap writes the JSON object produced by BuildStatsString to writer
func (p *PackedAllocation) PrintDetailedMap(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	stats := p.Statistics()

	obj.Name("TotalBytes").Int(p.layout.TotalSize)
	obj.Name("Usage").String(p.layout.Usage.String())
	obj.Name("Location").String(p.Location().String())
	if p.allocation != nil {
		obj.Name("MemoryUsage").String(p.allocation.MemoryUsage().String())
		obj.Name("MemoryTypeIndex").Int(p.allocation.MemoryTypeIndex())
	}
	obj.Name("SubBuffers").Int(stats.RegionCount)
	obj.Name("PaddingBytes").Int(stats.PaddingBytes)

	regions := obj.Name("Regions").Array()
	defer regions.End()

	for index, sub := range p.subBuffers {
		region := p.layout.Regions[index]
		if region.Padding > 0 {
			gap := regions.Object()
			gap.Name("Offset").Int(region.Offset - region.Padding)
			gap.Name("Type").String("Padding")
			gap.Name("Size").Int(region.Padding)
			gap.End()
		}

		item := regions.Object()
		item.Name("Offset").Int(region.Offset)
		item.Name("Type").String(sub.kind.String())
		item.Name("Size").Int(region.Size)
		item.Name("Alignment").Int(sub.alignment)
		if sub.name != "" {
			item.Name("Name").String(sub.name)
		}
		item.End()
	}
}

// Destroy releases the physical buffer. Sub-buffers packed into it stay packed at their
// offsets but no longer have a buffer to bind. Calling Destroy more than once does nothing.
func (p *PackedAllocation) Destroy() {
	if p.allocation == nil {
		return
	}

	p.logger.Debug("PackedAllocation::Destroy", slog.Int("totalSize", p.layout.TotalSize))

	p.allocation.Destroy()
	p.allocation = nil
}
