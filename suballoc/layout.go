package suballoc

import (
	"github.com/DavidLoftus/vktest/memutils"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Region is where one sub-buffer landed in a Layout
type Region struct {
	Offset int
	Size   int
	// Padding is the gap between the end of the previous region and Offset
	Padding int
}

// Layout is the result of linearly packing an ordered list of sub-buffers
type Layout struct {
	Regions   []Region
	TotalSize int
	Usage     core1_0.BufferUsageFlags
}

// ComputeLayout packs subBuffers in the order given. Each sub-buffer starts at the first offset
// at or after the end of the previous one that satisfies its alignment. The total size is the end
// of the last sub-buffer, with no trailing padding. Usage is the union of every sub-buffer's
// usage and extraUsage.
//
// ComputeLayout never reorders its input and never fails; a list whose sizes are all zero
// produces a TotalSize of zero.
func ComputeLayout(subBuffers []*SubBuffer, extraUsage core1_0.BufferUsageFlags) Layout {
	layout := Layout{
		Regions: make([]Region, 0, len(subBuffers)),
		Usage:   extraUsage,
	}

	cursor := 0
	for _, sub := range subBuffers {
		offset := cursor
		if sub.alignment != 0 {
			offset = memutils.AlignUp(cursor, sub.alignment)
		}

		layout.Regions = append(layout.Regions, Region{
			Offset:  offset,
			Size:    sub.size,
			Padding: offset - cursor,
		})
		layout.Usage |= sub.usage
		cursor = offset + sub.size
	}

	layout.TotalSize = cursor
	return layout
}

// Statistics summarizes the regions and alignment padding in the layout
func (l *Layout) Statistics() memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	stats.Clear()

	stats.AllocationCount = 1
	stats.AllocationBytes = l.TotalSize
	for _, region := range l.Regions {
		stats.AddRegion(region.Size)
		stats.AddPadding(region.Padding)
	}

	return stats
}

// Validate checks that the layout's regions are in order, do not overlap and end exactly at
// TotalSize
func (l *Layout) Validate() error {
	end := 0
	for index, region := range l.Regions {
		if region.Size < 0 {
			return errors.Newf("region %d has negative size %d", index, region.Size)
		}
		if region.Offset < end {
			return errors.Newf("region %d at offset %d overlaps the previous region, which ends at %d", index, region.Offset, end)
		}
		if region.Offset-end != region.Padding {
			return errors.Newf("region %d records padding %d but the gap before it is %d", index, region.Padding, region.Offset-end)
		}
		end = region.Offset + region.Size
	}

	if end != l.TotalSize {
		return errors.Newf("regions end at %d but the layout total size is %d", end, l.TotalSize)
	}
	return nil
}
