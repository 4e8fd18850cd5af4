// Package upload moves host data into packed allocations and back. Host-visible allocations are
// written through a mapping; device-local allocations go through a transient staging buffer
// and a device-side copy, and the call blocks until the device has finished.
package upload

import (
	"io"

	"github.com/DavidLoftus/vktest/gpu"
	"github.com/DavidLoftus/vktest/suballoc"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// Uploader copies data between the host and packed allocations created on its context
type Uploader struct {
	logger  *slog.Logger
	context *gpu.Context
}

// New creates an Uploader. logger receives debug logs for every transfer; nil discards them.
func New(logger *slog.Logger, context *gpu.Context) *Uploader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Uploader{
		logger:  logger,
		context: context,
	}
}

// StagingPlan lays sources out back to back, as they are written into a staging buffer, and
// returns one copy region per non-empty source translating from that contiguous layout to each
// sub-buffer's offset in the packed buffer. total is the staging buffer size needed.
func StagingPlan(subBuffers []*suballoc.SubBuffer, sources [][]byte) (regions []core1_0.BufferCopy, total int) {
	for index, sub := range subBuffers {
		length := len(sources[index])
		if length == 0 {
			continue
		}

		regions = append(regions, core1_0.BufferCopy{
			SrcOffset: total,
			DstOffset: sub.Offset(),
			Size:      length,
		})
		total += length
	}

	return regions, total
}

func checkTargets(packed *suballoc.PackedAllocation, subBuffers []*suballoc.SubBuffer, operation string) error {
	if packed == nil || packed.Allocation() == nil {
		return errors.Newf("%s: packed allocation is nil or destroyed", operation)
	}

	for _, sub := range subBuffers {
		if sub.Allocation() != packed {
			return errors.Newf("%s: sub-buffer %q is not packed into this allocation", operation, sub.Name())
		}
	}
	return nil
}

// UploadAll writes sources into every sub-buffer of packed, in packing order
func (u *Uploader) UploadAll(packed *suballoc.PackedAllocation, sources [][]byte) (common.VkResult, error) {
	if packed == nil {
		return core1_0.VKErrorUnknown, errors.New("Uploader::UploadAll: packed allocation is nil")
	}
	return u.Upload(packed, packed.SubBuffers(), sources)
}

// Upload writes sources[i] to the start of subBuffers[i]. A source may be shorter than its
// sub-buffer, in which case only its bytes are written; a longer source is rejected before any
// device work. After Upload returns successfully the packed buffer holds the data regardless of
// where its memory lives.
func (u *Uploader) Upload(packed *suballoc.PackedAllocation, subBuffers []*suballoc.SubBuffer, sources [][]byte) (common.VkResult, error) {
	err := checkTargets(packed, subBuffers, "Uploader::Upload")
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}
	if len(sources) != len(subBuffers) {
		return core1_0.VKErrorUnknown, errors.Newf("Uploader::Upload: %d sources were provided for %d sub-buffers", len(sources), len(subBuffers))
	}
	for index, sub := range subBuffers {
		if len(sources[index]) > sub.Size() {
			return core1_0.VKErrorUnknown, errors.Newf("Uploader::Upload: source of %d bytes does not fit sub-buffer %q of %d bytes", len(sources[index]), sub.Name(), sub.Size())
		}
	}

	if packed.Location() == gpu.LocationHostVisible {
		u.logger.Debug("Uploader::Upload", slog.String("path", "mapped"), slog.Int("subBuffers", len(subBuffers)))
		return u.uploadMapped(packed, subBuffers, sources)
	}

	u.logger.Debug("Uploader::Upload", slog.String("path", "staged"), slog.Int("subBuffers", len(subBuffers)))
	return u.uploadStaged(packed, subBuffers, sources)
}

func (u *Uploader) uploadMapped(packed *suballoc.PackedAllocation, subBuffers []*suballoc.SubBuffer, sources [][]byte) (common.VkResult, error) {
	err := packed.Allocation().WithMapping(gpu.MapWrite, func(data []byte) error {
		for index, sub := range subBuffers {
			copy(data[sub.Offset():sub.Offset()+len(sources[index])], sources[index])
		}
		return nil
	})
	if err != nil {
		return core1_0.VKErrorMemoryMapFailed, err
	}
	return core1_0.VKSuccess, nil
}

func (u *Uploader) uploadStaged(packed *suballoc.PackedAllocation, subBuffers []*suballoc.SubBuffer, sources [][]byte) (common.VkResult, error) {
	if packed.Usage()&core1_0.BufferUsageTransferDst == 0 {
		return core1_0.VKErrorUnknown, errors.New("Uploader::Upload: a device-local allocation must be packed with BufferUsageTransferDst to be staged into")
	}

	regions, total := StagingPlan(subBuffers, sources)
	if total == 0 {
		return core1_0.VKSuccess, nil
	}

	staging, res, err := u.context.CreateBuffer(total, core1_0.BufferUsageTransferSrc, gpu.MemoryUsageCPUOnly)
	if err != nil {
		return res, errors.Wrap(err, "Uploader::Upload staging buffer")
	}

	filled := nonEmpty(sources)
	err = staging.WithMapping(gpu.MapWrite, func(data []byte) error {
		for index, region := range regions {
			copy(data[region.SrcOffset:region.SrcOffset+region.Size], filled[index])
		}
		return nil
	})
	if err != nil {
		staging.Destroy()
		return core1_0.VKErrorMemoryMapFailed, err
	}

	res, err = u.context.SubmitOneTime(func(commandBuffer gpu.CommandBuffer) error {
		return commandBuffer.CmdCopyBuffer(staging.Buffer(), packed.Buffer(), regions)
	})
	if errors.Is(err, gpu.ErrWaitFailed) {
		// The copy may still be reading the staging buffer
		return res, err
	}

	staging.Destroy()
	return res, err
}

func nonEmpty(sources [][]byte) [][]byte {
	filtered := make([][]byte, 0, len(sources))
	for _, source := range sources {
		if len(source) > 0 {
			filtered = append(filtered, source)
		}
	}
	return filtered
}
