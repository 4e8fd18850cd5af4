package upload

import (
	"github.com/DavidLoftus/vktest/gpu"
	"github.com/DavidLoftus/vktest/suballoc"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// Download reads the full contents of each sub-buffer back to the host. Device-local allocations
// must have been packed with BufferUsageTransferSrc; their contents are copied into a transient
// read-back buffer first.
func (u *Uploader) Download(packed *suballoc.PackedAllocation, subBuffers []*suballoc.SubBuffer) ([][]byte, common.VkResult, error) {
	err := checkTargets(packed, subBuffers, "Uploader::Download")
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}

	results := make([][]byte, len(subBuffers))
	for index, sub := range subBuffers {
		results[index] = make([]byte, sub.Size())
	}

	if packed.Location() == gpu.LocationHostVisible {
		u.logger.Debug("Uploader::Download", slog.String("path", "mapped"), slog.Int("subBuffers", len(subBuffers)))

		err = packed.Allocation().WithMapping(gpu.MapRead, func(data []byte) error {
			for index, sub := range subBuffers {
				copy(results[index], data[sub.Offset():sub.Offset()+sub.Size()])
			}
			return nil
		})
		if err != nil {
			return nil, core1_0.VKErrorMemoryMapFailed, err
		}
		return results, core1_0.VKSuccess, nil
	}

	u.logger.Debug("Uploader::Download", slog.String("path", "staged"), slog.Int("subBuffers", len(subBuffers)))

	if packed.Usage()&core1_0.BufferUsageTransferSrc == 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("Uploader::Download: a device-local allocation must be packed with BufferUsageTransferSrc to be read back")
	}

	var regions []core1_0.BufferCopy
	total := 0
	for _, sub := range subBuffers {
		if sub.Size() == 0 {
			continue
		}
		regions = append(regions, core1_0.BufferCopy{
			SrcOffset: sub.Offset(),
			DstOffset: total,
			Size:      sub.Size(),
		})
		total += sub.Size()
	}
	if total == 0 {
		return results, core1_0.VKSuccess, nil
	}

	readback, res, err := u.context.CreateBuffer(total, core1_0.BufferUsageTransferDst, gpu.MemoryUsageGPUToCPU)
	if err != nil {
		return nil, res, errors.Wrap(err, "Uploader::Download read-back buffer")
	}

	res, err = u.context.SubmitOneTime(func(commandBuffer gpu.CommandBuffer) error {
		return commandBuffer.CmdCopyBuffer(packed.Buffer(), readback.Buffer(), regions)
	})
	if errors.Is(err, gpu.ErrWaitFailed) {
		// The copy may still be writing the read-back buffer
		return nil, res, err
	}
	defer readback.Destroy()
	if err != nil {
		return nil, res, err
	}

	err = readback.WithMapping(gpu.MapRead, func(data []byte) error {
		cursor := 0
		for index, sub := range subBuffers {
			copy(results[index], data[cursor:cursor+sub.Size()])
			cursor += sub.Size()
		}
		return nil
	})
	if err != nil {
		return nil, core1_0.VKErrorMemoryMapFailed, err
	}

	return results, res, nil
}
