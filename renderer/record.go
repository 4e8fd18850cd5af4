package renderer

import (
	"github.com/DavidLoftus/vktest/gpu"
	"github.com/DavidLoftus/vktest/vertex"
)

// UniformRange is the region of the uniform buffer a descriptor set points at
type UniformRange struct {
	Buffer gpu.Buffer
	Offset int
	Size   int
}

// Recorder records the commands that depend on pipelines, render passes, framebuffers and
// descriptor sets. Those objects are built by the pipeline factory outside this package; the
// renderer only decides what is drawn and with which buffers.
type Recorder interface {
	BeginPass(commandBuffer gpu.CommandBuffer, imageIndex int, clearColor [4]float32) error
	BindSpritePipeline(commandBuffer gpu.CommandBuffer) error
	BindTexture(commandBuffer gpu.CommandBuffer, textureID int) error
	BindWorldPipeline(commandBuffer gpu.CommandBuffer, renderData UniformRange) error
	BindObject(commandBuffer gpu.CommandBuffer, objectIndex int, objectData UniformRange) error
	EndPass(commandBuffer gpu.CommandBuffer) error
}

func (r *Renderer) uniformRange(offset, size int) UniformRange {
	return UniformRange{
		Buffer: r.uniforms.Buffer(),
		Offset: offset,
		Size:   size,
	}
}

// record fills the command buffer for one swapchain image. Sprites are drawn in runs sharing a
// texture, one instanced draw per run, then every object is drawn with its own mesh range.
func (r *Renderer) record(commandBuffer gpu.CommandBuffer, imageIndex int) error {
	_, err := commandBuffer.Begin(0)
	if err != nil {
		return gpu.SubmitError(err, "CommandBuffer::Begin")
	}

	err = r.recorder.BeginPass(commandBuffer, imageIndex, r.options.ClearColor)
	if err != nil {
		return gpu.SubmitError(err, "Recorder::BeginPass")
	}

	if len(r.sprites) > 0 {
		err = r.recordSprites(commandBuffer)
		if err != nil {
			return err
		}
	}

	if len(r.objects) > 0 {
		err = r.recordObjects(commandBuffer, imageIndex)
		if err != nil {
			return err
		}
	}

	err = r.recorder.EndPass(commandBuffer)
	if err != nil {
		return gpu.SubmitError(err, "Recorder::EndPass")
	}

	_, err = commandBuffer.End()
	if err != nil {
		return gpu.SubmitError(err, "CommandBuffer::End")
	}
	return nil
}

func (r *Renderer) recordSprites(commandBuffer gpu.CommandBuffer) error {
	err := r.recorder.BindSpritePipeline(commandBuffer)
	if err != nil {
		return gpu.SubmitError(err, "Recorder::BindSpritePipeline")
	}

	err = r.quad.BindVertex(commandBuffer, vertex.SpriteVertexBinding)
	if err != nil {
		return gpu.SubmitError(err, "Renderer::record quad")
	}
	err = r.instances.BindVertex(commandBuffer, vertex.SpriteInstanceBinding)
	if err != nil {
		return gpu.SubmitError(err, "Renderer::record instances")
	}

	for first := 0; first < len(r.sprites); {
		textureID := r.sprites[first].TextureID
		end := first + 1
		for end < len(r.sprites) && r.sprites[end].TextureID == textureID {
			end++
		}

		err = r.recorder.BindTexture(commandBuffer, textureID)
		if err != nil {
			return gpu.SubmitError(err, "Recorder::BindTexture")
		}
		commandBuffer.CmdDraw(len(vertex.Quad), end-first, 0, first)

		first = end
	}
	return nil
}

func (r *Renderer) recordObjects(commandBuffer gpu.CommandBuffer, imageIndex int) error {
	offset, size, err := r.renderData.DescriptorRange(imageIndex)
	if err != nil {
		return gpu.SubmitError(err, "Renderer::record render data")
	}

	err = r.recorder.BindWorldPipeline(commandBuffer, r.uniformRange(offset, size))
	if err != nil {
		return gpu.SubmitError(err, "Recorder::BindWorldPipeline")
	}

	err = r.meshVertices.BindVertex(commandBuffer, vertex.MeshVertexBinding)
	if err != nil {
		return gpu.SubmitError(err, "Renderer::record mesh vertices")
	}

	for index, object := range r.objects {
		offset, size, err = r.objectData.DescriptorRange(index)
		if err != nil {
			return gpu.SubmitError(err, "Renderer::record object data")
		}

		err = r.recorder.BindObject(commandBuffer, index, r.uniformRange(offset, size))
		if err != nil {
			return gpu.SubmitError(err, "Recorder::BindObject")
		}

		location, _ := r.meshLocations.Get(object.MeshID)
		commandBuffer.CmdDraw(location.VertexCount, 1, location.FirstVertex, 0)
	}
	return nil
}

// recordAll allocates and records one command buffer per swapchain image
func (r *Renderer) recordAll(imageCount int) error {
	commandBuffers, _, err := r.context.Device().AllocateCommandBuffers(imageCount)
	if err != nil {
		return gpu.AllocationError(err, "Device::AllocateCommandBuffers")
	}
	r.teardown.Push("commandBuffers", func() {
		for _, commandBuffer := range commandBuffers {
			commandBuffer.Free()
		}
	})

	for imageIndex, commandBuffer := range commandBuffers {
		err = r.record(commandBuffer, imageIndex)
		if err != nil {
			return err
		}
	}

	r.commandBuffers = commandBuffers
	return nil
}
