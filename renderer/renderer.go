// Package renderer turns a loaded scene into GPU work: it packs the geometry into one
// device-local allocation and the uniforms into one host-visible allocation, records one command
// buffer per swapchain image, and drives a frame.Ring that draws them until the window closes.
package renderer

import (
	"io"

	"github.com/DavidLoftus/vktest/frame"
	"github.com/DavidLoftus/vktest/gpu"
	"github.com/DavidLoftus/vktest/lifetime"
	"github.com/DavidLoftus/vktest/suballoc"
	"github.com/DavidLoftus/vktest/upload"
	"github.com/DavidLoftus/vktest/vertex"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

const (
	// RenderDataSize is the size of the per-image world uniform: projection then view
	RenderDataSize = 128
	// ObjectDataSize is the size of the per-object uniform: the world matrix
	ObjectDataSize = 64

	viewOffset = 64
	nearPlane  = 0.1

	defaultFieldOfView = 100
)

// Options contains optional settings when creating a Renderer
type Options struct {
	// ClearColor is the color every image is cleared to before drawing
	ClearColor [4]float32
	// GeometryMemoryUsage places the vertex streams. Zero means gpu.MemoryUsageGPUOnly.
	GeometryMemoryUsage gpu.MemoryUsage
	// UniformMemoryUsage places the uniforms, which are rewritten every frame and so must land in
	// host-visible memory. Zero means gpu.MemoryUsageCPUToGPU.
	UniformMemoryUsage gpu.MemoryUsage
	// ExtraUsage is added to the usage of both packed allocations
	ExtraUsage core1_0.BufferUsageFlags
	// FieldOfView is the vertical field of view of the world pipeline in degrees. Zero means 100.
	FieldOfView float32
	// Ring configures the frame ring's timeouts
	Ring frame.RingOptions
}

// UpdateFunc is called once per frame, after the acquired image's previous submission has
// finished. It may move the camera; the view matrix for the image is written after it returns.
type UpdateFunc func(frame *frame.Frame, camera *Camera)

// Renderer owns every GPU object built from a scene
type Renderer struct {
	logger   *slog.Logger
	context  *gpu.Context
	recorder Recorder
	options  Options

	sprites       []Sprite
	objects       []Object
	meshLocations *swiss.Map[int, vertex.Range]
	camera        Camera
	projection    mgl32.Mat4

	teardown *lifetime.Stack
	ring     *frame.Ring

	geometry     *suballoc.PackedAllocation
	quad         *suballoc.SubBuffer
	instances    *suballoc.SubBuffer
	meshVertices *suballoc.SubBuffer

	uniforms   *suballoc.PackedAllocation
	renderData *suballoc.SubBuffer
	objectData *suballoc.SubBuffer

	commandBuffers []gpu.CommandBuffer
}

// New loads scene onto the device behind context and records the command buffers that draw it
// into swapchain. The scene is checked before any device work, and on failure everything created
// so far is destroyed in reverse order.
//
// logger - Receives lifecycle logs for the renderer and the components it creates. nil discards
// them.
//
// recorder - Records the pipeline, render pass and descriptor commands around the draws
func New(logger *slog.Logger, context *gpu.Context, swapchain gpu.Swapchain, recorder Recorder, scene Scene, options Options) (*Renderer, common.VkResult, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if context == nil {
		return nil, core1_0.VKErrorUnknown, errors.New("renderer.New: context cannot be nil")
	}
	if recorder == nil {
		return nil, core1_0.VKErrorUnknown, errors.New("renderer.New: recorder cannot be nil")
	}

	extent := context.SwapchainExtent()
	if extent.Width <= 0 || extent.Height <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("renderer.New: swapchain extent %dx%d is empty", extent.Width, extent.Height)
	}

	if options.GeometryMemoryUsage == gpu.MemoryUsageUnknown {
		options.GeometryMemoryUsage = gpu.MemoryUsageGPUOnly
	}
	if options.UniformMemoryUsage == gpu.MemoryUsageUnknown {
		options.UniformMemoryUsage = gpu.MemoryUsageCPUToGPU
	}
	if options.FieldOfView == 0 {
		options.FieldOfView = defaultFieldOfView
	}

	meshData, ranges := vertex.Concat(scene.Meshes)
	meshLocations := swiss.NewMap[int, vertex.Range](uint32(len(ranges)))
	for meshID, location := range ranges {
		meshLocations.Put(meshID, location)
	}
	for index, object := range scene.Objects {
		if _, ok := meshLocations.Get(object.MeshID); !ok {
			return nil, core1_0.VKErrorUnknown, errors.Newf("renderer.New: object %d uses mesh %d, but the scene has %d meshes", index, object.MeshID, len(ranges))
		}
	}

	// One instanced draw per texture needs the sprites grouped by texture
	sprites := slices.Clone(scene.Sprites)
	slices.SortStableFunc(sprites, func(a, b Sprite) int {
		return a.TextureID - b.TextureID
	})

	camera := DefaultCamera()
	if scene.Camera != nil {
		camera = *scene.Camera
	}

	r := &Renderer{
		logger:        logger,
		context:       context,
		recorder:      recorder,
		options:       options,
		sprites:       sprites,
		objects:       slices.Clone(scene.Objects),
		meshLocations: meshLocations,
		camera:        camera,
		projection:    Projection(options.FieldOfView, extent, nearPlane),
		teardown:      lifetime.NewStack(logger),
	}

	ring, res, err := frame.NewRing(logger, context, swapchain, options.Ring)
	if err != nil {
		return nil, res, err
	}
	r.teardown.Push("ring", ring.Destroy)
	r.ring = ring

	packer := suballoc.NewPacker(logger, context)
	uploader := upload.New(logger, context)

	res, err = r.loadGeometry(packer, uploader, meshData)
	if err != nil {
		r.teardown.Destroy()
		return nil, res, err
	}

	res, err = r.loadUniforms(packer, uploader, ring.ImageCount())
	if err != nil {
		r.teardown.Destroy()
		return nil, res, err
	}

	err = r.recordAll(ring.ImageCount())
	if err != nil {
		r.teardown.Destroy()
		return nil, core1_0.VKErrorUnknown, err
	}

	logger.Info("scene loaded",
		slog.Int("sprites", len(r.sprites)),
		slog.Int("meshes", len(ranges)),
		slog.Int("objects", len(r.objects)),
		slog.Int("geometryBytes", r.geometry.TotalSize()),
		slog.Int("uniformBytes", r.uniforms.TotalSize()),
	)

	return r, core1_0.VKSuccess, nil
}

func (r *Renderer) loadGeometry(packer *suballoc.Packer, uploader *upload.Uploader, meshData []byte) (common.VkResult, error) {
	instances := make([]vertex.SpriteInstance, 0, len(r.sprites))
	for _, sprite := range r.sprites {
		instances = append(instances, vertex.SpriteInstance{
			Position: sprite.Position,
			Scale:    sprite.Scale,
		})
	}

	sources := [][]byte{
		vertex.EncodeSpriteVertices(vertex.Quad),
		vertex.EncodeSpriteInstances(instances),
		meshData,
	}

	r.quad = suballoc.NewVertex("quad", len(sources[0]))
	r.instances = suballoc.NewVertex("instances", len(sources[1]))
	r.meshVertices = suballoc.NewVertex("meshVertices", len(sources[2]))

	geometry, res, err := packer.Pack(
		[]*suballoc.SubBuffer{r.quad, r.instances, r.meshVertices},
		r.options.GeometryMemoryUsage,
		core1_0.BufferUsageTransferDst|r.options.ExtraUsage,
	)
	if err != nil {
		return res, errors.Wrap(err, "Renderer::loadGeometry")
	}
	r.teardown.Push("geometry", geometry.Destroy)
	r.geometry = geometry

	res, err = uploader.UploadAll(geometry, sources)
	if err != nil {
		return res, errors.Wrap(err, "Renderer::loadGeometry")
	}
	return res, nil
}

func (r *Renderer) loadUniforms(packer *suballoc.Packer, uploader *upload.Uploader, imageCount int) (common.VkResult, error) {
	limits := packer.Limits()
	r.renderData = suballoc.NewUniform("renderData", limits, RenderDataSize, imageCount)
	r.objectData = suballoc.NewUniform("objectData", limits, ObjectDataSize, len(r.objects))

	uniforms, res, err := packer.Pack(
		[]*suballoc.SubBuffer{r.renderData, r.objectData},
		r.options.UniformMemoryUsage,
		r.options.ExtraUsage,
	)
	if err != nil {
		return res, errors.Wrap(err, "Renderer::loadUniforms")
	}
	r.teardown.Push("uniforms", uniforms.Destroy)
	r.uniforms = uniforms

	if uniforms.Location() != gpu.LocationHostVisible {
		return core1_0.VKErrorUnknown, errors.Newf("Renderer::loadUniforms: uniforms are rewritten every frame and must be host-visible, but %s placed them in device-local memory", r.options.UniformMemoryUsage)
	}

	// Every image gets its own copy of the view so writing one never races a submission
	// reading another
	renderData := make([]byte, r.renderData.Size())
	projection := vertex.EncodeMatrix(r.projection)
	view := vertex.EncodeMatrix(r.camera.View())
	for imageIndex := 0; imageIndex < imageCount; imageIndex++ {
		offset := r.renderData.ElementOffset(imageIndex)
		copy(renderData[offset:], projection)
		copy(renderData[offset+viewOffset:], view)
	}

	objectData := make([]byte, r.objectData.Size())
	for index, object := range r.objects {
		world := mgl32.Translate3D(object.Position.X(), object.Position.Y(), object.Position.Z())
		copy(objectData[r.objectData.ElementOffset(index):], vertex.EncodeMatrix(world))
	}

	res, err = uploader.UploadAll(uniforms, [][]byte{renderData, objectData})
	if err != nil {
		return res, errors.Wrap(err, "Renderer::loadUniforms")
	}
	return res, nil
}

func (r *Renderer) Ring() *frame.Ring                    { return r.ring }
func (r *Renderer) Geometry() *suballoc.PackedAllocation { return r.geometry }
func (r *Renderer) Uniforms() *suballoc.PackedAllocation { return r.uniforms }
func (r *Renderer) Sprites() []Sprite                    { return r.sprites }
func (r *Renderer) Camera() Camera                       { return r.camera }
func (r *Renderer) SetCamera(camera Camera)              { r.camera = camera }

// MeshLocation returns where mesh meshID landed in the mesh vertex stream
func (r *Renderer) MeshLocation(meshID int) (vertex.Range, bool) {
	return r.meshLocations.Get(meshID)
}

// prepare runs between the fence wait and the submission of a frame
func (r *Renderer) prepare(update UpdateFunc) func(frame *frame.Frame) (gpu.CommandBuffer, error) {
	return func(frame *frame.Frame) (gpu.CommandBuffer, error) {
		if update != nil {
			update(frame, &r.camera)
		}

		offset, _, err := r.renderData.DescriptorRange(frame.ImageIndex)
		if err != nil {
			return nil, err
		}

		view := vertex.EncodeMatrix(r.camera.View())
		err = r.uniforms.Allocation().WithMapping(gpu.MapWrite, func(data []byte) error {
			copy(data[offset+viewOffset:offset+viewOffset+len(view)], view)
			return nil
		})
		if err != nil {
			return nil, err
		}

		return r.commandBuffers[frame.ImageIndex], nil
	}
}

// DrawFrame draws a single frame. update may be nil.
func (r *Renderer) DrawFrame(update UpdateFunc) (common.VkResult, error) {
	return r.ring.DrawFrame(r.prepare(update))
}

// Run draws frames until shouldClose reports true or a frame fails, then waits for the device to
// go idle. update may be nil.
func (r *Renderer) Run(shouldClose func() bool, update UpdateFunc) error {
	return r.ring.Run(shouldClose, r.prepare(update))
}

// BuildStatsString writes both packed layouts and the frame ring's state as JSON
func (r *Renderer) BuildStatsString() string {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("Sprites").Int(len(r.sprites))
	obj.Name("Meshes").Int(r.meshLocations.Count())
	obj.Name("Objects").Int(len(r.objects))
	r.geometry.PrintDetailedMap(obj.Name("Geometry"))
	r.uniforms.PrintDetailedMap(obj.Name("Uniforms"))
	r.ring.PrintDetailedMap(obj.Name("Ring"))

	obj.End()
	return string(writer.Bytes())
}

// Destroy frees the command buffers, both packed allocations and the frame ring, in that order.
// The device must be idle, which Run guarantees on return.
func (r *Renderer) Destroy() {
	r.logger.Debug("Renderer::Destroy")

	r.teardown.Destroy()
	r.commandBuffers = nil
}
