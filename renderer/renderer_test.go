package renderer

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"testing"

	"github.com/DavidLoftus/vktest/frame"
	"github.com/DavidLoftus/vktest/gpu"
	"github.com/DavidLoftus/vktest/gpu/gputest"
	"github.com/DavidLoftus/vktest/vertex"
	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

type fakeRecorder struct {
	calls  []string
	failOn string
}

func (f *fakeRecorder) log(call string, format string, args ...any) error {
	if call == f.failOn {
		return errors.Newf("%s failed", call)
	}
	f.calls = append(f.calls, call+fmt.Sprintf(format, args...))
	return nil
}

func (f *fakeRecorder) BeginPass(commandBuffer gpu.CommandBuffer, imageIndex int, clearColor [4]float32) error {
	return f.log("BeginPass", " %d %v", imageIndex, clearColor)
}

func (f *fakeRecorder) BindSpritePipeline(commandBuffer gpu.CommandBuffer) error {
	return f.log("BindSpritePipeline", "")
}

func (f *fakeRecorder) BindTexture(commandBuffer gpu.CommandBuffer, textureID int) error {
	return f.log("BindTexture", " %d", textureID)
}

func (f *fakeRecorder) BindWorldPipeline(commandBuffer gpu.CommandBuffer, renderData UniformRange) error {
	return f.log("BindWorldPipeline", " %d %d", renderData.Offset, renderData.Size)
}

func (f *fakeRecorder) BindObject(commandBuffer gpu.CommandBuffer, objectIndex int, objectData UniformRange) error {
	return f.log("BindObject", " %d %d %d", objectIndex, objectData.Offset, objectData.Size)
}

func (f *fakeRecorder) EndPass(commandBuffer gpu.CommandBuffer) error {
	return f.log("EndPass", "")
}

var triangle = []vertex.MeshVertex{
	{Position: mgl32.Vec3{0, 0, 0}, Color: mgl32.Vec3{1, 0, 0}},
	{Position: mgl32.Vec3{1, 0, 0}, Color: mgl32.Vec3{0, 1, 0}},
	{Position: mgl32.Vec3{0, 1, 0}, Color: mgl32.Vec3{0, 0, 1}},
}

var line = []vertex.MeshVertex{
	{Position: mgl32.Vec3{-2, 0, 0}},
	{Position: mgl32.Vec3{2, 0, 0}},
}

func testScene() Scene {
	return Scene{
		Sprites: []Sprite{
			{Position: mgl32.Vec2{1, 2}, Scale: mgl32.Vec2{1, 1}, TextureID: 2},
			{Position: mgl32.Vec2{3, 4}, Scale: mgl32.Vec2{0.5, 0.5}, TextureID: 1},
			{Position: mgl32.Vec2{5, 6}, Scale: mgl32.Vec2{2, 2}, TextureID: 2},
		},
		Meshes: [][]vertex.MeshVertex{triangle, line},
		Objects: []Object{
			{Position: mgl32.Vec3{1, 2, 3}, MeshID: 1},
			{Position: mgl32.Vec3{0, 0, -5}, MeshID: 0},
		},
	}
}

type renderRig struct {
	context   *gpu.Context
	device    *gputest.Device
	swapchain *gputest.Swapchain
	recorder  *fakeRecorder
}

func newRig(t *testing.T) *renderRig {
	context, device, err := gputest.NewContext(gpu.ContextOptions{})
	require.NoError(t, err)

	return &renderRig{
		context:   context,
		device:    device,
		swapchain: device.NewSwapchain(2),
		recorder:  &fakeRecorder{},
	}
}

func (r *renderRig) load(scene Scene, options Options) (*Renderer, common.VkResult, error) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(logger, r.context, r.swapchain, r.recorder, scene, options)
}

func bufferBytes(t *testing.T, buffer gpu.Buffer) []byte {
	fake, ok := buffer.(*gputest.Buffer)
	require.True(t, ok)
	return fake.Bytes()
}

func floatAt(data []byte, offset int) float32 {
	return math.Float32frombits(common.ByteOrder.Uint32(data[offset : offset+4]))
}

func TestNewPacksAndUploadsScene(t *testing.T) {
	rig := newRig(t)
	renderer, _, err := rig.load(testScene(), Options{})
	require.NoError(t, err)
	defer renderer.Destroy()

	// Sprites are grouped by texture, keeping their order within a texture
	require.Equal(t, []int{1, 2, 2}, []int{renderer.Sprites()[0].TextureID, renderer.Sprites()[1].TextureID, renderer.Sprites()[2].TextureID})
	require.Equal(t, mgl32.Vec2{1, 2}, renderer.Sprites()[1].Position)

	location, ok := renderer.MeshLocation(1)
	require.True(t, ok)
	require.Equal(t, vertex.Range{FirstVertex: 3, VertexCount: 2}, location)
	_, ok = renderer.MeshLocation(2)
	require.False(t, ok)

	geometry := renderer.Geometry()
	require.Equal(t, gpu.LocationDeviceLocal, geometry.Location())
	require.Equal(t, 64+48+120, geometry.TotalSize())
	require.Equal(t, 64, renderer.instances.Offset())
	require.Equal(t, 112, renderer.meshVertices.Offset())

	data := bufferBytes(t, geometry.Buffer())
	require.Equal(t, vertex.EncodeSpriteVertices(vertex.Quad), data[:64])
	// First instance is the texture 1 sprite
	require.Equal(t, float32(3), floatAt(data, 64))
	require.Equal(t, float32(0.5), floatAt(data, 64+8))
	require.Equal(t, float32(1), floatAt(data, 64+16))
	require.Equal(t, float32(5), floatAt(data, 64+32))
	// Fourth mesh vertex is the start of the line
	require.Equal(t, float32(-2), floatAt(data, 112+3*vertex.MeshVertexSize))

	uniforms := renderer.Uniforms()
	require.Equal(t, gpu.LocationHostVisible, uniforms.Location())
	require.Equal(t, 2*256+2*256, uniforms.TotalSize())

	data = bufferBytes(t, uniforms.Buffer())
	projection := vertex.EncodeMatrix(Projection(defaultFieldOfView, rig.context.SwapchainExtent(), nearPlane))
	view := vertex.EncodeMatrix(DefaultCamera().View())
	for imageIndex := 0; imageIndex < 2; imageIndex++ {
		offset := imageIndex * 256
		require.Equal(t, projection, data[offset:offset+64])
		require.Equal(t, view, data[offset+64:offset+128])
	}
	// The first object's world matrix translates by its position
	require.Equal(t, float32(1), floatAt(data, 512+48))
	require.Equal(t, float32(2), floatAt(data, 512+52))
	require.Equal(t, float32(3), floatAt(data, 512+56))
	require.Equal(t, float32(-5), floatAt(data, 768+56))

	// One staged geometry upload, the uniforms are written through a mapping
	require.Len(t, rig.device.Queue().Submits, 1)
	require.Equal(t, map[string]int{
		"Buffer":        2,
		"Memory":        2,
		"Semaphore":     4,
		"Fence":         2,
		"CommandBuffer": 2,
	}, rig.device.LiveObjects())
}

func TestNewRecordsEveryImage(t *testing.T) {
	rig := newRig(t)
	renderer, _, err := rig.load(testScene(), Options{ClearColor: [4]float32{0, 0, 0, 1}})
	require.NoError(t, err)
	defer renderer.Destroy()

	var expected []string
	for imageIndex := 0; imageIndex < 2; imageIndex++ {
		expected = append(expected,
			fmt.Sprintf("BeginPass %d [0 0 0 1]", imageIndex),
			"BindSpritePipeline",
			"BindTexture 1",
			"BindTexture 2",
			fmt.Sprintf("BindWorldPipeline %d 128", imageIndex*256),
			"BindObject 0 512 64",
			"BindObject 1 768 64",
			"EndPass",
		)
	}
	require.Equal(t, expected, rig.recorder.calls)

	commandBuffer := renderer.commandBuffers[1].(*gputest.CommandBuffer)
	var summary []string
	for _, command := range commandBuffer.Commands {
		summary = append(summary, fmt.Sprintf("%s %v %v", command.Name, command.Counts, command.Offsets))
	}
	require.Equal(t, []string{
		"CmdBindVertexBuffers [0] [0]",
		"CmdBindVertexBuffers [1] [64]",
		"CmdDraw [4 1 0 0] []",
		"CmdDraw [4 2 0 1] []",
		"CmdBindVertexBuffers [0] [112]",
		"CmdDraw [2 1 3 0] []",
		"CmdDraw [3 1 0 0] []",
	}, summary)
}

func TestEmptyScene(t *testing.T) {
	rig := newRig(t)
	renderer, _, err := rig.load(Scene{}, Options{})
	require.NoError(t, err)
	defer renderer.Destroy()

	require.Equal(t, []string{
		"BeginPass 0 [0 0 0 0]",
		"EndPass",
		"BeginPass 1 [0 0 0 0]",
		"EndPass",
	}, rig.recorder.calls)
	require.Empty(t, renderer.commandBuffers[0].(*gputest.CommandBuffer).Commands)

	// The mesh stream is a one byte placeholder
	require.Equal(t, 1, renderer.meshVertices.Size())
	require.Equal(t, 0, renderer.instances.Size())
	require.Equal(t, 2*256, renderer.Uniforms().TotalSize())
}

func TestRunUpdatesViewPerImage(t *testing.T) {
	rig := newRig(t)
	renderer, _, err := rig.load(testScene(), Options{})
	require.NoError(t, err)

	var frames []int
	err = renderer.Run(func() bool {
		return len(frames) == 3
	}, func(frame *frame.Frame, camera *Camera) {
		frames = append(frames, frame.ImageIndex)
		camera.Position = camera.Position.Add(mgl32.Vec3{0, 0, 1})
	})
	require.NoError(t, err)

	require.Equal(t, []int{0, 1, 0}, frames)
	require.Equal(t, []int{0, 1, 0}, rig.swapchain.Presented)
	require.Equal(t, 3, renderer.Ring().FramesPresented())
	require.Len(t, rig.device.Queue().Submits, 4)
	require.Equal(t, mgl32.Vec3{0, 0, 4}, renderer.Camera().Position)

	data := bufferBytes(t, renderer.Uniforms().Buffer())
	lastView := Camera{Position: mgl32.Vec3{0, 0, 4}, Direction: mgl32.Vec3{0, 0, -1}}.View()
	previousView := Camera{Position: mgl32.Vec3{0, 0, 3}, Direction: mgl32.Vec3{0, 0, -1}}.View()
	require.Equal(t, vertex.EncodeMatrix(lastView), data[64:128])
	require.Equal(t, vertex.EncodeMatrix(previousView), data[256+64:256+128])

	renderer.Destroy()
	require.Equal(t, 0, rig.device.LiveObjectCount())
}

func TestSetCamera(t *testing.T) {
	rig := newRig(t)
	renderer, _, err := rig.load(testScene(), Options{})
	require.NoError(t, err)
	defer renderer.Destroy()

	camera := Camera{Position: mgl32.Vec3{10, 0, 0}, Direction: mgl32.Vec3{-1, 0, 0}}
	renderer.SetCamera(camera)
	_, err = renderer.DrawFrame(nil)
	require.NoError(t, err)

	data := bufferBytes(t, renderer.Uniforms().Buffer())
	require.Equal(t, vertex.EncodeMatrix(camera.View()), data[64:128])
	// The other image keeps the view it was loaded with
	require.Equal(t, vertex.EncodeMatrix(DefaultCamera().View()), data[256+64:256+128])

	require.NoError(t, renderer.Ring().WaitIdle())
}

func TestNewFailsCleanly(t *testing.T) {
	testCases := map[string]struct {
		Scene   Scene
		Options Options
		Setup   func(rig *renderRig)
		Error   string
		Kind    error
	}{
		"UnknownMesh": {
			Scene: Scene{
				Meshes:  [][]vertex.MeshVertex{triangle},
				Objects: []Object{{MeshID: 5}},
			},
			Error: "object 0 uses mesh 5, but the scene has 1 meshes",
		},
		"DeviceLocalUniforms": {
			Scene:   testScene(),
			Options: Options{UniformMemoryUsage: gpu.MemoryUsageGPUOnly},
			Error:   "must be host-visible",
		},
		"UploadSubmit": {
			Scene: testScene(),
			Setup: func(rig *renderRig) {
				rig.device.FailOn("Submit", core1_0.VKErrorDeviceLost)
			},
			Error: "Renderer::loadGeometry",
			Kind:  gpu.ErrSubmitFailed,
		},
		"RingSemaphore": {
			Scene: testScene(),
			Setup: func(rig *renderRig) {
				rig.device.FailOn("CreateSemaphore", core1_0.VKErrorOutOfDeviceMemory)
			},
			Error: "Device::CreateSemaphore",
			Kind:  gpu.ErrAllocationFailed,
		},
		"Recorder": {
			Scene: testScene(),
			Setup: func(rig *renderRig) {
				rig.recorder.failOn = "BindTexture"
			},
			Error: "Recorder::BindTexture",
			Kind:  gpu.ErrSubmitFailed,
		},
		"CommandBuffers": {
			// Host-visible geometry is uploaded without a one-time submission, so the first
			// command buffer allocation is the renderer's own
			Scene:   testScene(),
			Options: Options{GeometryMemoryUsage: gpu.MemoryUsageCPUToGPU},
			Setup: func(rig *renderRig) {
				rig.device.FailOn("AllocateCommandBuffers", core1_0.VKErrorOutOfHostMemory)
			},
			Error: "Device::AllocateCommandBuffers",
			Kind:  gpu.ErrAllocationFailed,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			rig := newRig(t)
			if testCase.Setup != nil {
				testCase.Setup(rig)
			}

			renderer, _, err := rig.load(testCase.Scene, testCase.Options)
			require.Nil(t, renderer)
			require.ErrorContains(t, err, testCase.Error)
			if testCase.Kind != nil {
				require.True(t, errors.Is(err, testCase.Kind))
			}
			require.Equal(t, 0, rig.device.LiveObjectCount())
		})
	}
}

func TestProjection(t *testing.T) {
	projection := Projection(90, gpu.Extent{Width: 200, Height: 100}, 0.5)

	require.InDelta(t, 0.5, projection[0], 1e-6)
	require.InDelta(t, -1, projection[5], 1e-6)
	require.Equal(t, float32(-1), projection[10])
	require.Equal(t, float32(-1), projection[11])
	require.Equal(t, float32(-1), projection[14])
	require.Equal(t, float32(0), projection[15])

	// A point on the near plane maps to depth -1, the far plane is never reached
	clip := projection.Mul4x1(mgl32.Vec4{0, 0, -0.5, 1})
	require.InDelta(t, -1, clip.Z()/clip.W(), 1e-6)
}

func TestBuildStatsString(t *testing.T) {
	rig := newRig(t)
	renderer, _, err := rig.load(testScene(), Options{})
	require.NoError(t, err)
	defer renderer.Destroy()

	var stats struct {
		Sprites  int
		Meshes   int
		Objects  int
		Geometry struct {
			TotalBytes int
			Location   string
			Regions    []struct {
				Offset int
				Name   string
			}
		}
		Uniforms struct {
			TotalBytes int
			Location   string
		}
		Ring struct {
			ImageCount int
		}
	}
	require.NoError(t, json.Unmarshal([]byte(renderer.BuildStatsString()), &stats))

	require.Equal(t, 3, stats.Sprites)
	require.Equal(t, 2, stats.Meshes)
	require.Equal(t, 2, stats.Objects)
	require.Equal(t, 232, stats.Geometry.TotalBytes)
	require.Equal(t, "LocationDeviceLocal", stats.Geometry.Location)
	require.Len(t, stats.Geometry.Regions, 3)
	require.Equal(t, "meshVertices", stats.Geometry.Regions[2].Name)
	require.Equal(t, 112, stats.Geometry.Regions[2].Offset)
	require.Equal(t, 1024, stats.Uniforms.TotalBytes)
	require.Equal(t, "LocationHostVisible", stats.Uniforms.Location)
	require.Equal(t, 2, stats.Ring.ImageCount)
}
