package frame

import (
	"github.com/DavidLoftus/vktest/gpu"
)

// SlotState is where a swapchain image's slot is in the frame cycle
type SlotState uint32

const (
	// SlotIdle slots have no outstanding work
	SlotIdle SlotState = iota
	// SlotAcquiring slots have been handed out by the presentation engine and are waiting for
	// the image's previous submission to finish
	SlotAcquiring
	// SlotRendering slots have a submission in flight that will signal renderFinished
	SlotRendering
	// SlotPresenting slots have been queued for presentation. The slot becomes reusable once its
	// fence is observed signaled.
	SlotPresenting
	// SlotFailed slots lost their fence to a failed submission and could not get a new one
	SlotFailed
)

var slotStateMapping = make(map[SlotState]string)

func (s SlotState) String() string {
	return slotStateMapping[s]
}

func init() {
	slotStateMapping[SlotIdle] = "SlotIdle"
	slotStateMapping[SlotAcquiring] = "SlotAcquiring"
	slotStateMapping[SlotRendering] = "SlotRendering"
	slotStateMapping[SlotPresenting] = "SlotPresenting"
	slotStateMapping[SlotFailed] = "SlotFailed"
}

// slot is the synchronization state of one swapchain image. imageAvailable is not tied to the
// image: the ring hands the semaphores out by frame number, since the image index is only known
// once acquisition has completed.
type slot struct {
	imageAvailable gpu.Semaphore
	renderFinished gpu.Semaphore
	inFlight       gpu.Fence

	state       SlotState
	submissions int
}

// Frame is one pass through the ring, from acquisition to presentation
type Frame struct {
	// Number counts the frames acquired by the ring, starting at 0
	Number int
	// ImageIndex is the swapchain image the presentation engine chose. Command buffers and other
	// per-image resources must be indexed by ImageIndex, never by Number.
	ImageIndex int

	ring           *Ring
	imageAvailable gpu.Semaphore
}
