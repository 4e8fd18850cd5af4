package gpu

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrAllocationFailed marks failures to obtain a physical buffer or its memory
	ErrAllocationFailed = errors.New("allocation failed")
	// ErrZeroSizeAllocation is returned when a physical buffer of zero bytes is requested. It is
	// also an ErrAllocationFailed.
	ErrZeroSizeAllocation = errors.Mark(errors.New("cannot allocate a zero-size buffer"), ErrAllocationFailed)
	// ErrMapFailed marks failures to obtain a host pointer into device memory
	ErrMapFailed = errors.New("memory map failed")
	// ErrSubmitFailed marks failures to record or submit device work
	ErrSubmitFailed = errors.New("submission failed")
	// ErrWaitFailed marks an abnormal fence or idle wait. Errors built by WaitError are also
	// ErrSubmitFailed.
	ErrWaitFailed = errors.New("wait failed")
	// ErrPresentFailed marks failures to acquire or present a swapchain image
	ErrPresentFailed = errors.New("presentation failed")
	// ErrOutOfDate is returned when the swapchain no longer matches the surface. Recreating the
	// swapchain is the presentation layer's job, nothing in this module retries.
	ErrOutOfDate = errors.Mark(errors.New("swapchain out of date"), ErrPresentFailed)
)

func markFailure(kind error, err error, operation string) error {
	if err == nil {
		return errors.Wrapf(kind, "%s", operation)
	}
	return errors.Mark(errors.Wrapf(err, "%s", operation), kind)
}

// AllocationError wraps err with the failing operation's name and marks it as ErrAllocationFailed
func AllocationError(err error, operation string) error {
	return markFailure(ErrAllocationFailed, err, operation)
}

// MapError wraps err with the failing operation's name and marks it as ErrMapFailed
func MapError(err error, operation string) error {
	return markFailure(ErrMapFailed, err, operation)
}

// SubmitError wraps err with the failing operation's name and marks it as ErrSubmitFailed
func SubmitError(err error, operation string) error {
	return markFailure(ErrSubmitFailed, err, operation)
}

// WaitError wraps err with the failing operation's name and marks it as ErrWaitFailed
func WaitError(err error, operation string) error {
	return errors.Mark(markFailure(ErrWaitFailed, err, operation), ErrSubmitFailed)
}

// PresentError wraps err with the failing operation's name and marks it as ErrPresentFailed
func PresentError(err error, operation string) error {
	return markFailure(ErrPresentFailed, err, operation)
}
