package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// floorRemainder is value mod alignment in [0, alignment). Go's % takes the sign of value.
func floorRemainder[T Number](value T, alignment T) T {
	remainder := value % alignment
	if remainder < 0 {
		remainder += alignment
	}
	return remainder
}

// AlignUp rounds value up to the next multiple of alignment, toward positive infinity for
// negative values. Alignment does not need to be a power of two. An alignment of 0 (or 1)
// leaves value unchanged.
func AlignUp[T Number](value T, alignment T) T {
	if alignment <= 1 {
		return value
	}

	remainder := floorRemainder(value, alignment)
	if remainder == 0 {
		return value
	}
	return value + (alignment - remainder)
}

// AlignDown rounds value down to the previous multiple of alignment, toward negative infinity
// for negative values. An alignment of 0 (or 1) leaves value unchanged.
func AlignDown[T Number](value T, alignment T) T {
	if alignment <= 1 {
		return value
	}

	return value - floorRemainder(value, alignment)
}
