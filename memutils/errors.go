package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is returned by CheckPow2 when a device limit or alignment that the packing
// arithmetic relies on is not a power of two
var PowerOfTwoError error = errors.New("value must be a power of two")
