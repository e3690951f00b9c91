// Package convert provides checked narrowing conversions for the 32-bit
// integer domain used by the archive wire format.
package convert

import (
	"errors"
	"math"
)

// ErrOverflow is returned when a value does not fit the target type.
var ErrOverflow = errors.New("value out of 32-bit range")

// Uint32 converts v to uint32, failing if v exceeds math.MaxUint32.
func Uint32(v uint64) (uint32, error) {
	if v > math.MaxUint32 {
		return 0, ErrOverflow
	}
	return uint32(v), nil
}

// Int32 converts v to int32, failing if v is outside the int32 range.
func Int32(v int64) (int32, error) {
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, ErrOverflow
	}
	return int32(v), nil
}

// Uint32FromInt64 converts v to uint32, failing on negative values and
// values above math.MaxUint32.
func Uint32FromInt64(v int64) (uint32, error) {
	if v < 0 || v > math.MaxUint32 {
		return 0, ErrOverflow
	}
	return uint32(v), nil
}
