package util

import (
	"math"
	"math/bits"

	"golang.org/x/exp/constraints"
)

func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

/*
AddUint64Sat returns a+b, saturating at math.MaxUint64 instead of wrapping around.
*/
func AddUint64Sat(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

/*
MulDivUint64Sat returns floor(a*b/d) computed with a 128 bit intermediate
product. Result is saturated at math.MaxUint64. Panics when d is zero.
*/
func MulDivUint64Sat(a, b, d uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, d)
	return q
}
