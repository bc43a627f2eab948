package model

import (
	"fmt"
	"math/bits"
)

// MulU64 returns a*b or ErrArithmeticOverflow.
func MulU64(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, fmt.Errorf("%d * %d: %w", a, b, ErrArithmeticOverflow)
	}
	return lo, nil
}

// AddU64 returns a+b or ErrArithmeticOverflow.
func AddU64(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%d + %d: %w", a, b, ErrArithmeticOverflow)
	}
	return sum, nil
}
